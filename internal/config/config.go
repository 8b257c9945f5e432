package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

const ServiceName = "grocery-inventory"

// Supported values of DB_DRIVER.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort        string
	ShutdownTimeout time.Duration
	LogLevel        string

	DatabaseDriver   string
	DatabaseDSN      string
	DBMaxOpenConns   int
	AutoMigrate      bool
	SeedCSV          string
	AllowNegativeInv bool

	CORSAllowedOrigins []string
	RabbitMQURL        string
	OtelEndpoint       string
	OtelAuthHeader     string
}

// Load reads configuration from the environment (and an optional .env file)
// with reasonable defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:           getEnv("PORT", "3000"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:     strings.ToLower(getEnv("DB_DRIVER", DriverMySQL)),
		SeedCSV:            os.Getenv("SEED_CSV"),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		OtelEndpoint:       os.Getenv("OTEL_ENDPOINT"),
		OtelAuthHeader:     os.Getenv("OTEL_AUTH_HEADER"),
	}

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		return Config{}, fmt.Errorf("invalid PORT value %q", cfg.HTTPPort)
	}

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", true); err != nil {
		return Config{}, err
	}
	if cfg.AllowNegativeInv, err = getBool("ALLOW_NEGATIVE_INVENTORY", true); err != nil {
		return Config{}, err
	}

	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")
	if cfg.DatabaseDSN == "" {
		if cfg.DatabaseDSN, err = buildDSN(cfg.DatabaseDriver); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func buildDSN(driver string) (string, error) {
	host := getEnv("DB_HOST", "localhost")
	user := getEnv("DB_USER", "root")
	password := getEnv("DB_PASSWORD", "root")
	name := getEnv("DB_NAME", "grocery_db")

	switch driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = user
		mc.Passwd = password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(host, getEnv("DB_PORT", "3306"))
		mc.DBName = name
		return mc.FormatDSN(), nil
	case DriverPostgres:
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
			user, password, net.JoinHostPort(host, getEnv("DB_PORT", "5432")), name), nil
	case DriverSQLite:
		return name + ".db", nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", key, raw)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", key, raw)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
