package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"grocery/m/internal/api"
	"grocery/m/internal/config"
	"grocery/m/internal/database"
	"grocery/m/internal/events"
	"grocery/m/internal/logger"
	"grocery/m/internal/migrations"
	"grocery/m/internal/observability"
	"grocery/m/internal/seed"
	"grocery/m/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(config.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: config.ServiceName,
		Endpoint:    cfg.OtelEndpoint,
		AuthHeader:  cfg.OtelAuthHeader,
	})
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("tracer shutdown", zap.Error(err))
		}
	}()

	log.Info("connecting to database", zap.String("driver", cfg.DatabaseDriver))
	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.DBMaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := migrations.Run(ctx, db); err != nil {
			return err
		}
	}
	if cfg.SeedCSV != "" {
		if _, err := seed.LoadGroceryItems(ctx, db, cfg.SeedCSV, log); err != nil {
			log.Warn("seed skipped", zap.Error(err))
		}
	}

	var publisher api.EventPublisher = events.Discard{}
	if cfg.RabbitMQURL != "" {
		p, err := events.NewPublisher(cfg.RabbitMQURL, config.ServiceName, log)
		if err != nil {
			log.Warn("RabbitMQ unavailable, events disabled", zap.Error(err))
		} else {
			defer p.Close()
			publisher = p
		}
	}

	handler := api.New(store.New(db), publisher, log, api.Options{
		AllowNegativeInventory: cfg.AllowNegativeInv,
		CORSAllowedOrigins:     cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("grocery inventory service starting", zap.String("address", server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down, draining in-flight requests", zap.Duration("timeout", cfg.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
