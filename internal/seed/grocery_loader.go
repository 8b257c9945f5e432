package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// LoadGroceryItems ingests a name,price,inventory CSV (with header) into
// grocery_items in one transaction. It does nothing when the table already
// has rows. Malformed rows are logged and skipped.
func LoadGroceryItems(ctx context.Context, db *sqlx.DB, csvPath string, log *zap.Logger) (int, error) {
	var existing int
	if err := db.GetContext(ctx, &existing, `SELECT COUNT(*) FROM grocery_items`); err != nil {
		return 0, fmt.Errorf("count grocery items: %w", err)
	}
	if existing > 0 {
		log.Info("grocery catalog already populated, skipping seed", zap.Int("rows", existing))
		return 0, nil
	}

	file, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("open grocery catalog %s: %w", csvPath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	// Skip header
	if _, err := reader.Read(); err != nil {
		return 0, fmt.Errorf("read grocery catalog header: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("start seed transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO grocery_items (name, price, inventory) VALUES (?, ?, ?)`))
	if err != nil {
		return 0, fmt.Errorf("prepare grocery insert: %w", err)
	}
	defer stmt.Close()

	rows := 0
	line := 1
	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("unable to read grocery row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if len(record) < 3 {
			log.Warn("short grocery row", zap.Int("line", line))
			continue
		}
		name := strings.TrimSpace(record[0])
		price, priceErr := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		inventory, invErr := strconv.ParseInt(strings.TrimSpace(record[2]), 10, 64)
		if name == "" || priceErr != nil || invErr != nil {
			log.Warn("invalid grocery row", zap.Int("line", line), zap.Strings("record", record))
			continue
		}

		if _, err := stmt.ExecContext(ctx, name, price, inventory); err != nil {
			return 0, fmt.Errorf("insert grocery item %q: %w", name, err)
		}
		rows++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grocery seed: %w", err)
	}
	log.Info("seeded grocery catalog", zap.Int("rows", rows), zap.String("path", csvPath))
	return rows, nil
}
