package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"grocery/m/domain"
)

// ErrInsufficientInventory is returned by DecreaseInventoryChecked when the
// item exists but holds less stock than requested.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// ItemFields carries the mutable columns of a grocery item. A nil field is
// bound as NULL on insert and left untouched on patch.
type ItemFields struct {
	Name      *string
	Price     *float64
	Inventory *int64
}

// Store runs the parameterized statements of the service against a pooled
// connection. Every method is a single round trip unless noted.
type Store struct {
	db        *sqlx.DB
	returning bool
	tracer    trace.Tracer
}

// New wraps db. MySQL reports generated ids through LastInsertId; the other
// drivers use RETURNING.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:        db,
		returning: db.DriverName() != "mysql",
		tracer:    otel.Tracer("grocery/m/internal/store"),
	}
}

// Ping checks that the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateItem inserts one row and returns its id.
func (s *Store) CreateItem(ctx context.Context, f ItemFields) (id int64, err error) {
	ctx, span := s.startSpan(ctx, "CreateItem")
	defer func() { endSpan(span, err) }()

	id, err = s.insert(ctx, `INSERT INTO grocery_items (name, price, inventory) VALUES (?, ?, ?)`,
		f.Name, f.Price, f.Inventory)
	if err != nil {
		return 0, fmt.Errorf("insert grocery item: %w", err)
	}
	return id, nil
}

// ListItems returns every row in store order.
func (s *Store) ListItems(ctx context.Context) (items []domain.GroceryItem, err error) {
	ctx, span := s.startSpan(ctx, "ListItems")
	defer func() { endSpan(span, err) }()

	items = []domain.GroceryItem{}
	if err = s.db.SelectContext(ctx, &items, `SELECT id, name, price, inventory FROM grocery_items`); err != nil {
		return nil, fmt.Errorf("list grocery items: %w", err)
	}
	return items, nil
}

// ReplaceItem overwrites name, price and inventory. A missing id is not an
// error.
func (s *Store) ReplaceItem(ctx context.Context, id int64, name string, price float64, inventory int64) (err error) {
	ctx, span := s.startSpan(ctx, "ReplaceItem")
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE grocery_items SET name = ?, price = ?, inventory = ? WHERE id = ?`),
		name, price, inventory, id)
	if err != nil {
		return fmt.Errorf("replace grocery item %d: %w", id, err)
	}
	return nil
}

// PatchItem updates only the non-nil fields.
func (s *Store) PatchItem(ctx context.Context, id int64, f ItemFields) (err error) {
	ctx, span := s.startSpan(ctx, "PatchItem")
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE grocery_items
                SET name = COALESCE(?, name), price = COALESCE(?, price), inventory = COALESCE(?, inventory)
                WHERE id = ?`),
		f.Name, f.Price, f.Inventory, id)
	if err != nil {
		return fmt.Errorf("patch grocery item %d: %w", id, err)
	}
	return nil
}

// DeleteItem removes the row if present.
func (s *Store) DeleteItem(ctx context.Context, id int64) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteItem")
	defer func() { endSpan(span, err) }()

	if _, err = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM grocery_items WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete grocery item %d: %w", id, err)
	}
	return nil
}

// IncreaseInventory adds quantity in place.
func (s *Store) IncreaseInventory(ctx context.Context, id, quantity int64) (err error) {
	ctx, span := s.startSpan(ctx, "IncreaseInventory")
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE grocery_items SET inventory = inventory + ? WHERE id = ?`), quantity, id)
	if err != nil {
		return fmt.Errorf("increase inventory of %d: %w", id, err)
	}
	return nil
}

// DecreaseInventory subtracts quantity in place without a floor, so the
// result may be negative.
func (s *Store) DecreaseInventory(ctx context.Context, id, quantity int64) (err error) {
	ctx, span := s.startSpan(ctx, "DecreaseInventory")
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE grocery_items SET inventory = inventory - ? WHERE id = ?`), quantity, id)
	if err != nil {
		return fmt.Errorf("decrease inventory of %d: %w", id, err)
	}
	return nil
}

// DecreaseInventoryChecked subtracts quantity only when enough stock is on
// hand. When nothing was updated it takes a second round trip to tell a
// missing item (nil) from a short one (ErrInsufficientInventory).
func (s *Store) DecreaseInventoryChecked(ctx context.Context, id, quantity int64) (err error) {
	ctx, span := s.startSpan(ctx, "DecreaseInventoryChecked")
	defer func() { endSpan(span, err) }()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE grocery_items SET inventory = inventory - ? WHERE id = ? AND inventory >= ?`),
		quantity, id, quantity)
	if err != nil {
		return fmt.Errorf("decrease inventory of %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decrease inventory of %d: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	var count int
	if err = s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM grocery_items WHERE id = ?`), id); err != nil {
		return fmt.Errorf("lookup grocery item %d: %w", id, err)
	}
	if count > 0 {
		return ErrInsufficientInventory
	}
	return nil
}

// BookOrder writes all lines with one multi-row INSERT and returns the id of
// the first row. lines must not be empty.
func (s *Store) BookOrder(ctx context.Context, lines []domain.OrderLine) (orderID int64, err error) {
	ctx, span := s.startSpan(ctx, "BookOrder")
	span.SetAttributes(attribute.Int("order.lines", len(lines)))
	defer func() { endSpan(span, err) }()

	if len(lines) == 0 {
		return 0, errors.New("book order: no lines")
	}

	placeholders := make([]string, len(lines))
	args := make([]any, 0, len(lines)*3)
	for i, line := range lines {
		placeholders[i] = "(?, ?, ?)"
		args = append(args, line.ItemID, line.Quantity, line.Price)
	}
	query := `INSERT INTO orders (item_id, quantity, price) VALUES ` + strings.Join(placeholders, ", ")

	orderID, err = s.insert(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert order lines: %w", err)
	}
	return orderID, nil
}

// insert executes an INSERT and returns the smallest generated id, which for a
// multi-row insert is the id of its first row.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if !s.returning {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return firstGeneratedID(res)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var first int64
	seen := false
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		if !seen || id < first {
			first, seen = id, true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if !seen {
		return 0, errors.New("insert returned no id")
	}
	return first, nil
}

// firstGeneratedID reads the id of the first row from a MySQL result, where
// LAST_INSERT_ID() reports the first value of a multi-row insert.
func firstGeneratedID(res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("insert returned no id")
	}
	return id, nil
}

func (s *Store) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", s.db.DriverName())),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
