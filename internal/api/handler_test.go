package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"grocery/m/domain"
	"grocery/m/internal/database"
	"grocery/m/internal/events"
	"grocery/m/internal/migrations"
	"grocery/m/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type testEnv struct {
	router    http.Handler
	db        *sqlx.DB
	publisher *recordingPublisher
}

func setupTestRouter(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Run(context.Background(), db))

	pub := &recordingPublisher{}
	h := New(store.New(db), pub, zaptest.NewLogger(t), opts)
	return &testEnv{router: h.Router(), db: db, publisher: pub}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createItem(t *testing.T, name string, price float64, inventory int64) int64 {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/admin/grocery-items", map[string]any{"name": name, "price": price, "inventory": inventory})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Message string `json:"message"`
		ID      int64  `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func (e *testEnv) list(t *testing.T, path string) []domain.GroceryItem {
	t.Helper()
	rec := e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []domain.GroceryItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	return items
}

func (e *testEnv) inventoryOf(t *testing.T, id int64) int64 {
	t.Helper()
	var inv int64
	require.NoError(t, e.db.Get(&inv, `SELECT inventory FROM grocery_items WHERE id = ?`, id))
	return inv
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestCreateItemHandler(t *testing.T) {
	t.Run("Creates an item and lists it", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})

		rec := env.do(t, http.MethodPost, "/admin/grocery-items", map[string]any{"name": "Bread", "price": 2.25, "inventory": 40})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Grocery item added successfully", resp["message"])
		id, ok := resp["id"].(float64)
		require.True(t, ok, "id should be numeric")

		items := env.list(t, "/admin/grocery-items")
		require.Len(t, items, 1)
		assert.Equal(t, domain.GroceryItem{ID: int64(id), Name: "Bread", Price: 2.25, Inventory: 40}, items[0])
		assert.Equal(t, []string{events.TypeItemCreated}, env.publisher.types())
	})

	t.Run("Missing field is rejected by the store", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})

		rec := env.do(t, http.MethodPost, "/admin/grocery-items", map[string]any{"price": 1.0, "inventory": 3})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal Server Error", errorMessage(t, rec))
		assert.Empty(t, env.list(t, "/admin/grocery-items"))
		assert.Empty(t, env.publisher.types())
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})

		rec := env.do(t, http.MethodPost, "/admin/grocery-items", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid request body", errorMessage(t, rec))
	})

	t.Run("Extra keys are ignored", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})

		rec := env.do(t, http.MethodPost, "/admin/grocery-items", map[string]any{"name": "Yogurt", "price": 1.1, "inventory": 6, "category": "dairy"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		items := env.list(t, "/admin/grocery-items")
		require.Len(t, items, 1)
		assert.Equal(t, "Yogurt", items[0].Name)
	})
}

func TestListItemsHandler(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})

	rec := env.do(t, http.MethodGet, "/user/grocery-items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	env.createItem(t, "Eggs", 4.1, 12)
	env.createItem(t, "Rice", 1.8, 100)

	admin := env.list(t, "/admin/grocery-items")
	user := env.list(t, "/user/grocery-items")
	assert.Len(t, admin, 2)
	assert.Equal(t, admin, user)
}

func TestReplaceItemHandler(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	id := env.createItem(t, "Apple", 0.5, 10)
	path := fmt.Sprintf("/admin/grocery-items/%d", id)

	t.Run("Overwrites every field", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, path, map[string]any{"name": "Green Apple", "price": 0.75, "inventory": 7})
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())

		items := env.list(t, "/admin/grocery-items")
		require.Len(t, items, 1)
		assert.Equal(t, domain.GroceryItem{ID: id, Name: "Green Apple", Price: 0.75, Inventory: 7}, items[0])
	})

	t.Run("Partial body is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, path, map[string]any{"name": "Only Name"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "name, price and inventory are required", errorMessage(t, rec))
		assert.Equal(t, "Green Apple", env.list(t, "/admin/grocery-items")[0].Name)
	})

	t.Run("Unknown id still answers 204", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/admin/grocery-items/9999", map[string]any{"name": "Ghost", "price": 1, "inventory": 1})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, env.list(t, "/admin/grocery-items"), 1)
	})

	t.Run("Non numeric id", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/admin/grocery-items/abc", map[string]any{"name": "X", "price": 1, "inventory": 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Misspelt column is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, path, `{"name":"Red Apple","price":0.8,"inventroy":3}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid request body", errorMessage(t, rec))
		assert.Equal(t, "Green Apple", env.list(t, "/admin/grocery-items")[0].Name)
	})
}

func TestPatchItemHandler(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	id := env.createItem(t, "Cheese", 6.0, 5)
	path := fmt.Sprintf("/admin/grocery-items/%d", id)

	rec := env.do(t, http.MethodPatch, path, map[string]any{"price": 6.5})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.GroceryItem{ID: id, Name: "Cheese", Price: 6.5, Inventory: 5}, env.list(t, "/admin/grocery-items")[0])

	rec = env.do(t, http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteItemHandler(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	id := env.createItem(t, "Butter", 3.0, 8)

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/admin/grocery-items/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.list(t, "/admin/grocery-items"))

	rec = env.do(t, http.MethodDelete, "/admin/grocery-items/424242", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIncreaseInventoryHandler(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	id := env.createItem(t, "Flour", 1.2, 10)
	path := fmt.Sprintf("/admin/grocery-items/%d/increase-inventory", id)

	invalid := []struct {
		name string
		body string
	}{
		{"zero", `{"quantity":0}`},
		{"negative", `{"quantity":-3}`},
		{"missing", `{}`},
		{"string", `{"quantity":"5"}`},
		{"null", `{"quantity":null}`},
		{"fractional", `{"quantity":2.5}`},
		{"empty body", ``},
	}
	for _, tc := range invalid {
		t.Run("Rejects "+tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, path, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid quantity provided", errorMessage(t, rec))
			assert.Equal(t, int64(10), env.inventoryOf(t, id))
		})
	}

	t.Run("Adds the quantity", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, path, map[string]any{"quantity": 5})
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, int64(15), env.inventoryOf(t, id))
	})

	t.Run("Extra keys are ignored", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, path, `{"quantity":5,"note":"restock"}`)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		assert.Equal(t, int64(20), env.inventoryOf(t, id))
	})
}

func TestDecreaseInventoryHandler(t *testing.T) {
	t.Run("Unguarded decrease goes negative", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})
		id := env.createItem(t, "Sugar", 2.0, 3)

		rec := env.do(t, http.MethodPut, fmt.Sprintf("/user/grocery-items/%d/decrease-inventory", id), map[string]any{"quantity": 5})
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, int64(-2), env.inventoryOf(t, id))
	})

	t.Run("Guarded decrease rejects short stock", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: false})
		id := env.createItem(t, "Salt", 0.9, 3)
		path := fmt.Sprintf("/user/grocery-items/%d/decrease-inventory", id)

		rec := env.do(t, http.MethodPut, path, map[string]any{"quantity": 5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Insufficient inventory", errorMessage(t, rec))
		assert.Equal(t, int64(3), env.inventoryOf(t, id))

		rec = env.do(t, http.MethodPut, path, map[string]any{"quantity": 3})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, int64(0), env.inventoryOf(t, id))

		rec = env.do(t, http.MethodPut, "/user/grocery-items/777/decrease-inventory", map[string]any{"quantity": 1})
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("Validates quantity", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})
		id := env.createItem(t, "Tea", 3.3, 4)

		rec := env.do(t, http.MethodPut, fmt.Sprintf("/user/grocery-items/%d/decrease-inventory", id), `{"quantity":-1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, int64(4), env.inventoryOf(t, id))
	})
}

func TestBookOrderHandler(t *testing.T) {
	invalid := []struct {
		name string
		body string
	}{
		{"empty items", `{"items":[]}`},
		{"missing items", `{}`},
		{"items not an array", `{"items":"milk"}`},
		{"items null", `{"items":null}`},
		{"non numeric id", `{"items":[{"id":"milk","quantity":1,"price":1}]}`},
	}
	for _, tc := range invalid {
		t.Run("Rejects "+tc.name, func(t *testing.T) {
			env := setupTestRouter(t, Options{AllowNegativeInventory: true})
			rec := env.do(t, http.MethodPost, "/user/book-order", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid items provided", errorMessage(t, rec))
		})
	}

	t.Run("Books every line in one insert", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})
		milk := env.createItem(t, "Milk", 3.5, 20)
		eggs := env.createItem(t, "Eggs", 4.0, 12)

		rec := env.do(t, http.MethodPost, "/user/book-order", map[string]any{"items": []map[string]any{
			{"id": milk, "quantity": 2, "price": 3.5},
			{"id": eggs, "quantity": 1, "price": 4.0},
		}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Message string `json:"message"`
			OrderID int64  `json:"orderId"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Order booked successfully", resp.Message)
		assert.Equal(t, int64(1), resp.OrderID)

		var count int
		require.NoError(t, env.db.Get(&count, `SELECT COUNT(*) FROM orders`))
		assert.Equal(t, 2, count)

		// Booking leaves stock untouched.
		assert.Equal(t, int64(20), env.inventoryOf(t, milk))

		rec = env.do(t, http.MethodPost, "/user/book-order", map[string]any{"items": []map[string]any{
			{"id": milk, "quantity": 1, "price": 3.5},
		}})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(3), resp.OrderID)
		assert.Contains(t, env.publisher.types(), events.TypeOrderBooked)
	})

	t.Run("Lines copied from the listing are accepted", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})
		milk := env.createItem(t, "Milk", 3.5, 20)

		body := fmt.Sprintf(`{"customer":"bob","items":[`+
			`{"id":%d,"name":"Milk","inventory":20,"quantity":2,"price":3.5},`+
			`{"id":"%d","quantity":"1","price":"3.5"}]}`, milk, milk)
		rec := env.do(t, http.MethodPost, "/user/book-order", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var lines []domain.OrderLine
		require.NoError(t, env.db.Select(&lines, `SELECT item_id, quantity, price FROM orders ORDER BY id`))
		assert.Equal(t, []domain.OrderLine{
			{ItemID: milk, Quantity: 2, Price: 3.5},
			{ItemID: milk, Quantity: 1, Price: 3.5},
		}, lines)
	})

	t.Run("Rejects oversized orders", func(t *testing.T) {
		env := setupTestRouter(t, Options{AllowNegativeInventory: true})

		items := make([]map[string]any, maxOrderLines+1)
		for i := range items {
			items[i] = map[string]any{"id": 1, "quantity": 1, "price": 1}
		}
		rec := env.do(t, http.MethodPost, "/user/book-order", map[string]any{"items": items})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid items provided", errorMessage(t, rec))

		var count int
		require.NoError(t, env.db.Get(&count, `SELECT COUNT(*) FROM orders`))
		assert.Zero(t, count)
	})
}

func TestConcurrentInventoryAdjustments(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	id := env.createItem(t, "Oats", 2.0, 100)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.do(t, http.MethodPut, fmt.Sprintf("/admin/grocery-items/%d/increase-inventory", id), `{"quantity":3}`)
		}()
		go func() {
			defer wg.Done()
			env.do(t, http.MethodPut, fmt.Sprintf("/user/grocery-items/%d/decrease-inventory", id), `{"quantity":2}`)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100+workers*3-workers*2), env.inventoryOf(t, id))
}

func TestMilkLifecycle(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})

	id := env.createItem(t, "Milk", 3.5, 20)
	base := fmt.Sprintf("/admin/grocery-items/%d", id)

	rec := env.do(t, http.MethodPut, base+"/increase-inventory", map[string]any{"quantity": 10})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(30), env.list(t, "/user/grocery-items")[0].Inventory)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/user/grocery-items/%d/decrease-inventory", id), map[string]any{"quantity": 5})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(25), env.list(t, "/user/grocery-items")[0].Inventory)

	rec = env.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.list(t, "/user/grocery-items"))

	assert.Equal(t, []string{
		events.TypeItemCreated,
		events.TypeInventoryAdjusted,
		events.TypeInventoryAdjusted,
		events.TypeItemDeleted,
	}, env.publisher.types())
}

func TestStoreFailuresAreHidden(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})
	require.NoError(t, env.db.Close())

	requests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/admin/grocery-items", ""},
		{http.MethodPost, "/admin/grocery-items", `{"name":"X","price":1,"inventory":1}`},
		{http.MethodDelete, "/admin/grocery-items/1", ""},
		{http.MethodPut, "/admin/grocery-items/1/increase-inventory", `{"quantity":1}`},
		{http.MethodPost, "/user/book-order", `{"items":[{"id":1,"quantity":1,"price":1}]}`},
	}
	for _, tc := range requests {
		rec := env.do(t, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.Equal(t, "Internal Server Error", errorMessage(t, rec))
		assert.NotContains(t, rec.Body.String(), "closed")
	}

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestRouter(t, Options{AllowNegativeInventory: true})

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	env.list(t, "/user/grocery-items")

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `grocery_http_requests_total{method="GET",route="/user/grocery-items",status="200"} 1`), body)
}
