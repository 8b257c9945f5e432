package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"grocery/m/domain"
	"grocery/m/internal/events"
	"grocery/m/internal/store"
)

const (
	msgInternalError     = "Internal Server Error"
	msgInvalidQuantity   = "Invalid quantity provided"
	msgInvalidItems      = "Invalid items provided"
	msgInsufficientStock = "Insufficient inventory"
	msgInvalidBody       = "Invalid request body"

	// Largest quantity a JSON number can carry exactly.
	maxQuantity = 1 << 53

	// maxOrderLines keeps one booking inside the bind-variable limit of every
	// supported driver (sqlite allows 32766, three per line).
	maxOrderLines = 1000
	maxBodyBytes  = 1 << 20
)

// ItemStore is the persistence the handlers need.
type ItemStore interface {
	Ping(ctx context.Context) error
	CreateItem(ctx context.Context, f store.ItemFields) (int64, error)
	ListItems(ctx context.Context) ([]domain.GroceryItem, error)
	ReplaceItem(ctx context.Context, id int64, name string, price float64, inventory int64) error
	PatchItem(ctx context.Context, id int64, f store.ItemFields) error
	DeleteItem(ctx context.Context, id int64) error
	IncreaseInventory(ctx context.Context, id, quantity int64) error
	DecreaseInventory(ctx context.Context, id, quantity int64) error
	DecreaseInventoryChecked(ctx context.Context, id, quantity int64) error
	BookOrder(ctx context.Context, lines []domain.OrderLine) (int64, error)
}

// EventPublisher receives a notification after every successful write.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Options tunes handler behaviour.
type Options struct {
	// AllowNegativeInventory keeps decrease-inventory unguarded, so stock may
	// drop below zero. When false a short decrease is rejected with 400.
	AllowNegativeInventory bool
	CORSAllowedOrigins     []string
}

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	store     ItemStore
	publisher EventPublisher
	log       *zap.Logger
	opts      Options
	metrics   *metrics
}

// New constructs a Handler. A nil publisher discards events.
func New(s ItemStore, publisher EventPublisher, log *zap.Logger, opts Options) *Handler {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}
	return &Handler{
		store:     s,
		publisher: publisher,
		log:       log,
		opts:      opts,
		metrics:   newMetrics(),
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
	}))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics.handler())

	r.Route("/admin/grocery-items", func(r chi.Router) {
		r.Post("/", h.createItem)
		r.Get("/", h.listItems)
		r.Put("/{id}", h.replaceItem)
		r.Patch("/{id}", h.patchItem)
		r.Delete("/{id}", h.deleteItem)
		r.Put("/{id}/increase-inventory", h.increaseInventory)
	})

	r.Route("/user", func(r chi.Router) {
		r.Get("/grocery-items", h.listItems)
		r.Put("/grocery-items/{id}/decrease-inventory", h.decreaseInventory)
		r.Post("/book-order", h.bookOrder)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Error("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Grocery item handlers

type createItemRequest struct {
	Name      *string  `json:"name"`
	Price     *float64 `json:"price"`
	Inventory *int64   `json:"inventory"`
}

// replaceItemRequest is a full replacement: every field must be present.
type replaceItemRequest struct {
	Name      *string  `json:"name"`
	Price     *float64 `json:"price"`
	Inventory *int64   `json:"inventory"`
}

func (req replaceItemRequest) complete() bool {
	return req.Name != nil && req.Price != nil && req.Inventory != nil
}

// patchItemRequest changes only the fields it carries.
type patchItemRequest struct {
	Name      *string  `json:"name"`
	Price     *float64 `json:"price"`
	Inventory *int64   `json:"inventory"`
}

func (req patchItemRequest) empty() bool {
	return req.Name == nil && req.Price == nil && req.Inventory == nil
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	id, err := h.store.CreateItem(r.Context(), store.ItemFields{Name: req.Name, Price: req.Price, Inventory: req.Inventory})
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.publish(r.Context(), events.TypeItemCreated, map[string]any{
		"id":        id,
		"name":      req.Name,
		"price":     req.Price,
		"inventory": req.Inventory,
	})
	respondJSON(w, http.StatusCreated, map[string]any{"message": "Grocery item added successfully", "id": id})
}

// listItems serves both the admin and the user listing.
func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListItems(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handler) replaceItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req replaceItemRequest
	if err := decodeStrictJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if !req.complete() {
		respondError(w, http.StatusBadRequest, "name, price and inventory are required")
		return
	}
	if err := h.store.ReplaceItem(r.Context(), id, *req.Name, *req.Price, *req.Inventory); err != nil {
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) patchItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req patchItemRequest
	if err := decodeStrictJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.empty() {
		respondError(w, http.StatusBadRequest, "at least one of name, price or inventory is required")
		return
	}
	if err := h.store.PatchItem(r.Context(), id, store.ItemFields{Name: req.Name, Price: req.Price, Inventory: req.Inventory}); err != nil {
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteItem(r.Context(), id); err != nil {
		h.internalError(w, r, err)
		return
	}
	h.publish(r.Context(), events.TypeItemDeleted, map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// Inventory handlers

type quantityRequest struct {
	Quantity any `json:"quantity"`
}

func (h *Handler) increaseInventory(w http.ResponseWriter, r *http.Request) {
	id, quantity, ok := inventoryAdjustment(w, r)
	if !ok {
		return
	}
	if err := h.store.IncreaseInventory(r.Context(), id, quantity); err != nil {
		h.internalError(w, r, err)
		return
	}
	h.publish(r.Context(), events.TypeInventoryAdjusted, map[string]any{"id": id, "delta": quantity})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decreaseInventory(w http.ResponseWriter, r *http.Request) {
	id, quantity, ok := inventoryAdjustment(w, r)
	if !ok {
		return
	}
	var err error
	if h.opts.AllowNegativeInventory {
		err = h.store.DecreaseInventory(r.Context(), id, quantity)
	} else {
		err = h.store.DecreaseInventoryChecked(r.Context(), id, quantity)
	}
	if errors.Is(err, store.ErrInsufficientInventory) {
		respondError(w, http.StatusBadRequest, msgInsufficientStock)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.publish(r.Context(), events.TypeInventoryAdjusted, map[string]any{"id": id, "delta": -quantity})
	w.WriteHeader(http.StatusNoContent)
}

// inventoryAdjustment reads the item id and a strictly positive whole quantity.
func inventoryAdjustment(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, ok := itemID(w, r)
	if !ok {
		return 0, 0, false
	}
	var req quantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, msgInvalidQuantity)
		return 0, 0, false
	}
	quantity, ok := req.Quantity.(float64)
	if !ok || quantity <= 0 || quantity != math.Trunc(quantity) || quantity > maxQuantity {
		respondError(w, http.StatusBadRequest, msgInvalidQuantity)
		return 0, 0, false
	}
	return id, int64(quantity), true
}

// Order handlers

type bookOrderRequest struct {
	Items []orderLineRequest `json:"items"`
}

// orderLineRequest accepts numbers or numeric strings, as clients often echo
// ids back as text. Keys other than id, quantity and price are ignored.
type orderLineRequest struct {
	ID       json.Number `json:"id"`
	Quantity json.Number `json:"quantity"`
	Price    json.Number `json:"price"`
}

func (l orderLineRequest) line() (domain.OrderLine, error) {
	id, err := l.ID.Int64()
	if err != nil {
		return domain.OrderLine{}, fmt.Errorf("item id %q: %w", l.ID, err)
	}
	quantity, err := l.Quantity.Int64()
	if err != nil {
		return domain.OrderLine{}, fmt.Errorf("quantity %q: %w", l.Quantity, err)
	}
	price, err := l.Price.Float64()
	if err != nil {
		return domain.OrderLine{}, fmt.Errorf("price %q: %w", l.Price, err)
	}
	return domain.OrderLine{ItemID: id, Quantity: quantity, Price: price}, nil
}

func (h *Handler) bookOrder(w http.ResponseWriter, r *http.Request) {
	var req bookOrderRequest
	if err := decodeJSON(w, r, &req); err != nil || len(req.Items) == 0 || len(req.Items) > maxOrderLines {
		respondError(w, http.StatusBadRequest, msgInvalidItems)
		return
	}
	lines := make([]domain.OrderLine, len(req.Items))
	for i, item := range req.Items {
		line, err := item.line()
		if err != nil {
			h.log.Debug("unreadable order line", zap.Int("line", i), zap.Error(err))
			respondError(w, http.StatusBadRequest, msgInvalidItems)
			return
		}
		lines[i] = line
	}
	orderID, err := h.store.BookOrder(r.Context(), lines)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.publish(r.Context(), events.TypeOrderBooked, map[string]any{"order_id": orderID, "items": lines})
	respondJSON(w, http.StatusCreated, map[string]any{"message": "Order booked successfully", "orderId": orderID})
}

// Helpers

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid grocery item id")
		return 0, false
	}
	return id, true
}

func (h *Handler) publish(ctx context.Context, eventType string, payload map[string]any) {
	if err := h.publisher.Publish(ctx, events.NewEvent(eventType, payload)); err != nil {
		h.log.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// internalError logs the cause and answers with a generic 500.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	respondError(w, http.StatusInternalServerError, msgInternalError)
}

// decodeJSON ignores keys the destination does not name.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest)
}

// decodeStrictJSON rejects unknown keys; item updates use it so a misspelt
// column is not silently dropped.
func decodeStrictJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
