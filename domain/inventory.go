package domain

// GroceryItem is a row of grocery_items.
type GroceryItem struct {
	ID        int64   `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	Price     float64 `db:"price" json:"price"`
	Inventory int64   `db:"inventory" json:"inventory"`
}
