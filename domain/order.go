package domain

// OrderLine is one booked item. Price is whatever the caller sent.
type OrderLine struct {
	ItemID   int64   `db:"item_id" json:"id"`
	Quantity int64   `db:"quantity" json:"quantity"`
	Price    float64 `db:"price" json:"price"`
}

