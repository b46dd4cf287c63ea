package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Quantity  int
	Version   int64 // optimistic locking
	UpdatedAt time.Time
}

// QuantityUpdate carries the new stock level for a product together with the
// quantity it was computed from. Storage rejects the update when the stored
// quantity no longer equals Expected.
type QuantityUpdate struct {
	ProductID string
	Quantity  int
	Expected  int
}
