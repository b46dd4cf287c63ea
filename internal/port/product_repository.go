package port

import (
	"context"

	"github.com/rl1809/order-placement/internal/core/domain"
)

type ProductLookup interface {
	// FindAllByID returns the requested products that exist; missing ids are not an error
	FindAllByID(ctx context.Context, items []domain.LineItemRequest) ([]domain.Product, error)

	// UpdateQuantity writes new stock levels, failing with domain.ErrStockConflict
	// when a stored quantity differs from the update's Expected value
	UpdateQuantity(ctx context.Context, updates []domain.QuantityUpdate) error
}
