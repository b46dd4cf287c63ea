package port

import (
	"context"

	"github.com/rl1809/order-placement/internal/core/domain"
)

type OrderPersistence interface {
	// Create persists the order and its line items, assigning their identifiers
	Create(ctx context.Context, order domain.NewOrder) (*domain.Order, error)
}

// Repositories are bound to a single unit of work.
type Repositories struct {
	Products ProductLookup
	Orders   OrderPersistence
}

type Transactor interface {
	// WithinTransaction commits when fn returns nil and rolls back otherwise
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
