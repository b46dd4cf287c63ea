package service

import (
	"context"
	"fmt"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// resolution is the pre-transaction snapshot every later step works from.
type resolution struct {
	customer *domain.Customer
	products []domain.Product
}

// resolve only looks entities up. Absence is left for ValidateOrder to judge.
func (s *OrderService) resolve(ctx context.Context, repos port.Repositories, req domain.PlaceOrderRequest) (resolution, error) {
	customer, err := s.customers.FindByID(ctx, req.CustomerID)
	if err != nil {
		return resolution{}, fmt.Errorf("%w: find customer: %w", domain.ErrPersistence, err)
	}

	products, err := repos.Products.FindAllByID(ctx, req.Items)
	if err != nil {
		return resolution{}, fmt.Errorf("%w: find products: %w", domain.ErrPersistence, err)
	}

	return resolution{customer: customer, products: products}, nil
}
