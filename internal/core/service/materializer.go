package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// materialize persists the order and then decrements stock. New quantities
// are derived from the resolved snapshot and sent with that snapshot as the
// expected value, so a stale snapshot surfaces as domain.ErrStockConflict
// instead of an overwrite.
func (s *OrderService) materialize(
	ctx context.Context,
	repos port.Repositories,
	customer domain.Customer,
	products []domain.Product,
	items []domain.PricedLineItem,
) (*domain.Order, error) {
	order, err := repos.Orders.Create(ctx, domain.NewOrder{Customer: customer, Items: items})
	if err != nil {
		return nil, fmt.Errorf("%w: create order: %w", domain.ErrPersistence, err)
	}

	updates, err := stockUpdates(products, order.LineItems)
	if err != nil {
		return nil, err
	}

	if err := repos.Products.UpdateQuantity(ctx, updates); err != nil {
		if errors.Is(err, domain.ErrStockConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: update quantity: %w", domain.ErrPersistence, err)
	}

	return order, nil
}

func stockUpdates(products []domain.Product, lineItems []domain.LineItem) ([]domain.QuantityUpdate, error) {
	snapshot := make(map[string]domain.Product, len(products))
	for _, p := range products {
		snapshot[p.ID] = p
	}

	remaining := make(map[string]int, len(lineItems))
	var order []string
	for _, li := range lineItems {
		p, ok := snapshot[li.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: persisted line item references unresolved product %s", domain.ErrPersistence, li.ProductID)
		}
		if _, seen := remaining[li.ProductID]; !seen {
			remaining[li.ProductID] = p.Quantity
			order = append(order, li.ProductID)
		}
		if li.Quantity < 0 || li.Quantity > remaining[li.ProductID] {
			return nil, &domain.InsufficientStockError{Shortages: []domain.Shortage{{
				ProductID: li.ProductID,
				Requested: demandOf(lineItems, li.ProductID),
				Available: p.Quantity,
			}}}
		}
		remaining[li.ProductID] -= li.Quantity
	}

	updates := make([]domain.QuantityUpdate, 0, len(order))
	for _, id := range order {
		updates = append(updates, domain.QuantityUpdate{
			ProductID: id,
			Quantity:  remaining[id],
			Expected:  snapshot[id].Quantity,
		})
	}
	return updates, nil
}

func demandOf(lineItems []domain.LineItem, productID string) int {
	var total int
	for _, li := range lineItems {
		if li.ProductID == productID {
			total = addDemand(total, li.Quantity)
		}
	}
	return total
}
