package service

import (
	"math"

	"github.com/rl1809/order-placement/internal/core/domain"
)

// ValidateOrder applies the admission rules in order, returning the first
// violation: unknown customer, empty catalog match, missing products, then
// stock shortfall. On success every request is paired with its product's
// current price.
//
// Repeated product ids stay separate line items but their quantities are
// summed for the stock check.
func ValidateOrder(customer *domain.Customer, products []domain.Product, items []domain.LineItemRequest) ([]domain.PricedLineItem, error) {
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}

	if len(products) == 0 {
		return nil, domain.ErrNoProductsFound
	}

	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	var missing []string
	reported := make(map[string]bool)
	for _, item := range items {
		if _, ok := byID[item.ProductID]; ok || reported[item.ProductID] {
			continue
		}
		reported[item.ProductID] = true
		missing = append(missing, item.ProductID)
	}
	if len(missing) > 0 {
		return nil, &domain.ProductNotFoundError{IDs: missing}
	}

	demand := make(map[string]int, len(byID))
	var order []string
	for _, item := range items {
		if _, ok := demand[item.ProductID]; !ok {
			order = append(order, item.ProductID)
		}
		demand[item.ProductID] = addDemand(demand[item.ProductID], item.Quantity)
	}

	var shortages []domain.Shortage
	for _, id := range order {
		if available := byID[id].Quantity; available < demand[id] {
			shortages = append(shortages, domain.Shortage{
				ProductID: id,
				Requested: demand[id],
				Available: available,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	priced := make([]domain.PricedLineItem, 0, len(items))
	for _, item := range items {
		priced = append(priced, domain.PricedLineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     byID[item.ProductID].Price,
		})
	}
	return priced, nil
}

// addDemand sums line quantities, saturating at math.MaxInt so that repeated
// items can never wrap around into a small or negative demand.
func addDemand(total, qty int) int {
	if qty > math.MaxInt-total {
		return math.MaxInt
	}
	return total + qty
}
