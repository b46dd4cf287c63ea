package domain

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MaxLineQuantity is the largest quantity a single line item may request. It
// matches the INT columns that hold stock and line quantities.
const MaxLineQuantity = math.MaxInt32

type LineItemRequest struct {
	ProductID string
	Quantity  int
}

type PlaceOrderRequest struct {
	CustomerID     string
	Items          []LineItemRequest
	IdempotencyKey string
}

// Validate checks the request shape only. Whether the referenced entities
// exist is decided later against the catalog.
func (r PlaceOrderRequest) Validate() error {
	if r.CustomerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidRequest)
	}
	for i, item := range r.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: product id is required (item %d)", ErrInvalidRequest, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be greater than zero (product %s)", ErrInvalidRequest, item.ProductID)
		}
		if item.Quantity > MaxLineQuantity {
			return fmt.Errorf("%w: quantity must not exceed %d (product %s)", ErrInvalidRequest, MaxLineQuantity, item.ProductID)
		}
	}
	return nil
}

// ProductIDs returns the distinct product ids of the request in sorted order.
func (r PlaceOrderRequest) ProductIDs() []string {
	seen := make(map[string]struct{}, len(r.Items))
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Strings(ids)
	return ids
}

// PricedLineItem is an approved line item with the unit price frozen at
// placement time.
type PricedLineItem struct {
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

type NewOrder struct {
	Customer Customer
	Items    []PricedLineItem
}

type LineItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

type Order struct {
	ID         string
	CustomerID string
	LineItems  []LineItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range o.LineItems {
		total = total.Add(li.Price.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}
	return total
}

func (o Order) Clone() Order {
	clone := o
	clone.LineItems = append([]LineItem(nil), o.LineItems...)
	return clone
}
