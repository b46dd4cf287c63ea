package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrNoProductsFound   = errors.New("no products found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPersistence       = errors.New("persistence failure")
	ErrStockConflict     = errors.New("stock conflict")
	ErrDuplicateRequest  = errors.New("duplicate request")
)

// ProductNotFoundError lists every requested product id missing from the catalog.
type ProductNotFoundError struct {
	IDs []string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProductNotFound, strings.Join(e.IDs, ", "))
}

func (e *ProductNotFoundError) Unwrap() error { return ErrProductNotFound }

type Shortage struct {
	ProductID string
	Requested int
	Available int
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }
