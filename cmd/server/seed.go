package main

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/core/domain"
)

type catalogWriter interface {
	UpsertCustomer(ctx context.Context, c domain.Customer) error
	UpsertProduct(ctx context.Context, p domain.Product) error
}

type memoryCatalog struct {
	store *storage.MemoryStore
}

func (m memoryCatalog) UpsertCustomer(_ context.Context, c domain.Customer) error {
	m.store.AddCustomer(c)
	return nil
}

func (m memoryCatalog) UpsertProduct(_ context.Context, p domain.Product) error {
	m.store.AddProduct(p)
	return nil
}

var (
	demoCustomers = []domain.Customer{
		{ID: "C1", Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: "C2", Name: "Alan Turing", Email: "alan@example.com"},
	}
	demoProducts = []domain.Product{
		{ID: "P1", Name: "Mechanical keyboard", Price: decimal.RequireFromString("5.00"), Quantity: 10},
		{ID: "P2", Name: "USB-C cable", Price: decimal.RequireFromString("1.99"), Quantity: 100},
		{ID: "P3", Name: "Monitor arm", Price: decimal.RequireFromString("49.90"), Quantity: 2},
	}
)

func seedDemoCatalog(ctx context.Context, w catalogWriter) error {
	for _, c := range demoCustomers {
		if err := w.UpsertCustomer(ctx, c); err != nil {
			return err
		}
	}
	for _, p := range demoProducts {
		if err := w.UpsertProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
