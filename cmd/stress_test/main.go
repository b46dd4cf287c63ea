package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

const (
	customerID    = "stress-customer"
	productID     = "stress-product"
	initialStock  = 20
	totalRequests = 50
	lockWait      = 5 * time.Second
)

func main() {
	ctx := context.Background()

	store := storage.NewMemoryStore()
	store.AddCustomer(domain.Customer{ID: customerID, Name: "Stress Test"})
	store.AddProduct(domain.Product{
		ID:       productID,
		Name:     "Limited item",
		Price:    decimal.RequireFromString("9.99"),
		Quantity: initialStock,
	})

	orderService := service.NewOrderService(store, store, storage.NewMemoryLocker(lockWait),
		service.WithIdempotency(store),
	)

	// Counters
	var successCount, shortageCount, otherCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := orderService.PlaceOrder(ctx, domain.PlaceOrderRequest{
				CustomerID:     customerID,
				Items:          []domain.LineItemRequest{{ProductID: productID, Quantity: 1}},
				IdempotencyKey: fmt.Sprintf("stress-%d", n),
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortageCount.Add(1)
			default:
				otherCount.Add(1)
				fmt.Printf("request %d: unexpected error: %v\n", n, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := int(successCount.Load())
	shortage := int(shortageCount.Load())
	other := int(otherCount.Load())
	product, _ := store.Product(productID)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", shortage)
	fmt.Printf("Other failures:   %d\n", other)
	fmt.Printf("Orders stored:    %d\n", len(store.Orders()))
	fmt.Printf("Final Stock:      %d\n", product.Quantity)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == initialStock && shortage == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d fail, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, shortage+other)
		failed = true
	}

	if product.Quantity == initialStock-success && product.Quantity >= 0 {
		fmt.Printf("PASS: Final stock %d = %d - %d\n", product.Quantity, initialStock, success)
	} else {
		fmt.Printf("FAIL: Expected stock %d, got %d\n", initialStock-success, product.Quantity)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}
