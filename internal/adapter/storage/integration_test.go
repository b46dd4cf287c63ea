package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

type integrationEnv struct {
	mysql *MySQLAdapter
	redis *RedisAdapter
}

func setupIntegrationEnv(t *testing.T) *integrationEnv {
	rdb := getRedisClient(t)
	t.Cleanup(func() { rdb.Close() })

	adapter, _ := setupMySQL(t)

	return &integrationEnv{
		mysql: adapter,
		redis: NewRedisAdapter(rdb, 5*time.Second, 5*time.Second),
	}
}

func TestIntegration_ConcurrentPlacements(t *testing.T) {
	env := setupIntegrationEnv(t)
	ctx := context.Background()

	initialStock := 10
	if err := env.mysql.UpsertProduct(ctx, domain.Product{
		ID: "it-p1", Name: "Pen", Price: decimal.RequireFromString("2.50"), Quantity: initialStock,
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	svc := service.NewOrderService(env.mysql, env.mysql, env.redis, service.WithIdempotency(env.redis))

	// Execute placements
	var successCount atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
				CustomerID:     "it-customer",
				Items:          []domain.LineItemRequest{{ProductID: "it-p1", Quantity: 1}},
				IdempotencyKey: uuid.NewString(),
			})
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	// Verify results
	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successful placements, got %d", initialStock, successCount.Load())
	}

	var orderCount int
	env.mysql.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_products WHERE product_id = 'it-p1'`).Scan(&orderCount)
	if orderCount != initialStock {
		t.Errorf("expected %d order lines in MySQL, got %d", initialStock, orderCount)
	}

	var stock int
	env.mysql.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = 'it-p1'`).Scan(&stock)
	if stock != 0 {
		t.Errorf("expected MySQL stock 0, got %d", stock)
	}
}

func TestIntegration_RejectionLeavesNoTrace(t *testing.T) {
	env := setupIntegrationEnv(t)
	ctx := context.Background()

	svc := service.NewOrderService(env.mysql, env.mysql, env.redis, service.WithIdempotency(env.redis))

	key := uuid.NewString()
	_, err := svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		CustomerID: "it-customer",
		Items: []domain.LineItemRequest{
			{ProductID: "it-p1", Quantity: 5},
			{ProductID: "it-missing", Quantity: 1},
		},
		IdempotencyKey: key,
	})
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got: %v", err)
	}

	var orderCount int
	env.mysql.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE customer_id = 'it-customer'`).Scan(&orderCount)
	if orderCount != 0 {
		t.Errorf("expected no orders, got %d", orderCount)
	}

	var stock int
	env.mysql.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = 'it-p1'`).Scan(&stock)
	if stock != 10 {
		t.Errorf("expected stock 10, got %d", stock)
	}

	// The key was released, so the corrected request goes through.
	_, err = svc.PlaceOrder(ctx, domain.PlaceOrderRequest{
		CustomerID:     "it-customer",
		Items:          []domain.LineItemRequest{{ProductID: "it-p1", Quantity: 5}},
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("expected retry with released key to succeed, got: %v", err)
	}
}
