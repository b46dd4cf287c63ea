package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/observability"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	tracerName                = "github.com/rl1809/order-placement/internal/core/service"
	useCasePlaceOrder         = "order.place"
	defaultMaxConflictRetries = 3
)

type OrderService struct {
	customers   port.CustomerLookup
	tx          port.Transactor
	locker      port.StockLocker
	idempotency port.IdempotencyStore

	maxConflictRetries int
	log                *zap.Logger
	metrics            *observability.Metrics
	tracer             trace.Tracer
}

type Option func(*OrderService)

// WithIdempotency rejects repeated idempotency keys with domain.ErrDuplicateRequest.
func WithIdempotency(store port.IdempotencyStore) Option {
	return func(s *OrderService) { s.idempotency = store }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *OrderService) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *OrderService) { s.metrics = m }
}

// WithMaxConflictRetries bounds how often a placement is re-run on a fresh
// snapshot after a stock conflict. Zero disables re-runs.
func WithMaxConflictRetries(n int) Option {
	return func(s *OrderService) {
		if n >= 0 {
			s.maxConflictRetries = n
		}
	}
}

// NewOrderService wires the workflow. locker may be nil when the storage
// backend serializes stock access on its own.
func NewOrderService(customers port.CustomerLookup, tx port.Transactor, locker port.StockLocker, opts ...Option) *OrderService {
	s := &OrderService{
		customers:          customers,
		tx:                 tx,
		locker:             locker,
		maxConflictRetries: defaultMaxConflictRetries,
		log:                zap.NewNop(),
		tracer:             otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "order_service"))
	return s
}

// PlaceOrder resolves, validates and materializes an order. Rejections are
// detected before any write, and the order insert and stock decrement commit
// together. Stock for the referenced products stays locked for the whole span.
func (s *OrderService) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder",
		trace.WithAttributes(
			attribute.String("use_case", useCasePlaceOrder),
			attribute.String("order.customer_id", req.CustomerID),
			attribute.Int("order.item_count", len(req.Items)),
		),
	)
	start := time.Now()
	logger := observability.LoggerFrom(ctx, s.log).With(zap.String("use_case", useCasePlaceOrder))

	defer func() {
		elapsed := time.Since(start)
		outcome := outcomeOf(err)
		s.metrics.ObservePlacement(outcome, elapsed)

		fields := []zap.Field{
			zap.String("outcome", outcome),
			zap.String("customer_id", req.CustomerID),
			zap.Float64("latency_seconds", elapsed.Seconds()),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			fields = append(fields, zap.Error(err))
		} else {
			span.SetAttributes(attribute.String("order.id", order.ID))
			span.SetStatus(codes.Ok, outcome)
			fields = append(fields, zap.String("order_id", order.ID))
		}
		span.End()
		logger.Info("use_case_done", fields...)
	}()

	if err = req.Validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		fresh, setErr := s.idempotency.SetIdempotency(ctx, req.IdempotencyKey)
		if setErr != nil {
			return nil, fmt.Errorf("%w: idempotency check: %w", domain.ErrPersistence, setErr)
		}
		if !fresh {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.idempotency.ReleaseIdempotency(context.WithoutCancel(ctx), req.IdempotencyKey); relErr != nil {
				logger.Warn("idempotency_release_failed", zap.Error(relErr))
			}
		}()
	}

	if s.locker != nil {
		unlock, lockErr := s.locker.Lock(ctx, req.ProductIDs())
		if lockErr != nil {
			return nil, fmt.Errorf("%w: acquire stock lock: %w", domain.ErrPersistence, lockErr)
		}
		defer func() {
			if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				logger.Warn("stock_unlock_failed", zap.Error(unlockErr))
			}
		}()
	}

	for attempt := 0; ; attempt++ {
		order, err = s.placeOnce(ctx, req)
		if !errors.Is(err, domain.ErrStockConflict) {
			break
		}
		s.metrics.StockConflict()
		span.AddEvent("stock_conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
		if attempt >= s.maxConflictRetries {
			return nil, fmt.Errorf("%w: %w after %d attempts", domain.ErrPersistence, err, attempt+1)
		}
		logger.Debug("stock_conflict_retry", zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) placeOnce(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error) {
	var placed *domain.Order
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context, repos port.Repositories) error {
		res, err := s.resolve(ctx, repos, req)
		if err != nil {
			return err
		}

		items, err := ValidateOrder(res.customer, res.products, req.Items)
		if err != nil {
			return err
		}

		placed, err = s.materialize(ctx, repos, *res.customer, res.products, items)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return placed, nil
}

// classify leaves taxonomy errors untouched and marks anything else as a
// persistence failure, e.g. a failed commit.
func classify(err error) error {
	for _, kind := range []error{
		domain.ErrInvalidRequest,
		domain.ErrCustomerNotFound,
		domain.ErrNoProductsFound,
		domain.ErrProductNotFound,
		domain.ErrInsufficientStock,
		domain.ErrPersistence,
		domain.ErrStockConflict,
		domain.ErrDuplicateRequest,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, domain.ErrCustomerNotFound):
		return "customer_not_found"
	case errors.Is(err, domain.ErrNoProductsFound):
		return "no_products_found"
	case errors.Is(err, domain.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "persistence_failure"
	}
}
