package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

var ErrProductNotStored = errors.New("product not stored")

// MemoryStore keeps customers, products and orders in process. Transactions
// stage their writes and apply them atomically on commit after checking that
// every quantity update still matches the stored stock.
type MemoryStore struct {
	mu        sync.RWMutex
	customers map[string]domain.Customer
	products  map[string]domain.Product
	orders    map[string]domain.Order
	orderIDs  []string
	keys      map[string]time.Time
	nextPrune time.Time
	now       func() time.Time
}

const idempotencyPruneInterval = time.Minute

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers: make(map[string]domain.Customer),
		products:  make(map[string]domain.Product),
		orders:    make(map[string]domain.Order),
		keys:      make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *MemoryStore) AddCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *MemoryStore) AddProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.products[p.ID] = p
}

func (s *MemoryStore) SetPrice(productID string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProductNotStored, productID)
	}
	p.Price = price
	p.Version++
	p.UpdatedAt = s.now()
	s.products[productID] = p
	return nil
}

func (s *MemoryStore) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

// Orders returns committed orders in creation order.
func (s *MemoryStore) Orders() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, len(s.orderIDs))
	for _, id := range s.orderIDs {
		out = append(out, s.orders[id].Clone())
	}
	return out
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*domain.Customer, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneIdempotencyLocked(now)

	if expiry, exists := s.keys[key]; exists && now.Before(expiry) {
		return false, nil
	}
	s.keys[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

// pruneIdempotencyLocked drops expired keys, at most once per prune interval.
func (s *MemoryStore) pruneIdempotencyLocked(now time.Time) {
	if now.Before(s.nextPrune) {
		return
	}
	for key, expiry := range s.keys {
		if !now.Before(expiry) {
			delete(s.keys, key)
		}
	}
	s.nextPrune = now.Add(idempotencyPruneInterval)
}

func (s *MemoryStore) ReleaseIdempotency(ctx context.Context, key string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	tx := &memoryTx{store: s, staged: make(map[string]int)}
	if err := fn(ctx, port.Repositories{Products: tx, Orders: tx}); err != nil {
		return err
	}
	return tx.commit()
}

type memoryTx struct {
	store   *MemoryStore
	updates []domain.QuantityUpdate
	orders  []domain.Order
	staged  map[string]int
}

func (t *memoryTx) FindAllByID(ctx context.Context, items []domain.LineItemRequest) ([]domain.Product, error) {
	_ = ctx

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	seen := make(map[string]bool, len(items))
	products := make([]domain.Product, 0, len(items))
	for _, item := range items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		p, ok := t.store.products[item.ProductID]
		if !ok {
			continue
		}
		if q, ok := t.staged[p.ID]; ok {
			p.Quantity = q
		}
		products = append(products, p)
	}
	return products, nil
}

func (t *memoryTx) UpdateQuantity(ctx context.Context, updates []domain.QuantityUpdate) error {
	_ = ctx
	for _, u := range updates {
		if u.Quantity < 0 {
			return fmt.Errorf("product %s: negative quantity %d", u.ProductID, u.Quantity)
		}
	}
	for _, u := range updates {
		t.updates = append(t.updates, u)
		t.staged[u.ProductID] = u.Quantity
	}
	return nil
}

func (t *memoryTx) Create(ctx context.Context, in domain.NewOrder) (*domain.Order, error) {
	_ = ctx
	now := t.store.now()
	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: in.Customer.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, item := range in.Items {
		order.LineItems = append(order.LineItems, domain.LineItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	t.orders = append(t.orders, order)

	out := order.Clone()
	return &out, nil
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[string]domain.Product, len(t.updates))
	for _, u := range t.updates {
		p, ok := working[u.ProductID]
		if !ok {
			if p, ok = s.products[u.ProductID]; !ok {
				return fmt.Errorf("%w: %s", ErrProductNotStored, u.ProductID)
			}
		}
		if p.Quantity != u.Expected {
			return fmt.Errorf("%w: product %s has %d, expected %d", domain.ErrStockConflict, u.ProductID, p.Quantity, u.Expected)
		}
		p.Quantity = u.Quantity
		working[u.ProductID] = p
	}

	now := s.now()
	ids := make([]string, 0, len(working))
	for id := range working {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := working[id]
		p.Version++
		p.UpdatedAt = now
		s.products[id] = p
	}

	for _, o := range t.orders {
		s.orders[o.ID] = o.Clone()
		s.orderIDs = append(s.orderIDs, o.ID)
	}
	return nil
}
