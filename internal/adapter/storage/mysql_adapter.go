package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// priceScale is the number of fractional digits the price columns keep.
const priceScale = 2

var ErrPriceScale = errors.New("price has more fractional digits than the catalog stores")

// checkProductRow rejects products the SQL schemas would round or refuse.
func checkProductRow(p domain.Product) error {
	if !p.Price.Equal(p.Price.Truncate(priceScale)) {
		return fmt.Errorf("%w: product %s price %s", ErrPriceScale, p.ID, p.Price)
	}
	if p.Quantity < 0 || p.Quantity > domain.MaxLineQuantity {
		return fmt.Errorf("product %s: quantity %d out of range", p.ID, p.Quantity)
	}
	return nil
}

var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		quantity INT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		CONSTRAINT chk_products_quantity CHECK (quantity >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(36) PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		CONSTRAINT fk_orders_customer FOREIGN KEY (customer_id) REFERENCES customers(id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_products (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		CONSTRAINT fk_order_products_order FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE,
		CONSTRAINT fk_order_products_product FOREIGN KEY (product_id) REFERENCES products(id)
	)`,
}

// MySQLAdapter stores the catalog and orders in MySQL. Product rows read in a
// transaction are locked with FOR UPDATE until commit.
type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlMigrations {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), email = VALUES(email)`,
		c.ID, c.Name, c.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	if err := checkProductRow(p); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, quantity, version, updated_at) VALUES (?, ?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price),
			quantity = VALUES(quantity), version = version + 1, updated_at = VALUES(updated_at)`,
		p.ID, p.Name, p.Price, p.Quantity, m.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) FindByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, email FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Email)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &c, nil
}

func (m *MySQLAdapter) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, port.Repositories{
		Products: &mysqlProducts{tx: tx, now: m.now},
		Orders:   &mysqlOrders{tx: tx, now: m.now},
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type mysqlProducts struct {
	tx  *sql.Tx
	now func() time.Time
}

func (p *mysqlProducts) FindAllByID(ctx context.Context, items []domain.LineItemRequest) ([]domain.Product, error) {
	ids := requestedIDs(items)
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := p.tx.QueryContext(ctx, `
		SELECT id, name, price, quantity, version, updated_at
		FROM products WHERE id IN (`+placeholders+`)
		ORDER BY id FOR UPDATE`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var prod domain.Product
		if err := rows.Scan(&prod.ID, &prod.Name, &prod.Price, &prod.Quantity, &prod.Version, &prod.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, prod)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func (p *mysqlProducts) UpdateQuantity(ctx context.Context, updates []domain.QuantityUpdate) error {
	for _, u := range updates {
		if u.Quantity < 0 {
			return fmt.Errorf("product %s: negative quantity %d", u.ProductID, u.Quantity)
		}

		result, err := p.tx.ExecContext(ctx, `
			UPDATE products
			SET quantity = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND quantity = ?`,
			u.Quantity, p.now(), u.ProductID, u.Expected,
		)
		if err != nil {
			return fmt.Errorf("update product %s: %w", u.ProductID, err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: product %s", domain.ErrStockConflict, u.ProductID)
		}
	}
	return nil
}

type mysqlOrders struct {
	tx  *sql.Tx
	now func() time.Time
}

func (o *mysqlOrders) Create(ctx context.Context, in domain.NewOrder) (*domain.Order, error) {
	now := o.now().UTC()
	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: in.Customer.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := o.tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, item := range in.Items {
		li := domain.LineItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
		_, err := o.tx.ExecContext(ctx, `
			INSERT INTO order_products (id, order_id, product_id, quantity, price)
			VALUES (?, ?, ?, ?, ?)`,
			li.ID, li.OrderID, li.ProductID, li.Quantity, li.Price,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order product: %w", err)
		}
		order.LineItems = append(order.LineItems, li)
	}

	return &order, nil
}

// requestedIDs returns the distinct product ids in request order.
func requestedIDs(items []domain.LineItemRequest) []string {
	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}
	return ids
}
