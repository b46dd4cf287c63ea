package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// NewPostgresPool opens and pings a tuned pgx pool.
func NewPostgresPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price NUMERIC(12,2) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL REFERENCES customers(id),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_products (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id VARCHAR(64) NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL,
		price NUMERIC(12,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_products_order_id ON order_products(order_id)`,
}

// PostgresAdapter is the pgx counterpart of MySQLAdapter.
type PostgresAdapter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool, now: time.Now}
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (p *PostgresAdapter) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO customers (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`,
		c.ID, c.Name, c.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) UpsertProduct(ctx context.Context, prod domain.Product) error {
	if err := checkProductRow(prod); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, quantity, version, updated_at)
		VALUES ($1, $2, $3::numeric, $4, 0, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			quantity = EXCLUDED.quantity, version = products.version + 1, updated_at = EXCLUDED.updated_at`,
		prod.ID, prod.Name, prod.Price.String(), prod.Quantity, p.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) FindByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, email FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Email)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &c, nil
}

func (p *PostgresAdapter) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos port.Repositories) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(ctx, port.Repositories{
		Products: &postgresProducts{tx: tx, now: p.now},
		Orders:   &postgresOrders{tx: tx, now: p.now},
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresProducts struct {
	tx  pgx.Tx
	now func() time.Time
}

func (r *postgresProducts) FindAllByID(ctx context.Context, items []domain.LineItemRequest) ([]domain.Product, error) {
	ids := requestedIDs(items)
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.tx.Query(ctx, `
		SELECT id, name, price::text, quantity, version, updated_at
		FROM products WHERE id = ANY($1)
		ORDER BY id FOR UPDATE`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var (
			prod  domain.Product
			price string
		)
		if err := rows.Scan(&prod.ID, &prod.Name, &price, &prod.Quantity, &prod.Version, &prod.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if prod.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price of %s: %w", prod.ID, err)
		}
		products = append(products, prod)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func (r *postgresProducts) UpdateQuantity(ctx context.Context, updates []domain.QuantityUpdate) error {
	for _, u := range updates {
		if u.Quantity < 0 {
			return fmt.Errorf("product %s: negative quantity %d", u.ProductID, u.Quantity)
		}

		tag, err := r.tx.Exec(ctx, `
			UPDATE products
			SET quantity = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND quantity = $4`,
			u.Quantity, r.now(), u.ProductID, u.Expected,
		)
		if err != nil {
			return fmt.Errorf("update product %s: %w", u.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: product %s", domain.ErrStockConflict, u.ProductID)
		}
	}
	return nil
}

type postgresOrders struct {
	tx  pgx.Tx
	now func() time.Time
}

func (r *postgresOrders) Create(ctx context.Context, in domain.NewOrder) (*domain.Order, error) {
	now := r.now().UTC()
	order := domain.Order{
		ID:         uuid.NewString(),
		CustomerID: in.Customer.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := r.tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		order.ID, order.CustomerID, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range in.Items {
		li := domain.LineItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
		batch.Queue(`
			INSERT INTO order_products (id, order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5::numeric)`,
			li.ID, li.OrderID, li.ProductID, li.Quantity, li.Price.String(),
		)
		order.LineItems = append(order.LineItems, li)
	}

	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert order products: %w", err)
	}

	return &order, nil
}
