package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/order-placement/internal/adapter/handler"
	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/config"
	"github.com/rl1809/order-placement/internal/core/service"
	"github.com/rl1809/order-placement/internal/observability"
	"github.com/rl1809/order-placement/internal/port"
)

func main() {
	cfg := config.Load()
	logger := observability.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server_exit", zap.Error(err))
	}
}

// backend is the storage side of the service for one STORE_DRIVER.
type backend struct {
	customers   port.CustomerLookup
	tx          port.Transactor
	idempotency port.IdempotencyStore
	catalog     catalogWriter
	close       func()
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	if cfg.SeedDemoData {
		if err := seedDemoCatalog(ctx, store.catalog); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logger.Info("demo_data_seeded", zap.String("driver", cfg.StoreDriver))
	}

	var locker port.StockLocker = storage.NewMemoryLocker(cfg.LockWait)
	idempotency := store.idempotency
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		logger.Info("connected_to_redis", zap.String("addr", cfg.RedisAddr))

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.LockTTL, cfg.LockWait)
		locker = redisAdapter
		idempotency = redisAdapter
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithMaxConflictRetries(cfg.MaxConflictRetries),
	}
	if idempotency != nil {
		opts = append(opts, service.WithIdempotency(idempotency))
	} else {
		logger.Warn("idempotency_disabled", zap.String("reason", "no idempotency store for driver without REDIS_ADDR"))
	}
	orderService := service.NewOrderService(store.customers, store.tx, locker, opts...)

	// gRPC
	grpcHandler := handler.NewGRPCHandler(orderService, logger, metrics)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcHandler.UnaryInterceptor()))
	grpcHandler.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// HTTP
	httpHandler := handler.NewHTTPHandler(orderService, logger, metrics)
	router := httpHandler.Router(map[string]http.Handler{
		"/metrics": promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("grpc_server_listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("http_server_listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
	case err = <-serveErr:
		logger.Error("server_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http_shutdown_failed", zap.Error(shutdownErr))
	}
	logger.Info("http_server_stopped")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	logger.Info("grpc_server_stopped")

	return err
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return backend{}, fmt.Errorf("failed to connect mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return backend{}, fmt.Errorf("failed to ping mysql: %w", err)
		}
		logger.Info("connected_to_mysql")

		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return backend{}, err
		}
		return backend{
			customers: adapter,
			tx:        adapter,
			catalog:   adapter,
			close:     func() { db.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := storage.NewPostgresPool(ctx, cfg.PostgresURL)
		if err != nil {
			return backend{}, err
		}
		logger.Info("connected_to_postgres")

		adapter := storage.NewPostgresAdapter(pool)
		if err := adapter.Migrate(ctx); err != nil {
			pool.Close()
			return backend{}, err
		}
		return backend{
			customers: adapter,
			tx:        adapter,
			catalog:   adapter,
			close:     pool.Close,
		}, nil

	default:
		store := storage.NewMemoryStore()
		return backend{
			customers:   store,
			tx:          store,
			idempotency: store,
			catalog:     memoryCatalog{store},
			close:       func() {},
		}, nil
	}
}
