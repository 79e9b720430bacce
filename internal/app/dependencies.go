package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/redisstream"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/rediscache"
)

// runtimeDependencies содержит хранилища и очереди, выбранные по конфигурации.
type runtimeDependencies struct {
	orders      domain.OrderRepository
	stock       domain.StockRepository
	processed   domain.ProcessedEventRepository
	undelivered domain.UndeliveredEventRepository
	queue       domain.WorkQueue

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

// close освобождает подключения в обратном порядке.
func (d *runtimeDependencies) close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище (memory или postgres) и, если задан REDIS_ADDR,
// подключает Redis: очередь async-заказов и кэш журнала идемпотентности.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry, sets ...postgres.MigrationSet) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		processed := memory.NewProcessedEventRepository()
		deps.orders = memory.NewOrderRepository()
		deps.processed = processed
		deps.stock = memory.NewStockRepository(processed)
		deps.undelivered = memory.NewUndeliveredEventRepository()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires FULFILLMENT_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate && len(sets) > 0 {
			if err := store.EnsureSchema(ctx, sets...); err != nil {
				_ = deps.close()
				return nil, fmt.Errorf("ensure postgres schema: %w", err)
			}
		}

		deps.orders = postgres.NewOrderRepository(store)
		deps.processed = postgres.NewProcessedEventRepository(store)
		deps.stock = postgres.NewStockRepository(store)
		deps.undelivered = postgres.NewUndeliveredEventRepository(store)
		deps.checkers["postgres"] = healthcheck.CheckFunc(store.Ping)
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr == "" {
		deps.queue = memory.NewWorkQueue(cfg.QueueVisibility)
		return deps, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	deps.closers = append(deps.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = deps.close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	queue, err := redisstream.New(ctx, client, redisstream.Config{Visibility: cfg.QueueVisibility})
	if err != nil {
		_ = deps.close()
		return nil, err
	}
	deps.queue = queue
	deps.processed = rediscache.NewProcessedEvents(deps.processed, client, cfg.LedgerCacheTTL, logger)
	deps.checkers["redis"] = healthcheck.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.WithField("redis", cfg.RedisAddr).Info("redis queue and ledger cache enabled")

	return deps, nil
}
