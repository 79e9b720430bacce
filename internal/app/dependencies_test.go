package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.close()) }()

	assert.NotNil(t, deps.orders)
	assert.NotNil(t, deps.stock)
	assert.NotNil(t, deps.processed)
	assert.NotNil(t, deps.undelivered)
	assert.IsType(t, &memory.WorkQueue{}, deps.queue)
	assert.Empty(t, deps.checkers)
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "deps"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FULFILLMENT_POSTGRES_DSN")
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "cassandra"

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "deps"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestInitRuntimeDependencies_RedisQueueAndCache(t *testing.T) {
	server := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisAddr = server.Addr()
	cfg.LedgerCacheTTL = time.Minute

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "deps"))
	require.NoError(t, err)
	defer func() { _ = deps.close() }()

	_, isMemoryQueue := deps.queue.(*memory.WorkQueue)
	assert.False(t, isMemoryQueue, "redis address must switch queue to redis streams")

	checker, ok := deps.checkers["redis"]
	require.True(t, ok)
	assert.Equal(t, healthcheck.StatusHealthy, checker.Check(context.Background()).Status)

	ctx := context.Background()
	require.NoError(t, deps.processed.Record(ctx, "order-placed-1"))
	seen, err := deps.processed.Exists(ctx, "order-placed-1")
	require.NoError(t, err)
	assert.True(t, seen)

	server.Close()
	assert.Equal(t, healthcheck.StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestInitRuntimeDependencies_RedisUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "deps"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestRuntimeDependencies_CloseRunsInReverseOrder(t *testing.T) {
	var order []string
	deps := &runtimeDependencies{closers: []func() error{
		func() error { order = append(order, "postgres"); return nil },
		func() error { order = append(order, "redis"); return nil },
	}}

	require.NoError(t, deps.close())
	assert.Equal(t, []string{"redis", "postgres"}, order)
	assert.NoError(t, deps.close())

	var nilDeps *runtimeDependencies
	assert.NoError(t, nilDeps.close())
}
