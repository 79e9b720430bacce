package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/breaker"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	EventTransportHTTP  = "http"
	EventTransportKafka = "kafka"
)

// Config описывает настройки запуска обоих сервисов.
// Значение сравнимо: все поля скалярные.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LedgerCacheTTL time.Duration

	KafkaBrokers       string
	KafkaConsumerGroup string
	EventTransport     string
	StockServiceURL    string

	PaymentLatency        time.Duration
	BreakerTimeout        time.Duration
	BreakerErrorThreshold float64
	BreakerResetTimeout   time.Duration
	BreakerWindow         time.Duration

	WorkerEnabled      bool
	WorkerWait         time.Duration
	WorkerBatchSize    int
	QueueVisibility    time.Duration
	AsyncPublishEvents bool

	LedgerMode         string
	LedgerRetention    time.Duration
	RetentionInterval  time.Duration
	RetentionBatchSize int

	ReconcileEnabled   bool
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	ReconcileMaxCycles int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки сервиса заказов по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":8080",
		MetricsAddr:    ":9090",
		GRPCHealthAddr: ":50051",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		LedgerCacheTTL: 24 * time.Hour,

		KafkaConsumerGroup: "stock-service",
		EventTransport:     EventTransportHTTP,
		StockServiceURL:    "http://localhost:8081",

		PaymentLatency:        500 * time.Millisecond,
		BreakerTimeout:        3 * time.Second,
		BreakerErrorThreshold: 50,
		BreakerResetTimeout:   10 * time.Second,
		BreakerWindow:         10 * time.Second,

		WorkerEnabled:   true,
		WorkerWait:      20 * time.Second,
		WorkerBatchSize: 10,
		QueueVisibility: 30 * time.Second,

		LedgerMode:         "in-tx",
		RetentionInterval:  time.Hour,
		RetentionBatchSize: 1000,

		ReconcileInterval:  30 * time.Second,
		ReconcileBatchSize: 100,
		ReconcileMaxCycles: 5,

		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultStockConfig возвращает те же настройки, но со своими портами для сервиса склада.
func DefaultStockConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = ":8081"
	cfg.MetricsAddr = ":9091"
	cfg.GRPCHealthAddr = ":50052"
	return cfg
}

// LoadConfig накладывает переменные окружения на base.
// Хранилище postgres выбирается автоматически, если задан FULFILLMENT_POSTGRES_DSN.
func LoadConfig(base Config, getenv func(string) string) (Config, error) {
	env := envReader{getenv: getenv}
	cfg := base

	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)
	env.str("GRPC_HEALTH_ADDR", &cfg.GRPCHealthAddr)

	env.str("FULFILLMENT_POSTGRES_DSN", &cfg.PostgresDSN)
	if cfg.PostgresDSN != "" {
		cfg.StorageDriver = StorageDriverPostgres
	}
	env.str("STORAGE_DRIVER", &cfg.StorageDriver)
	env.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)

	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("REDIS_DB", &cfg.RedisDB)
	env.duration("LEDGER_CACHE_TTL", &cfg.LedgerCacheTTL)

	env.str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	env.str("EVENT_TRANSPORT", &cfg.EventTransport)
	env.str("STOCK_SERVICE_URL", &cfg.StockServiceURL)

	env.duration("PAYMENT_LATENCY", &cfg.PaymentLatency)
	env.duration("BREAKER_TIMEOUT", &cfg.BreakerTimeout)
	env.float("BREAKER_ERROR_THRESHOLD", &cfg.BreakerErrorThreshold)
	env.duration("BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)
	env.duration("BREAKER_WINDOW", &cfg.BreakerWindow)

	env.boolean("WORKER_ENABLED", &cfg.WorkerEnabled)
	env.duration("WORKER_WAIT", &cfg.WorkerWait)
	env.integer("WORKER_BATCH_SIZE", &cfg.WorkerBatchSize)
	env.duration("QUEUE_VISIBILITY", &cfg.QueueVisibility)
	env.boolean("ASYNC_PUBLISH_EVENTS", &cfg.AsyncPublishEvents)

	env.str("STOCK_LEDGER_MODE", &cfg.LedgerMode)
	env.duration("LEDGER_RETENTION", &cfg.LedgerRetention)
	env.duration("LEDGER_RETENTION_INTERVAL", &cfg.RetentionInterval)
	env.integer("LEDGER_RETENTION_BATCH_SIZE", &cfg.RetentionBatchSize)

	env.boolean("RECONCILE_ENABLED", &cfg.ReconcileEnabled)
	env.duration("RECONCILE_INTERVAL", &cfg.ReconcileInterval)
	env.integer("RECONCILE_BATCH_SIZE", &cfg.ReconcileBatchSize)
	env.integer("RECONCILE_MAX_CYCLES", &cfg.ReconcileMaxCycles)

	env.duration("HTTP_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if len(env.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(env.errs, "; "))
	}
	return cfg, cfg.Validate()
}

// Validate проверяет взаимоисключающие и обязательные настройки.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("storage driver %q requires FULFILLMENT_POSTGRES_DSN", c.StorageDriver)
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("POSTGRES_MAX_CONNS must be positive, got %d", c.PostgresMaxConns)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.EventTransport {
	case EventTransportHTTP:
		if c.StockServiceURL == "" {
			return fmt.Errorf("event transport %q requires STOCK_SERVICE_URL", c.EventTransport)
		}
	case EventTransportKafka:
		if c.KafkaBrokers == "" {
			return fmt.Errorf("event transport %q requires KAFKA_BROKERS", c.EventTransport)
		}
	default:
		return fmt.Errorf("unsupported event transport %q", c.EventTransport)
	}
	return nil
}

// BreakerOptions собирает настройки брейкера платёжного шлюза.
func (c Config) BreakerOptions() breaker.Options {
	opts := breaker.DefaultOptions()
	if c.BreakerTimeout > 0 {
		opts.Timeout = c.BreakerTimeout
	}
	if c.BreakerErrorThreshold > 0 {
		opts.ErrorThresholdPct = c.BreakerErrorThreshold
	}
	if c.BreakerResetTimeout > 0 {
		opts.ResetTimeout = c.BreakerResetTimeout
	}
	if c.BreakerWindow > 0 {
		opts.Window = c.BreakerWindow
	}
	return opts
}

// Brokers разбивает KAFKA_BROKERS на адреса.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

type envReader struct {
	getenv func(string) string
	errs   []string
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.getenv == nil {
		return "", false
	}
	value := strings.TrimSpace(e.getenv(key))
	return value, value != ""
}

func (e *envReader) str(key string, dst *string) {
	if value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a boolean", key, value))
		return
	}
	*dst = parsed
}

func (e *envReader) integer(key string, dst *int) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not an integer", key, value))
		return
	}
	*dst = parsed
}

func (e *envReader) float(key string, dst *float64) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a number", key, value))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(key string, dst *time.Duration) {
	value, ok := e.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a duration", key, value))
		return
	}
	*dst = parsed
}
