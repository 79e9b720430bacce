package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connectTimeout = 5 * time.Second
	opTimeout      = 5 * time.Second
)

var errStoreClosed = errors.New("postgres store is not initialized")

// pool настройки database/sql. Простаивающих соединений держим столько же, сколько открытых.
type pool struct {
	maxConns    int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

func defaultPool() pool {
	return pool{maxConns: 25, maxLifetime: 30 * time.Minute, maxIdleTime: 5 * time.Minute}
}

// Option меняет настройки пула при Open.
type Option func(*pool)

// WithMaxConns ограничивает число соединений. n <= 0 оставляет значение по умолчанию.
func WithMaxConns(n int) Option {
	return func(p *pool) {
		if n > 0 {
			p.maxConns = n
		}
	}
}

// WithConnLifetime задаёт, сколько живёт соединение и сколько оно может простаивать.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(p *pool) {
		if lifetime > 0 {
			p.maxLifetime = lifetime
		}
		if idle > 0 {
			p.maxIdleTime = idle
		}
	}
}

// Store держит пул соединений с базой заказов или склада.
type Store struct {
	db *sql.DB
}

// Open подключается через драйвер pgx и ждёт ответа базы не дольше connectTimeout.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := defaultPool()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxConns)
	db.SetMaxIdleConns(cfg.maxConns)
	db.SetConnMaxLifetime(cfg.maxLifetime)
	db.SetConnMaxIdleTime(cfg.maxIdleTime)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB отдаёт пул репозиториям и тестам.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции перечисленных наборов.
func (s *Store) EnsureSchema(ctx context.Context, sets ...MigrationSet) error {
	for _, set := range sets {
		if err := s.MigrateUp(ctx, set, 0); err != nil {
			return fmt.Errorf("migrate %s: %w", set, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
