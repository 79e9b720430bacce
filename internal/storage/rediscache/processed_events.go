// Package rediscache держит быстрый путь проверки дубликатов перед журналом в БД.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	keyPrefix  = "fulfillment:processed:"
	defaultTTL = 24 * time.Hour
)

// ProcessedEvents оборачивает журнал идемпотентности кэшем в Redis.
// Источник истины всегда БД: кэш только сокращает путь для известных повторов,
// а его ошибки логируются и не влияют на результат.
type ProcessedEvents struct {
	next   domain.ProcessedEventRepository
	client *redis.Client
	ttl    time.Duration
	logger *log.Entry
}

// NewProcessedEvents создаёт декоратор. ttl <= 0 означает сутки.
func NewProcessedEvents(next domain.ProcessedEventRepository, client *redis.Client, ttl time.Duration, logger *log.Entry) *ProcessedEvents {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &ProcessedEvents{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "processed-events-cache"),
	}
}

func (c *ProcessedEvents) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, cacheKey(key)).Result()
	switch {
	case err != nil:
		c.logger.WithError(err).WithField("key", key).Warn("redis lookup failed, falling back to database")
	case n > 0:
		return true, nil
	}

	exists, err := c.next.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		c.remember(ctx, key)
	}
	return exists, nil
}

func (c *ProcessedEvents) Record(ctx context.Context, key string) error {
	err := c.next.Record(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrDuplicateEvent) {
		return err
	}
	c.remember(ctx, key)
	return err
}

func (c *ProcessedEvents) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int, error) {
	// Записи в Redis истекают по собственному TTL.
	return c.next.DeleteOlderThan(ctx, before, limit)
}

// Remember помечает ключ обработанным только в кэше: вызывается после того,
// как ключ записан в БД в транзакции списания.
func (c *ProcessedEvents) Remember(ctx context.Context, key string) {
	c.remember(ctx, key)
}

func (c *ProcessedEvents) remember(ctx context.Context, key string) {
	if err := c.client.Set(ctx, cacheKey(key), "1", c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("redis set failed")
	}
}

func cacheKey(key string) string {
	return fmt.Sprintf("%s%s", keyPrefix, key)
}

var _ domain.ProcessedEventRepository = (*ProcessedEvents)(nil)
