// Package redisstream реализует очередь async-заказов поверх Redis Streams.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// DefaultStream содержит async-заказы.
	DefaultStream = "fulfillment:orders:async"
	// DefaultGroup используется воркером заказов.
	DefaultGroup = "order-worker"

	bodyField = "body"
)

// Config описывает поток и поведение повторной доставки.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// Visibility задаёт, сколько сообщение может висеть неподтверждённым до повторной выдачи.
	Visibility time.Duration
}

// Queue реализует WorkQueue на Redis Streams: XADD, XREADGROUP, XAUTOCLAIM для зависших и XACK+XDEL.
type Queue struct {
	client *redis.Client
	cfg    Config
}

// New создаёт группу потребителей (и сам поток), если их ещё нет.
func New(ctx context.Context, client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.Group, err)
	}

	return &Queue{client: client, cfg: cfg}, nil
}

func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd: %v", domain.ErrTransient, err)
	}
	return id, nil
}

// Receive сначала забирает сообщения, чья видимость истекла, и только потом ждёт новые.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]domain.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.Visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: xautoclaim: %v", domain.ErrTransient, err)
	}
	if len(claimed) > 0 {
		return q.toMessages(ctx, claimed, true)
	}

	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: xreadgroup: %v", domain.ErrTransient, err)
	}

	var fresh []redis.XMessage
	for _, stream := range streams {
		fresh = append(fresh, stream.Messages...)
	}
	return q.toMessages(ctx, fresh, false)
}

func (q *Queue) Delete(ctx context.Context, msg domain.QueueMessage) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID)
	pipe.XDel(ctx, q.cfg.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack %s: %v", domain.ErrTransient, msg.ID, err)
	}
	return nil
}

func (q *Queue) toMessages(ctx context.Context, raw []redis.XMessage, redelivered bool) ([]domain.QueueMessage, error) {
	result := make([]domain.QueueMessage, 0, len(raw))
	for _, m := range raw {
		body, _ := m.Values[bodyField].(string)
		msg := domain.QueueMessage{ID: m.ID, Body: []byte(body), DeliveryCount: 1}
		if redelivered {
			count, err := q.deliveryCount(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			msg.DeliveryCount = count
		}
		result = append(result, msg)
	}
	return result, nil
}

func (q *Queue) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xpending: %v", domain.ErrTransient, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

// Len возвращает число сообщений в потоке.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.cfg.Stream).Result()
}

var _ domain.WorkQueue = (*Queue)(nil)
