package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type queueEntry struct {
	msg          domain.QueueMessage
	invisibleTil time.Time
}

// WorkQueue реализует in-memory очередь с тайм-аутом видимости, повторяющая контракт Redis Streams.
type WorkQueue struct {
	mu         sync.Mutex
	seq        int64
	entries    []*queueEntry
	visibility time.Duration
	notify     chan struct{}
}

// NewWorkQueue создаёт очередь; неподтверждённое сообщение снова видно через visibility.
func NewWorkQueue(visibility time.Duration) *WorkQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &WorkQueue{visibility: visibility, notify: make(chan struct{}, 1)}
}

// Enqueue добавляет сообщение в хвост.
func (q *WorkQueue) Enqueue(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	q.seq++
	id := strconv.FormatInt(q.seq, 10) + "-0"
	q.entries = append(q.entries, &queueEntry{msg: domain.QueueMessage{ID: id, Body: append([]byte(nil), body...)}})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Receive ждёт до wait, пока не появятся видимые сообщения.
func (q *WorkQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]domain.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if batch := q.take(max); len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *WorkQueue) take(max int) []domain.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	batch := make([]domain.QueueMessage, 0, max)
	for _, entry := range q.entries {
		if len(batch) >= max {
			break
		}
		if now.Before(entry.invisibleTil) {
			continue
		}
		entry.msg.DeliveryCount++
		entry.invisibleTil = now.Add(q.visibility)
		batch = append(batch, entry.msg)
	}
	return batch
}

// Delete удаляет сообщение после успешной обработки.
func (q *WorkQueue) Delete(_ context.Context, msg domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.msg.ID == msg.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len возвращает число неудалённых сообщений.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

var _ domain.WorkQueue = (*WorkQueue)(nil)
