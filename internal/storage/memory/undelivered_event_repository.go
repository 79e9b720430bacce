package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// UndeliveredEventRepository хранит в памяти журнал событий, которые не удалось опубликовать.
type UndeliveredEventRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.UndeliveredEvent
}

// NewUndeliveredEventRepository создаёт пустой журнал.
func NewUndeliveredEventRepository() *UndeliveredEventRepository {
	return &UndeliveredEventRepository{records: make(map[string]*domain.UndeliveredEvent)}
}

// Record сохраняет событие со статусом pending.
func (r *UndeliveredEventRepository) Record(_ context.Context, event domain.UndeliveredEvent) (domain.UndeliveredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	event.Status = domain.UndeliveredPending
	event.CreatedAt = now
	event.UpdatedAt = now

	stored := event
	r.records[event.ID] = &stored
	return event, nil
}

// PullPending возвращает до limit самых старых записей со статусом pending.
func (r *UndeliveredEventRepository) PullPending(_ context.Context, limit int) ([]domain.UndeliveredEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.UndeliveredEvent, 0, limit)
	for _, rec := range r.records {
		if rec.Status == domain.UndeliveredPending {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Stats возвращает размер backlog и возраст самой старой записи.
func (r *UndeliveredEventRepository) Stats(_ context.Context) (domain.UndeliveredEventStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.UndeliveredEventStats
	for _, rec := range r.records {
		if rec.Status != domain.UndeliveredPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.CreatedAt
		}
	}
	return stats, nil
}

// MarkRedelivered отмечает успешную повторную доставку.
func (r *UndeliveredEventRepository) MarkRedelivered(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	record.Status = domain.UndeliveredRedelivered
	record.Attempts++
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed фиксирует очередную неудачную попытку.
func (r *UndeliveredEventRepository) MarkFailed(_ context.Context, id string, cause string, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	record.Attempts++
	record.LastError = cause
	if terminal {
		record.Status = domain.UndeliveredFailed
	}
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// All возвращает копии всех записей (используется в тестах).
func (r *UndeliveredEventRepository) All() []domain.UndeliveredEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.UndeliveredEvent, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

var _ domain.UndeliveredEventRepository = (*UndeliveredEventRepository)(nil)
