package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// ProcessedEventRepository хранит журнал идемпотентности в памяти.
type ProcessedEventRepository struct {
	mu   sync.RWMutex
	keys map[string]time.Time
}

// NewProcessedEventRepository создаёт пустой журнал.
func NewProcessedEventRepository() *ProcessedEventRepository {
	return &ProcessedEventRepository{keys: make(map[string]time.Time)}
}

// Exists проверяет наличие ключа.
func (r *ProcessedEventRepository) Exists(_ context.Context, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok, nil
}

// Record вставляет ключ; повтор даёт ErrDuplicateEvent, как уникальный индекс в БД.
func (r *ProcessedEventRepository) Record(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(key, time.Now().UTC())
}

func (r *ProcessedEventRepository) recordLocked(key string, at time.Time) error {
	if _, ok := r.keys[key]; ok {
		return domain.ErrDuplicateEvent
	}
	r.keys[key] = at
	return nil
}

// DeleteOlderThan удаляет не более limit ключей старше before.
func (r *ProcessedEventRepository) DeleteOlderThan(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, at := range r.keys {
		if limit > 0 && deleted >= limit {
			break
		}
		if at.Before(before) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

// RecordAt вставляет ключ с заданным временем (для тестов ретенции).
func (r *ProcessedEventRepository) RecordAt(key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(key, at)
}

// Len возвращает число ключей.
func (r *ProcessedEventRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

var _ domain.ProcessedEventRepository = (*ProcessedEventRepository)(nil)
