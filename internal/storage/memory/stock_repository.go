package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// StockRepository ведёт складской учёт в памяти. Пакетное списание выполняется под одной
// блокировкой: либо применяются все строки, либо ни одна.
type StockRepository struct {
	mu      sync.Mutex
	records map[int64]domain.StockRecord
	ledger  *ProcessedEventRepository
}

// NewStockRepository создаёт учёт; ledger нужен для записи ключа в той же «транзакции».
func NewStockRepository(ledger *ProcessedEventRepository) *StockRepository {
	return &StockRepository{
		records: make(map[int64]domain.StockRecord),
		ledger:  ledger,
	}
}

// Get возвращает остаток по товару.
func (r *StockRepository) Get(_ context.Context, productID int64) (domain.StockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[productID]
	if !ok {
		return domain.StockRecord{}, fmt.Errorf("%w: product %d", domain.ErrProductNotFound, productID)
	}
	return record, nil
}

// Upsert задаёт остаток товара.
func (r *StockRepository) Upsert(_ context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: negative stock", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record := domain.StockRecord{ProductID: productID, Quantity: quantity, UpdatedAt: time.Now().UTC()}
	r.records[productID] = record
	return record, nil
}

// Reserve уменьшает остаток одной строки.
func (r *StockRepository) Reserve(_ context.Context, productID int64, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", domain.ErrProductNotFound, productID)
	}
	if record.Quantity < quantity {
		return fmt.Errorf("%w: product %d has %d, requested %d", domain.ErrInsufficientStock, productID, record.Quantity, quantity)
	}
	record.Quantity -= quantity
	record.UpdatedAt = time.Now().UTC()
	r.records[productID] = record
	return nil
}

// Release безусловно возвращает количество на склад.
func (r *StockRepository) Release(_ context.Context, productID int64, quantity int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[productID]
	if !ok {
		return false, nil
	}
	record.Quantity += quantity
	record.UpdatedAt = time.Now().UTC()
	r.records[productID] = record
	return true, nil
}

// DecrementBatch проверяет все строки и только потом применяет списание.
func (r *StockRepository) DecrementBatch(_ context.Context, lines []domain.StockLine, ledgerKey string) error {
	if ledgerKey != "" && r.ledger == nil {
		return errors.New("stock repository has no idempotency ledger")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ledgerKey != "" {
		r.ledger.mu.Lock()
		defer r.ledger.mu.Unlock()
		if _, ok := r.ledger.keys[ledgerKey]; ok {
			return domain.ErrDuplicateEvent
		}
	}

	remaining := make(map[int64]int, len(lines))
	for _, line := range lines {
		current, seen := remaining[line.ProductID]
		if !seen {
			record, ok := r.records[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %d", domain.ErrProductNotFound, line.ProductID)
			}
			current = record.Quantity
		}
		if current < line.Quantity {
			return fmt.Errorf("%w: product %d has %d, requested %d", domain.ErrInsufficientStock, line.ProductID, current, line.Quantity)
		}
		remaining[line.ProductID] = current - line.Quantity
	}

	now := time.Now().UTC()
	for productID, quantity := range remaining {
		r.records[productID] = domain.StockRecord{ProductID: productID, Quantity: quantity, UpdatedAt: now}
	}
	if ledgerKey != "" {
		return r.ledger.recordLocked(ledgerKey, now)
	}
	return nil
}

var _ domain.StockRepository = (*StockRepository)(nil)
