package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type stockRepository struct {
	db *sql.DB
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
func NewStockRepository(store *Store) domain.StockRepository {
	return &stockRepository{db: store.DB()}
}

func (r *stockRepository) Get(ctx context.Context, productID int64) (domain.StockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record := domain.StockRecord{ProductID: productID}
	err := r.db.QueryRowContext(ctx, `
		SELECT quantity, updated_at FROM stock WHERE product_id = $1
	`, productID).Scan(&record.Quantity, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockRecord{}, fmt.Errorf("%w: product %d", domain.ErrProductNotFound, productID)
		}
		return domain.StockRecord{}, fmt.Errorf("select stock: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (r *stockRepository) Upsert(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: negative stock", domain.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record := domain.StockRecord{ProductID: productID}
	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO stock (product_id, quantity, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
		    updated_at = EXCLUDED.updated_at
		RETURNING quantity, updated_at
	`, productID, quantity).Scan(&record.Quantity, &record.UpdatedAt); err != nil {
		return domain.StockRecord{}, fmt.Errorf("upsert stock: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (r *stockRepository) Reserve(ctx context.Context, productID int64, quantity int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrTransient, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = decrementLocked(ctx, tx, productID, quantity); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit reserve: %v", domain.ErrTransient, err)
	}
	return nil
}

func (r *stockRepository) Release(ctx context.Context, productID int64, quantity int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity + $2,
		    updated_at = NOW()
		WHERE product_id = $1
	`, productID, quantity)
	if err != nil {
		return false, fmt.Errorf("release stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DecrementBatch блокирует строки в порядке product_id, поэтому две пачки
// с пересекающимися товарами не могут взаимно заблокироваться.
func (r *stockRepository) DecrementBatch(ctx context.Context, lines []domain.StockLine, ledgerKey string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ordered := append([]domain.StockLine(nil), lines...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrTransient, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Ключ вставляется первым: конкурирующая доставка ждёт на уникальном индексе
	// и после нашего коммита получает 23505.
	if ledgerKey != "" {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_key, processed_at) VALUES ($1, NOW())
		`, ledgerKey); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateEvent
			}
			return fmt.Errorf("record processed event: %w", err)
		}
	}

	for _, line := range ordered {
		if err = decrementLocked(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit stock batch: %v", domain.ErrTransient, err)
	}
	return nil
}

func decrementLocked(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	var available int
	err := tx.QueryRowContext(ctx, `
		SELECT quantity FROM stock WHERE product_id = $1 FOR UPDATE
	`, productID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: product %d", domain.ErrProductNotFound, productID)
		}
		return fmt.Errorf("lock stock row: %w", err)
	}
	if available < quantity {
		return fmt.Errorf("%w: product %d has %d, requested %d", domain.ErrInsufficientStock, productID, available, quantity)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = quantity - $2,
		    updated_at = NOW()
		WHERE product_id = $1
	`, productID, quantity); err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	return nil
}

var _ domain.StockRepository = (*stockRepository)(nil)
