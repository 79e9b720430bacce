// Package stock ведёт складской учёт: резерв, возврат и списание по событиям заказов.
package stock

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Ledger выполняет операции над остатком одного товара.
type Ledger struct {
	stock   domain.StockRepository
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewLedger создаёт складской учёт поверх репозитория.
func NewLedger(stock domain.StockRepository, logger *log.Entry, m *metrics.PipelineMetrics) *Ledger {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Ledger{
		stock:   stock,
		logger:  logger.WithField("component", "stock-ledger"),
		metrics: m,
	}
}

// Reserve списывает qty единиц под блокировкой строки.
// При нехватке остатка запись не меняется.
func (l *Ledger) Reserve(ctx context.Context, productID int64, quantity int) error {
	if err := validateLine(productID, quantity); err != nil {
		l.metrics.RecordStockOperation("reserve", "invalid")
		return err
	}

	err := l.stock.Reserve(ctx, productID, quantity)
	l.metrics.RecordStockOperation("reserve", operationResult(err))
	if err != nil {
		l.logger.WithError(err).WithFields(log.Fields{
			"product_id": productID,
			"quantity":   quantity,
		}).Info("reservation rejected")
		return err
	}

	l.logger.WithFields(log.Fields{"product_id": productID, "quantity": quantity}).Debug("stock reserved")
	return nil
}

// Release возвращает qty единиц без проверки верхней границы.
// Отсутствующая строка не считается ошибкой.
func (l *Ledger) Release(ctx context.Context, productID int64, quantity int) error {
	if err := validateLine(productID, quantity); err != nil {
		l.metrics.RecordStockOperation("release", "invalid")
		return err
	}

	found, err := l.stock.Release(ctx, productID, quantity)
	if err != nil {
		l.metrics.RecordStockOperation("release", "error")
		return fmt.Errorf("release stock for product %d: %w", productID, err)
	}
	if !found {
		l.metrics.RecordStockOperation("release", "missing")
		l.logger.WithField("product_id", productID).Warn("release for unknown product ignored")
		return nil
	}

	l.metrics.RecordStockOperation("release", "ok")
	return nil
}

// Get возвращает текущий остаток товара.
func (l *Ledger) Get(ctx context.Context, productID int64) (domain.StockRecord, error) {
	if productID <= 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: product id must be positive", domain.ErrInvalidInput)
	}
	return l.stock.Get(ctx, productID)
}

// SetStock задаёт остаток товара (сидирование и админские правки).
func (l *Ledger) SetStock(ctx context.Context, productID int64, quantity int) (domain.StockRecord, error) {
	if productID <= 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: product id must be positive", domain.ErrInvalidInput)
	}
	if quantity < 0 {
		return domain.StockRecord{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidInput)
	}

	record, err := l.stock.Upsert(ctx, productID, quantity)
	if err != nil {
		return domain.StockRecord{}, err
	}
	l.logger.WithFields(log.Fields{"product_id": productID, "quantity": quantity}).Info("stock level set")
	return record, nil
}

func validateLine(productID int64, quantity int) error {
	if productID <= 0 || quantity <= 0 {
		return fmt.Errorf("%w: productId and positive quantity are required", domain.ErrInvalidInput)
	}
	return nil
}

func operationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, domain.ErrProductNotFound):
		return "not_found"
	default:
		return "error"
	}
}
