package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// LedgerMode определяет, когда ключ идемпотентности попадает в журнал.
type LedgerMode string

const (
	// LedgerInTx пишет ключ в той же транзакции, что и списание.
	LedgerInTx LedgerMode = "in-tx"
	// LedgerAfterCommit пишет ключ отдельной операцией после коммита.
	// Падение между коммитом и записью даёт повторное списание при редоставке.
	LedgerAfterCommit LedgerMode = "after-commit"
)

// ParseLedgerMode разбирает значение STOCK_LEDGER_MODE; пустое значение означает in-tx.
func ParseLedgerMode(value string) (LedgerMode, error) {
	switch LedgerMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", LedgerInTx:
		return LedgerInTx, nil
	case LedgerAfterCommit:
		return LedgerAfterCommit, nil
	default:
		return "", fmt.Errorf("unknown ledger mode %q", value)
	}
}

// Outcome описывает результат обработки события.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// cacheWarmer реализуют кэши журнала, которые нужно прогреть после записи ключа в транзакции.
type cacheWarmer interface {
	Remember(ctx context.Context, key string)
}

// Consumer применяет OrderPlaced к складу не более одного раза.
type Consumer struct {
	stock   domain.StockRepository
	ledger  domain.ProcessedEventRepository
	mode    LedgerMode
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewConsumer создаёт потребителя событий склада.
func NewConsumer(stock domain.StockRepository, ledger domain.ProcessedEventRepository, mode LedgerMode, logger *log.Entry, m *metrics.PipelineMetrics) *Consumer {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if mode == "" {
		mode = LedgerInTx
	}
	return &Consumer{
		stock:   stock,
		ledger:  ledger,
		mode:    mode,
		logger:  logger.WithField("component", "stock-consumer"),
		metrics: m,
	}
}

// Handle обрабатывает конверт события.
func (c *Consumer) Handle(ctx context.Context, event domain.DomainEvent) (Outcome, error) {
	logger := c.logger.WithFields(log.Fields{
		"detail_type":    event.DetailType,
		"correlation_id": event.CorrelationID,
	})

	if event.DetailType != domain.EventOrderPlaced {
		c.metrics.RecordStockEvent(string(OutcomeIgnored))
		logger.Debug("event ignored")
		return OutcomeIgnored, nil
	}

	detail, lines, err := parseOrderPlaced(event.Detail)
	if err != nil {
		c.metrics.RecordStockEvent("rejected")
		logger.WithError(err).Warn("malformed OrderPlaced event")
		return "", err
	}

	key := domain.OrderPlacedKey(detail.OrderID)
	logger = logger.WithFields(log.Fields{"order_id": detail.OrderID, "event_key": key})

	seen, err := c.ledger.Exists(ctx, key)
	if err != nil {
		c.metrics.RecordStockEvent("error")
		return "", fmt.Errorf("%w: check ledger: %v", domain.ErrTransient, err)
	}
	if seen {
		c.metrics.RecordStockEvent(string(OutcomeDuplicate))
		logger.Info("event already processed, skipping")
		return OutcomeDuplicate, nil
	}

	outcome, err := c.apply(ctx, key, lines, logger)
	if err != nil {
		if domain.IsBusinessRejection(err) {
			c.metrics.RecordStockEvent("rejected")
			logger.WithError(err).Warn("stock reduction rejected")
		} else {
			c.metrics.RecordStockEvent("error")
			logger.WithError(err).Error("stock reduction failed")
		}
		return "", err
	}

	c.metrics.RecordStockEvent(string(outcome))
	if outcome == OutcomeDuplicate {
		logger.Info("concurrent duplicate detected, skipping")
	} else {
		logger.WithField("lines", len(lines)).Info("stock reduced")
	}
	return outcome, nil
}

// HandleEvent адаптирует Handle для транспорта, которому нужен только error.
func (c *Consumer) HandleEvent(ctx context.Context, event domain.DomainEvent) error {
	_, err := c.Handle(ctx, event)
	return err
}

func (c *Consumer) apply(ctx context.Context, key string, lines []domain.StockLine, logger *log.Entry) (Outcome, error) {
	switch c.mode {
	case LedgerAfterCommit:
		if err := c.stock.DecrementBatch(ctx, lines, ""); err != nil {
			return "", err
		}
		if err := c.ledger.Record(ctx, key); err != nil {
			if errors.Is(err, domain.ErrDuplicateEvent) {
				logger.Warn("ledger key recorded concurrently after commit, stock may be reduced twice")
				return OutcomeApplied, nil
			}
			// Списание уже зафиксировано, повтор приведёт к двойному списанию.
			logger.WithError(err).Error("failed to record processed event after commit")
			return OutcomeApplied, nil
		}
		return OutcomeApplied, nil
	default:
		err := c.stock.DecrementBatch(ctx, lines, key)
		if errors.Is(err, domain.ErrDuplicateEvent) {
			return OutcomeDuplicate, nil
		}
		if err != nil {
			return "", err
		}
		if warmer, ok := c.ledger.(cacheWarmer); ok {
			warmer.Remember(ctx, key)
		}
		return OutcomeApplied, nil
	}
}

// parseOrderPlaced разбирает detail и сводит строки по товарам в порядке возрастания id.
func parseOrderPlaced(raw json.RawMessage) (domain.OrderPlacedDetail, []domain.StockLine, error) {
	var detail domain.OrderPlacedDetail
	if len(raw) == 0 {
		return detail, nil, fmt.Errorf("%w: event detail is empty", domain.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return detail, nil, fmt.Errorf("%w: decode OrderPlaced detail: %v", domain.ErrInvalidInput, err)
	}
	if detail.OrderID <= 0 {
		return detail, nil, fmt.Errorf("%w: orderId is required", domain.ErrInvalidInput)
	}

	totals := make(map[int64]int, len(detail.Items))
	for _, line := range detail.Items {
		if !line.Valid() {
			continue
		}
		totals[line.ProductID] += line.Quantity
	}
	if len(totals) == 0 {
		return detail, nil, fmt.Errorf("%w: OrderPlaced %d has no valid items", domain.ErrInvalidInput, detail.OrderID)
	}

	lines := make([]domain.StockLine, 0, len(totals))
	for productID, quantity := range totals {
		lines = append(lines, domain.StockLine{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return detail, lines, nil
}
