package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

func TestStockConsumer_PostgresRedeliveryAppliesOnce(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)
	ledger := NewProcessedEventRepository(store)
	ctx := context.Background()

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	mustUpsert(t, repo, 5, 10)

	event, err := domain.NewDomainEvent(domain.EventOrderPlaced, domain.OrderPlacedDetail{
		OrderID: 42,
		Items:   []domain.StockLine{{ProductID: 5, Quantity: 2}},
	}, "corr-c", time.Now())
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	for _, mode := range []stock.LedgerMode{stock.LedgerInTx, stock.LedgerAfterCommit} {
		consumer := stock.NewConsumer(repo, ledger, mode, log.NewEntry(logger), nil)
		outcome, err := consumer.Handle(ctx, event)
		if err != nil {
			t.Fatalf("%s: handle: %v", mode, err)
		}
		if mode == stock.LedgerInTx && outcome != stock.OutcomeApplied {
			t.Fatalf("first delivery: expected applied, got %s", outcome)
		}
		if mode == stock.LedgerAfterCommit && outcome != stock.OutcomeDuplicate {
			t.Fatalf("redelivery: expected duplicate, got %s", outcome)
		}
	}
	assertQuantity(t, repo, 5, 8)
}

func TestStockLedger_PostgresInsufficientStockLeavesRecord(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)
	ledger := stock.NewLedger(repo, nil, nil)

	mustUpsert(t, repo, 7, 5)

	err := ledger.Reserve(context.Background(), 7, 1000)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	assertQuantity(t, repo, 7, 5)
}
