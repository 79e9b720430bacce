package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestMockGateway(t *testing.T) {
	gw := NewMockGateway(0)

	outcome, err := gw.Charge(context.Background(), decimal.RequireFromString("100.00"), 1)
	if err != nil {
		t.Fatalf("unexpected charge error: %v", err)
	}
	if !outcome.Succeeded() || len(outcome.TransactionID) < 5 || outcome.TransactionID[:4] != "txn_" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	if _, err := gw.Charge(context.Background(), decimal.RequireFromString("123.450"), 2); !errors.Is(err, ErrGatewayTimeout) {
		t.Fatalf("expected gateway timeout on 123.45, got %v", err)
	}

	gw.Err = errors.New("down")
	if _, err := gw.Charge(context.Background(), decimal.NewFromInt(1), 3); err == nil {
		t.Fatal("expected configured error")
	}

	if calls := gw.Calls(); len(calls) != 3 || calls[1].OrderID != 2 {
		t.Fatalf("unexpected call history: %+v", calls)
	}
}

func TestMockGateway_LatencyRespectsContext(t *testing.T) {
	gw := NewMockGateway(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := gw.Charge(ctx, decimal.NewFromInt(1), 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
