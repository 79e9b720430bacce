package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// ErrGatewayTimeout возвращает mock-шлюз, когда имитирует отказ.
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// FailingAmount задаёт сумму, на которой mock-шлюз всегда отказывает.
var FailingAmount = decimal.RequireFromString("123.45")

// MockGateway имитирует внешнего платёжного провайдера.
// Отказывает на сумме FailingAmount, в остальных случаях выдаёт txn_<uuid>.
type MockGateway struct {
	// Latency задаёт задержку ответа шлюза; 0 в тестах.
	Latency time.Duration
	// Err, если задана, возвращается на каждый вызов.
	Err error

	mu    sync.Mutex
	calls []Charge
}

// Charge хранит аргументы одного вызова шлюза.
type Charge struct {
	Amount  decimal.Decimal
	OrderID int64
}

// NewMockGateway возвращает шлюз с указанной задержкой.
func NewMockGateway(latency time.Duration) *MockGateway {
	return &MockGateway{Latency: latency}
}

// Charge имитирует списание и учитывает вызовы.
func (m *MockGateway) Charge(ctx context.Context, amount decimal.Decimal, orderID int64) (domain.PaymentOutcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Charge{Amount: amount, OrderID: orderID})
	err := m.Err
	m.mu.Unlock()

	if m.Latency > 0 {
		timer := time.NewTimer(m.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.PaymentOutcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		return domain.PaymentOutcome{}, err
	}
	if amount.Equal(FailingAmount) {
		return domain.PaymentOutcome{}, ErrGatewayTimeout
	}

	return domain.PaymentOutcome{
		Status:        domain.PaymentOutcomeSuccess,
		TransactionID: "txn_" + uuid.NewString(),
	}, nil
}

// Calls возвращает копию истории вызовов.
func (m *MockGateway) Calls() []Charge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Charge(nil), m.calls...)
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
