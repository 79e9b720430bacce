package payment

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/breaker"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// UnavailableMessage используется в fallback-ответе, когда шлюз недоступен.
const UnavailableMessage = "Payment Service Unavailable"

// GuardedGateway пропускает вызовы шлюза через circuit breaker.
// Любой отказ превращается в единообразный ответ со статусом failed.
type GuardedGateway struct {
	gateway domain.PaymentGateway
	breaker *breaker.Breaker[domain.PaymentOutcome]
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// NewGuardedGateway создаёт обёртку с собственным брейкером.
func NewGuardedGateway(gateway domain.PaymentGateway, opts breaker.Options, logger *log.Entry, m *metrics.PipelineMetrics) *GuardedGateway {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "payment-gateway")

	fallback := func(_ context.Context, _ error) domain.PaymentOutcome {
		return domain.PaymentOutcome{Status: domain.PaymentOutcomeFailed, Message: UnavailableMessage}
	}

	return &GuardedGateway{
		gateway: gateway,
		breaker: breaker.Guard("payment", opts, fallback, breaker.WithLogger(logger), breaker.WithMetrics(m)),
		logger:  logger,
		metrics: m,
	}
}

// Charge никогда не пропускает ошибку шлюза наружу без ответа: при отказе
// возвращается fallback-ответ и причина отказа.
func (g *GuardedGateway) Charge(ctx context.Context, amount decimal.Decimal, orderID int64) (domain.PaymentOutcome, error) {
	outcome, err := g.breaker.Execute(ctx, func(ctx context.Context) (domain.PaymentOutcome, error) {
		return g.gateway.Charge(ctx, amount, orderID)
	})
	if err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"amount":   amount.StringFixed(2),
			"breaker":  g.breaker.State(),
		}).Warn("payment attempt failed")
		g.metrics.RecordPaymentOutcome(domain.PaymentOutcomeFailed)
		return outcome, err
	}

	g.metrics.RecordPaymentOutcome(outcome.Status)
	return outcome, nil
}

// State возвращает состояние брейкера (для health и логов).
func (g *GuardedGateway) State() string {
	return g.breaker.State()
}

var _ domain.PaymentGateway = (*GuardedGateway)(nil)
