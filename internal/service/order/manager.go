// Package order оформляет заказы: проверки, транзакция с оплатой и пост-коммитная публикация.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

const createTimeout = 15 * time.Second

var (
	errNoItems      = fmt.Errorf("%w: no items in order", domain.ErrInvalidInput)
	errNoValidItems = fmt.Errorf("%w: no valid items provided for order (missing product_id / price / quantity)", domain.ErrInvalidInput)
	errQueueMissing = errors.New("async order queue is not configured")
)

// ManagerOptions задаёт зависимости менеджера заказов.
type ManagerOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.PipelineMetrics
	Publisher  *events.Publisher
	Dispatcher *events.Dispatcher
	Queue      domain.WorkQueue
}

// Option настраивает Manager.
type Option func(*ManagerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ManagerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики конвейера.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(opts *ManagerOptions) {
		opts.Metrics = m
	}
}

// WithEvents включает публикацию событий после коммита.
func WithEvents(publisher *events.Publisher, dispatcher *events.Dispatcher) Option {
	return func(opts *ManagerOptions) {
		opts.Publisher = publisher
		opts.Dispatcher = dispatcher
	}
}

// WithQueue подключает очередь async-заказов.
func WithQueue(queue domain.WorkQueue) Option {
	return func(opts *ManagerOptions) {
		opts.Queue = queue
	}
}

// Manager выполняет все операции с заказами.
type Manager struct {
	repo       domain.OrderRepository
	payments   domain.PaymentGateway
	publisher  *events.Publisher
	dispatcher *events.Dispatcher
	queue      domain.WorkQueue
	logger     *log.Entry
	metrics    *metrics.PipelineMetrics
}

// NewManager создаёт менеджер. payments обычно payment.GuardedGateway.
func NewManager(repo domain.OrderRepository, payments domain.PaymentGateway, options ...Option) *Manager {
	opts := ManagerOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Publisher != nil && opts.Dispatcher == nil {
		opts.Dispatcher = events.NewDispatcher(opts.Logger)
	}

	return &Manager{
		repo:       repo,
		payments:   payments,
		publisher:  opts.Publisher,
		dispatcher: opts.Dispatcher,
		queue:      opts.Queue,
		logger:     opts.Logger.WithField("component", "order-manager"),
		metrics:    opts.Metrics,
	}
}

// PrepareItems выполняет проверки входа, общие для синхронного и асинхронного оформления.
// Порядок проверок фиксирован: пустой список, идентичность, роль, валидные позиции.
func PrepareItems(identity domain.Identity, items []domain.ItemInput) ([]domain.OrderItem, error) {
	if len(items) == 0 {
		return nil, errNoItems
	}
	if identity.UserID <= 0 {
		return nil, domain.ErrUnauthenticated
	}
	if identity.IsAdmin() {
		return nil, fmt.Errorf("%w: admins cannot place orders", domain.ErrForbidden)
	}
	normalized := domain.NormalizeItems(items)
	if len(normalized) == 0 {
		return nil, errNoValidItems
	}
	return normalized, nil
}

// PlaceOrder оформляет оплаченный заказ. Заказ сохраняется только вместе с успешной оплатой.
func (m *Manager) PlaceOrder(ctx context.Context, identity domain.Identity, items []domain.ItemInput, shipping domain.ShippingInfo, correlationID string) (domain.Order, error) {
	start := time.Now()
	logger := m.logger.WithFields(log.Fields{
		"user_id":        identity.UserID,
		"correlation_id": correlationID,
	})

	normalized, err := PrepareItems(identity, items)
	if err != nil {
		m.metrics.RecordOrderRejected(rejectionReason(err))
		logger.WithError(err).Info("order rejected")
		return domain.Order{}, err
	}

	draft := newDraft(identity.UserID, normalized, shipping)

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	created, err := m.repo.Create(ctx, draft, m.settle(logger))
	if err != nil {
		m.metrics.RecordOrderRejected(rejectionReason(err))
		logger.WithError(err).Warn("order transaction rolled back")
		return domain.Order{}, err
	}

	m.metrics.RecordOrderPlaced(time.Since(start))
	logger.WithFields(log.Fields{
		"order_id":       created.ID,
		"total_amount":   created.Total.StringFixed(2),
		"transaction_id": created.TransactionID,
	}).Info("order placed")

	m.publishAsync(ctx, domain.EventOrderPlaced, domain.OrderPlacedDetail{
		OrderID: created.ID,
		Items:   created.StockLines(),
	}, correlationID)

	return created, nil
}

// settle проводит оплату внутри транзакции создания заказа.
func (m *Manager) settle(logger *log.Entry) domain.SettleFunc {
	return func(ctx context.Context, order domain.Order) (domain.PaymentOutcome, error) {
		if m.payments == nil {
			return domain.PaymentOutcome{}, fmt.Errorf("%w: no payment gateway configured", domain.ErrPaymentUnavailable)
		}

		outcome, err := m.payments.Charge(ctx, order.Total, order.ID)
		if err == nil && outcome.Succeeded() {
			return outcome, nil
		}

		message := outcome.Message
		if message == "" && err != nil {
			message = err.Error()
		}
		if message == "" {
			message = "payment failed at external gateway"
		}
		logger.WithField("order_id", order.ID).WithField("payment_message", message).Warn("payment not settled")
		if err != nil {
			return outcome, fmt.Errorf("%w: %s: %v", domain.ErrPaymentUnavailable, message, err)
		}
		return outcome, fmt.Errorf("%w: %s", domain.ErrPaymentUnavailable, message)
	}
}

// Enqueue кладёт заказ в очередь для фоновой обработки и возвращает идентификатор сообщения.
func (m *Manager) Enqueue(ctx context.Context, identity domain.Identity, items []domain.ItemInput, shipping domain.ShippingInfo, correlationID string) (string, error) {
	normalized, err := PrepareItems(identity, items)
	if err != nil {
		m.metrics.RecordAsyncOrder("rejected")
		return "", err
	}
	if m.queue == nil {
		return "", errQueueMissing
	}

	body, err := EncodeAsyncPayload(AsyncPayload{
		UserID:        identity.UserID,
		Role:          identity.Role,
		Items:         items,
		TotalAmount:   domain.OrderTotal(normalized).StringFixed(2),
		Shipping:      shipping,
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", err
	}

	id, err := m.queue.Enqueue(ctx, body)
	if err != nil {
		m.metrics.RecordAsyncOrder("enqueue_failed")
		return "", fmt.Errorf("enqueue order: %w", err)
	}

	m.metrics.RecordAsyncOrder("queued")
	m.logger.WithFields(log.Fields{
		"user_id":        identity.UserID,
		"message_id":     id,
		"correlation_id": correlationID,
	}).Info("order queued")
	return id, nil
}

// Get возвращает заказ. Чужой заказ для обычного пользователя неотличим от отсутствующего.
func (m *Manager) Get(ctx context.Context, identity domain.Identity, id int64) (domain.Order, error) {
	if identity.UserID <= 0 {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	order, err := m.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !identity.IsAdmin() && order.UserID != identity.UserID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListForUser возвращает заказы вызывающего пользователя.
func (m *Manager) ListForUser(ctx context.Context, identity domain.Identity) ([]domain.Order, error) {
	if identity.UserID <= 0 {
		return nil, domain.ErrUnauthenticated
	}
	return m.repo.ListByUser(ctx, identity.UserID)
}

// ListAll возвращает все заказы (только для администратора).
func (m *Manager) ListAll(ctx context.Context, identity domain.Identity) ([]domain.Order, error) {
	if err := requireAdmin(identity); err != nil {
		return nil, err
	}
	return m.repo.List(ctx)
}

// UpdateStatus меняет статус отслеживания по числовому коду 1..5 и публикует OrderStatusUpdated.
func (m *Manager) UpdateStatus(ctx context.Context, identity domain.Identity, id int64, code int, correlationID string) (domain.Order, error) {
	if err := requireAdmin(identity); err != nil {
		return domain.Order{}, err
	}
	status, err := domain.StatusFromLegacyCode(code)
	if err != nil {
		return domain.Order{}, err
	}

	updated, err := m.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return domain.Order{}, err
	}

	m.logger.WithFields(log.Fields{
		"order_id": id,
		"status":   status.String(),
	}).Info("order status updated")

	m.publishAsync(ctx, domain.EventOrderStatusUpdated, domain.OrderStatusUpdatedDetail{
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		Status:         status.LegacyCode(),
		TrackingStatus: status.String(),
	}, correlationID)

	return updated, nil
}

// Shutdown дожидается фоновых публикаций.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.dispatcher == nil {
		return nil
	}
	return m.dispatcher.Shutdown(ctx)
}

func (m *Manager) publishAsync(ctx context.Context, detailType string, detail any, correlationID string) {
	if m.publisher == nil {
		return
	}
	m.dispatcher.Go(ctx, func(ctx context.Context) {
		// Ошибка уже залогирована и записана в журнал недоставленных.
		_ = m.publisher.Publish(ctx, detailType, detail, correlationID)
	})
}

func newDraft(userID int64, items []domain.OrderItem, shipping domain.ShippingInfo) domain.Order {
	method := shipping.PaymentMethod
	if method == "" {
		method = domain.DefaultPaymentMethod
	}
	return domain.Order{
		UserID:        userID,
		Items:         items,
		Total:         domain.OrderTotal(items),
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: method,
		Shipping:      shipping,
	}
}

// NewAsyncDraft собирает заказ из сообщения очереди (оплата не проводится).
func NewAsyncDraft(userID int64, items []domain.OrderItem, shipping domain.ShippingInfo, messageID string) domain.Order {
	draft := newDraft(userID, items, shipping)
	draft.SourceMessageID = domain.QueueMessageKey(messageID)
	return draft
}

func requireAdmin(identity domain.Identity) error {
	if identity.UserID <= 0 {
		return domain.ErrUnauthenticated
	}
	if !identity.IsAdmin() {
		return fmt.Errorf("%w: admin role required", domain.ErrForbidden)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrStaleCredential):
		return "stale_credential"
	case errors.Is(err, domain.ErrPaymentUnavailable):
		return "payment"
	default:
		return "internal"
	}
}
