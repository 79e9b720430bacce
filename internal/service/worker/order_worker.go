// Package worker превращает сообщения очереди async-заказов в заказы.
package worker

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

const (
	defaultWait      = 20 * time.Second
	defaultBatchSize = 10
	errorBackoff     = time.Second
)

// Options задаёт параметры воркера.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.PipelineMetrics
	Publisher *events.Publisher
	Wait      time.Duration
	BatchSize int
}

// Option настраивает OrderWorker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPublisher включает публикацию OrderPlaced после коммита.
func WithPublisher(publisher *events.Publisher) Option {
	return func(opts *Options) {
		opts.Publisher = publisher
	}
}

// WithWait задаёт время long polling.
func WithWait(wait time.Duration) Option {
	return func(opts *Options) {
		opts.Wait = wait
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// OrderWorker читает очередь и создаёт заказы без оплаты.
type OrderWorker struct {
	queue     domain.WorkQueue
	repo      domain.OrderRepository
	publisher *events.Publisher
	logger    *log.Entry
	metrics   *metrics.PipelineMetrics
	wait      time.Duration
	batchSize int
}

// NewOrderWorker создаёт воркер.
func NewOrderWorker(queue domain.WorkQueue, repo domain.OrderRepository, options ...Option) *OrderWorker {
	opts := Options{Wait: defaultWait, BatchSize: defaultBatchSize}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &OrderWorker{
		queue:     queue,
		repo:      repo,
		publisher: opts.Publisher,
		logger:    opts.Logger.WithField("component", "order-worker"),
		metrics:   opts.Metrics,
		wait:      opts.Wait,
		batchSize: opts.BatchSize,
	}
}

// Run опрашивает очередь до отмены ctx.
func (w *OrderWorker) Run(ctx context.Context) {
	if w.queue == nil || w.repo == nil {
		w.logger.Warn("order worker is disabled: queue or repo is nil")
		return
	}

	w.logger.WithFields(log.Fields{"wait": w.wait, "batch_size": w.batchSize}).Info("order worker started")
	for ctx.Err() == nil {
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("failed to poll order queue")
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
		}
	}
	w.logger.Info("order worker stopped")
}

// ProcessOnce получает один батч и обрабатывает его. Возвращает число удалённых из очереди сообщений.
func (w *OrderWorker) ProcessOnce(ctx context.Context) (int, error) {
	messages, err := w.queue.Receive(ctx, w.batchSize, w.wait)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if w.handle(ctx, msg) {
			if err := w.queue.Delete(ctx, msg); err != nil {
				w.logger.WithError(err).WithField("message_id", msg.ID).Warn("failed to delete message")
				continue
			}
			acked++
		}
	}
	return acked, nil
}

// handle возвращает true, если сообщение можно удалить из очереди.
func (w *OrderWorker) handle(ctx context.Context, msg domain.QueueMessage) bool {
	logger := w.logger.WithFields(log.Fields{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
	})

	payload, err := order.DecodeAsyncPayload(msg.Body)
	if err != nil {
		// Оставляем в очереди: разбираться будет оператор.
		w.metrics.RecordAsyncOrder("undecodable")
		logger.WithError(err).Error("cannot decode queued order")
		return false
	}
	logger = logger.WithFields(log.Fields{
		"user_id":        payload.UserID,
		"correlation_id": payload.CorrelationID,
	})

	items, err := order.PrepareItems(payload.Identity(), payload.Items)
	if err != nil {
		w.metrics.RecordAsyncOrder("poison")
		logger.WithError(err).Warn("dropping invalid queued order")
		return true
	}

	created, err := w.repo.Create(ctx, order.NewAsyncDraft(payload.UserID, items, payload.Shipping, msg.ID), nil)
	switch {
	case errors.Is(err, domain.ErrOrderAlreadyIngested):
		w.metrics.RecordAsyncOrder("duplicate")
		logger.WithField("order_id", created.ID).Info("queued order already ingested")
		return true
	case errors.Is(err, domain.ErrStaleCredential):
		w.metrics.RecordAsyncOrder("poison")
		logger.WithError(err).Warn("dropping queued order for unknown user")
		return true
	case err != nil:
		w.metrics.RecordAsyncOrder("failed")
		logger.WithError(err).Error("failed to process queued order")
		return false
	}

	w.metrics.RecordAsyncOrder("ingested")
	logger.WithFields(log.Fields{
		"order_id":     created.ID,
		"total_amount": created.Total.StringFixed(2),
	}).Info("queued order processed")

	if w.publisher != nil {
		_ = w.publisher.Publish(ctx, domain.EventOrderPlaced, domain.OrderPlacedDetail{
			OrderID: created.ID,
			Items:   created.StockLines(),
		}, payload.CorrelationID)
	}
	return true
}
