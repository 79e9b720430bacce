// Package outbox повторно доставляет события из журнала недоставленных.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultMaxCycles      = 5
	defaultRetryBaseDelay = 50 * time.Millisecond

	// DefaultDLQTopic принимает события, которые так и не удалось доставить.
	DefaultDLQTopic = "fulfillment.dlq"
	// DefaultReplayTopic указывает, куда dlq-reprocess вернёт такое событие.
	DefaultReplayTopic = "fulfillment.order.events"
)

// DeadLetterPublisher принимает события, исчерпавшие все попытки (kafka.Producer).
type DeadLetterPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
}

// ReconcilerOptions задаёт параметры сверщика.
type ReconcilerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.PipelineMetrics
	DLQ            DeadLetterPublisher
	DLQTopic       string
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	MaxCycles      int
	RetryBaseDelay time.Duration
}

// Option настраивает Reconciler.
type Option func(*ReconcilerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ReconcilerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics включает метрики сверки.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(opts *ReconcilerOptions) {
		opts.Metrics = m
	}
}

// WithDLQ задаёт получателя мёртвых писем.
func WithDLQ(publisher DeadLetterPublisher, topic string) Option {
	return func(opts *ReconcilerOptions) {
		opts.DLQ = publisher
		opts.DLQTopic = topic
	}
}

// WithPollInterval задаёт частоту опроса журнала.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *ReconcilerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *ReconcilerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток отправки за один цикл.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *ReconcilerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithMaxCycles задаёт, после скольких неудачных циклов запись становится failed.
func WithMaxCycles(maxCycles int) Option {
	return func(opts *ReconcilerOptions) {
		opts.MaxCycles = maxCycles
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *ReconcilerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// Reconciler перечитывает pending-записи журнала и отправляет их заново.
type Reconciler struct {
	repo           domain.UndeliveredEventRepository
	transport      domain.EventTransport
	dlq            DeadLetterPublisher
	dlqTopic       string
	replayTopic    string
	logger         *log.Entry
	metrics        *metrics.PipelineMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	maxCycles      int
	retryBaseDelay time.Duration
}

// NewReconciler создаёт сверщик.
func NewReconciler(repo domain.UndeliveredEventRepository, transport domain.EventTransport, options ...Option) *Reconciler {
	opts := ReconcilerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		MaxCycles:      defaultMaxCycles,
		RetryBaseDelay: defaultRetryBaseDelay,
		DLQTopic:       DefaultDLQTopic,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = defaultMaxCycles
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = DefaultDLQTopic
	}

	return &Reconciler{
		repo:           repo,
		transport:      transport,
		dlq:            opts.DLQ,
		dlqTopic:       opts.DLQTopic,
		replayTopic:    DefaultReplayTopic,
		logger:         logger.WithField("component", "reconciler"),
		metrics:        opts.Metrics,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		maxCycles:      opts.MaxCycles,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run запускает периодический опрос журнала до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) {
	if r.repo == nil || r.transport == nil {
		r.logger.Warn("reconciler is disabled: repo or transport is nil")
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл сверки.
func (r *Reconciler) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	r.refreshBacklogMetrics(ctx)

	records, err := r.repo.PullPending(ctx, r.batchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to pull pending undelivered events")
		return
	}
	if len(records) == 0 {
		return
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return
		}
		r.reconcile(ctx, record)
	}

	r.refreshBacklogMetrics(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context, record domain.UndeliveredEvent) {
	logger := r.logger.WithFields(log.Fields{
		"undelivered_id": record.ID,
		"detail_type":    record.Event.DetailType,
		"correlation_id": record.Event.CorrelationID,
	})

	err := r.sendWithRetry(ctx, record.Event)
	if err == nil {
		if markErr := r.repo.MarkRedelivered(ctx, record.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark event as redelivered")
		}
		logger.Info("undelivered event redelivered")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	terminal := record.Attempts+1 >= r.maxCycles
	logger.WithError(err).WithField("terminal", terminal).Warn("redelivery failed")
	r.metrics.RecordReconcileAttempt("failed")

	if terminal {
		if dlqErr := r.publishToDLQ(record, err); dlqErr != nil {
			logger.WithError(dlqErr).Warn("failed to publish to DLQ")
			r.metrics.RecordReconcileAttempt("dlq_failed")
		}
	}
	if markErr := r.repo.MarkFailed(ctx, record.ID, err.Error(), terminal); markErr != nil {
		logger.WithError(markErr).Warn("failed to mark undelivered event as failed")
	}
}

func (r *Reconciler) sendWithRetry(ctx context.Context, event domain.DomainEvent) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.transport.Send(ctx, event)
		if err == nil {
			r.metrics.RecordReconcileAttempt("sent")
			return nil
		}
		lastErr = err
		r.metrics.RecordReconcileAttempt("retry_error")

		if attempt >= r.maxAttempts {
			break
		}

		delay := r.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("redelivery failed after %d attempts: %w", r.maxAttempts, lastErr)
}

func (r *Reconciler) refreshBacklogMetrics(ctx context.Context) {
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("failed to collect undelivered backlog stats")
		return
	}

	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		r.metrics.SetUndeliveredBacklog(stats.PendingCount, 0)
		return
	}
	r.metrics.SetUndeliveredBacklog(stats.PendingCount, time.Since(stats.OldestPendingAt))
}

func (r *Reconciler) retryBackoff(attempt int) time.Duration {
	if r.retryBaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return r.retryBaseDelay
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := r.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

func (r *Reconciler) publishToDLQ(record domain.UndeliveredEvent, publishErr error) error {
	if r.dlq == nil {
		return nil
	}

	envelope, err := json.Marshal(record.Event)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// Формат совпадает с мёртвыми письмами потребителя, поэтому dlq-reprocess умеет их переиграть.
	letter := map[string]any{
		"undelivered_id":   record.ID,
		"transport":        record.Transport,
		"original_topic":   r.replayTopic,
		"original_key":     record.Event.PartitionKey(),
		"original_value":   string(envelope),
		"reason":           "redelivery_exhausted",
		"error_message":    publishErr.Error(),
		"retry_count":      record.Attempts + 1,
		"dlq_published_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.dlq.PublishEvent(r.dlqTopic, record.Event.PartitionKey(), letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}

	return nil
}
