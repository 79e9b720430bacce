// Package idempotency обслуживает журнал обработанных событий склада.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultRetentionInterval  = 10 * time.Minute
	defaultRetentionBatchSize = 500
)

// RetentionOptions задает параметры воркера ретенции.
type RetentionOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.PipelineMetrics
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// RetentionOption настраивает RetentionWorker.
type RetentionOption func(*RetentionOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Logger = logger
	}
}

// WithMetrics включает метрики ретенции.
func WithMetrics(m *metrics.PipelineMetrics) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Metrics = m
	}
}

// WithInterval задает интервал между циклами.
func WithInterval(interval time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.BatchSize = batchSize
	}
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Now = now
	}
}

// RetentionWorker удаляет ключи журнала старше retention.
// Ключ, удалённый раньше, чем перестанут приходить повторы события, снова разрешит списание.
type RetentionWorker struct {
	repo      domain.ProcessedEventRepository
	retention time.Duration
	logger    *log.Entry
	metrics   *metrics.PipelineMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionWorker создает воркер ретенции журнала идемпотентности.
func NewRetentionWorker(repo domain.ProcessedEventRepository, retention time.Duration, options ...RetentionOption) *RetentionWorker {
	opts := RetentionOptions{
		Interval:  defaultRetentionInterval,
		BatchSize: defaultRetentionBatchSize,
		Now:       time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "ledger-retention-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultRetentionInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRetentionBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &RetentionWorker{
		repo:      repo,
		retention: retention,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.repo == nil || w.retention <= 0 {
		w.logger.Info("ledger retention is disabled")
		return
	}

	w.cleanup(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now().UTC().Add(-w.retention))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordRetentionRun("error", 0)
		w.logger.WithError(err).Warn("ledger retention run failed")
		return
	}

	w.metrics.RecordRetentionRun("ok", deleted)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("ledger retention completed")
	}
}

// DeleteExpired удаляет все ключи старше before порциями batchSize.
func (w *RetentionWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC().Add(-w.retention)
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteOlderThan(ctx, before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		w.metrics.RecordRetentionDeleted(deleted)

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
