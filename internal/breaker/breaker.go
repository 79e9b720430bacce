// Package breaker оборачивает нестабильные зависимости (платёжный шлюз) в circuit breaker
// с тайм-аутом вызова и fallback-значением.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

var (
	// ErrOpen означает, что вызов не выполнялся: брейкер открыт или пробный запрос уже идёт.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout означает, что вызов не уложился в тайм-аут.
	ErrTimeout = errors.New("guarded call timed out")
	// ErrCanceled означает, что вызывающий сам отменил запрос. Такой вызов не влияет на состояние брейкера.
	ErrCanceled = errors.New("guarded call canceled by caller")
)

// Options задаёт поведение брейкера.
type Options struct {
	// Timeout ограничивает один вызов; истечение считается ошибкой.
	Timeout time.Duration
	// ErrorThresholdPct задаёт долю ошибок в окне (в процентах); брейкер открывается, когда доля её превышает.
	ErrorThresholdPct float64
	// ResetTimeout задаёт, сколько брейкер остаётся открытым до пробного запроса.
	ResetTimeout time.Duration
	// Window задаёт длину окна, за которое считаются ошибки в закрытом состоянии.
	Window time.Duration
	// MinRequests задаёт минимум вызовов в окне, прежде чем считать долю ошибок.
	MinRequests uint32
}

// DefaultOptions возвращает настройки, принятые для платёжного шлюза.
func DefaultOptions() Options {
	return Options{
		Timeout:           3 * time.Second,
		ErrorThresholdPct: 50,
		ResetTimeout:      10 * time.Second,
		Window:            10 * time.Second,
		MinRequests:       1,
	}
}

// Fallback строит ответ по умолчанию, когда вызов не удался или не выполнялся.
type Fallback[T any] func(ctx context.Context, cause error) T

// Option настраивает Breaker.
type Option func(*settings)

type settings struct {
	logger  *log.Entry
	metrics *metrics.PipelineMetrics
}

// WithLogger задаёт логгер переходов состояния.
func WithLogger(logger *log.Entry) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает экспорт состояния и результатов вызовов.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// Breaker защищает одну зависимость.
// Состояние принадлежит экземпляру: каждая обёртка держит свой брейкер.
type Breaker[T any] struct {
	name     string
	opts     Options
	cb       *gobreaker.CircuitBreaker[T]
	fallback Fallback[T]
	logger   *log.Entry
	metrics  *metrics.PipelineMetrics
}

// Guard создаёт брейкер с именем name.
func Guard[T any](name string, opts Options, fallback Fallback[T], options ...Option) *Breaker[T] {
	defaults := DefaultOptions()
	if opts.ErrorThresholdPct <= 0 {
		opts.ErrorThresholdPct = defaults.ErrorThresholdPct
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = defaults.ResetTimeout
	}
	if opts.MinRequests == 0 {
		opts.MinRequests = 1
	}

	cfg := settings{logger: log.NewEntry(log.StandardLogger())}
	for _, opt := range options {
		opt(&cfg)
	}

	b := &Breaker[T]{
		name:     name,
		opts:     opts,
		fallback: fallback,
		logger:   cfg.logger.WithField("breaker", name),
		metrics:  cfg.metrics,
	}

	b.cb = gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    opts.Window,
		Timeout:     opts.ResetTimeout,
		ReadyToTrip: b.readyToTrip,
		IsExcluded: func(err error) bool {
			return errors.Is(err, ErrCanceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	b.metrics.SetBreakerState(name, stateValue(gobreaker.StateClosed))

	return b
}

// Execute вызывает fn через брейкер. При ошибке, тайм-ауте или открытом брейкере
// возвращает значение fallback и причину.
func (b *Breaker[T]) Execute(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (T, error) {
		return b.call(ctx, fn)
	})
	if err == nil {
		b.metrics.RecordBreakerCall(b.name, "success")
		return result, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%w: %s (%v)", ErrOpen, b.name, err)
		b.metrics.RecordBreakerCall(b.name, "short_circuit")
	case errors.Is(err, ErrTimeout):
		b.metrics.RecordBreakerCall(b.name, "timeout")
	case errors.Is(err, ErrCanceled):
		b.metrics.RecordBreakerCall(b.name, "canceled")
	default:
		b.metrics.RecordBreakerCall(b.name, "failure")
	}

	if b.fallback == nil {
		var zero T
		return zero, err
	}
	return b.fallback(ctx, err), err
}

// State возвращает текущее состояние: closed, half-open или open.
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}

// Name возвращает имя брейкера.
func (b *Breaker[T]) Name() string {
	return b.name
}

func (b *Breaker[T]) call(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	if b.opts.Timeout <= 0 {
		value, err := fn(ctx)
		return value, callerCanceled(ctx, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, callerCanceled(ctx, res.err)
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, b.opts.Timeout)
	}
}

// callerCanceled помечает ошибку, если к её моменту вызывающий уже отменил ctx.
func callerCanceled(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

func (b *Breaker[T]) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < b.opts.MinRequests {
		return false
	}
	failurePct := float64(counts.TotalFailures) / float64(counts.Requests) * 100
	return failurePct > b.opts.ErrorThresholdPct
}

func (b *Breaker[T]) onStateChange(from, to gobreaker.State) {
	b.metrics.SetBreakerState(b.name, stateValue(to))

	entry := b.logger.WithFields(log.Fields{
		"from": from.String(),
		"to":   to.String(),
	})
	switch to {
	case gobreaker.StateOpen:
		entry.WithField("reset_timeout", b.opts.ResetTimeout).Warn("Circuit breaker opened")
	case gobreaker.StateHalfOpen:
		entry.Info("Circuit breaker half-open")
	default:
		entry.Info("Circuit breaker closed")
	}
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
