package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics содержит метрики конвейера исполнения заказов.
type PipelineMetrics struct {
	// Заказы
	ordersPlaced   prometheus.Counter
	ordersRejected *prometheus.CounterVec
	placeDuration  prometheus.Histogram
	asyncOrders    *prometheus.CounterVec

	// Оплата и брейкер
	paymentOutcomes *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerCalls    *prometheus.CounterVec

	// События
	eventsPublished     *prometheus.CounterVec
	pendingPublications prometheus.Gauge
	stockEvents         *prometheus.CounterVec

	// Склад
	stockOperations *prometheus.CounterVec

	// Сверка недоставленных событий
	reconcileAttempts    *prometheus.CounterVec
	undeliveredPending   prometheus.Gauge
	undeliveredOldestAge prometheus.Gauge

	// Ретенция журнала идемпотентности
	retentionRuns        *prometheus.CounterVec
	retentionDeleted     prometheus.Counter
	retentionLastDeleted prometheus.Gauge
}

// NewPipelineMetrics создаёт метрики в глобальном реестре.
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPipelineMetricsWithRegisterer создаёт метрики в переданном реестре (в тестах изолированном).
func NewPipelineMetricsWithRegisterer(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_orders_placed_total",
			Help: "Total number of orders committed with a successful payment",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_orders_rejected_total",
			Help: "Total number of order placements rejected, by reason",
		}, []string{"reason"}),
		placeDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_order_place_duration_seconds",
			Help:    "Duration of synchronous order placement in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		asyncOrders: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_async_orders_total",
			Help: "Total number of queued order messages handled by the worker, by result",
		}, []string{"result"}),
		paymentOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_payment_outcomes_total",
			Help: "Total number of payment attempts, by outcome",
		}, []string{"outcome"}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		breakerCalls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_breaker_calls_total",
			Help: "Total number of guarded calls, by breaker and result",
		}, []string{"name", "result"}),
		eventsPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_events_published_total",
			Help: "Total number of domain event publications, by transport and result",
		}, []string{"transport", "result"}),
		pendingPublications: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_publications_in_flight",
			Help: "Number of post-commit publications currently running",
		}),
		stockEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_stock_events_total",
			Help: "Total number of stock events consumed, by outcome",
		}, []string{"outcome"}),
		stockOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_stock_operations_total",
			Help: "Total number of reserve/release calls, by operation and result",
		}, []string{"operation", "result"}),
		reconcileAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_reconcile_attempts_total",
			Help: "Total number of redelivery attempts for undelivered events, by result",
		}, []string{"result"}),
		undeliveredPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_undelivered_events_pending",
			Help: "Current number of pending undelivered events",
		}),
		undeliveredOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_undelivered_events_oldest_age_seconds",
			Help: "Age in seconds of the oldest pending undelivered event",
		}),
		retentionRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_ledger_retention_runs_total",
			Help: "Total number of ledger retention runs, by result",
		}, []string{"result"}),
		retentionDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_ledger_retention_deleted_total",
			Help: "Total number of deleted processed-event keys",
		}),
		retentionLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_ledger_retention_last_deleted",
			Help: "Number of keys deleted during the last retention run",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// Все методы записи допускают nil-получатель: компоненты без метрик просто ничего не пишут.

// RecordOrderPlaced фиксирует успешно закоммиченный заказ.
func (m *PipelineMetrics) RecordOrderPlaced(duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
	m.placeDuration.Observe(duration.Seconds())
}

// RecordOrderRejected фиксирует отказ в оформлении.
func (m *PipelineMetrics) RecordOrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordAsyncOrder фиксирует результат обработки сообщения очереди.
func (m *PipelineMetrics) RecordAsyncOrder(result string) {
	if m == nil {
		return
	}
	m.asyncOrders.WithLabelValues(result).Inc()
}

// RecordPaymentOutcome фиксирует итог попытки оплаты.
func (m *PipelineMetrics) RecordPaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome).Inc()
}

// SetBreakerState выставляет состояние брейкера.
func (m *PipelineMetrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerCall фиксирует результат вызова через брейкер.
func (m *PipelineMetrics) RecordBreakerCall(name, result string) {
	if m == nil {
		return
	}
	m.breakerCalls.WithLabelValues(name, result).Inc()
}

// RecordEventPublished фиксирует результат публикации.
func (m *PipelineMetrics) RecordEventPublished(transport, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(transport, result).Inc()
}

// PublicationStarted увеличивает число публикаций в полёте.
func (m *PipelineMetrics) PublicationStarted() {
	if m == nil {
		return
	}
	m.pendingPublications.Inc()
}

// PublicationFinished уменьшает число публикаций в полёте.
func (m *PipelineMetrics) PublicationFinished() {
	if m == nil {
		return
	}
	m.pendingPublications.Dec()
}

// RecordStockEvent фиксирует исход обработки складского события.
func (m *PipelineMetrics) RecordStockEvent(outcome string) {
	if m == nil {
		return
	}
	m.stockEvents.WithLabelValues(outcome).Inc()
}

// RecordStockOperation фиксирует reserve/release.
func (m *PipelineMetrics) RecordStockOperation(operation, result string) {
	if m == nil {
		return
	}
	m.stockOperations.WithLabelValues(operation, result).Inc()
}

// RecordReconcileAttempt фиксирует результат попытки повторной доставки.
func (m *PipelineMetrics) RecordReconcileAttempt(result string) {
	if m == nil {
		return
	}
	m.reconcileAttempts.WithLabelValues(result).Inc()
}

// SetUndeliveredBacklog выставляет размер backlog и возраст самой старой записи.
func (m *PipelineMetrics) SetUndeliveredBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.undeliveredPending.Set(float64(pending))
	m.undeliveredOldestAge.Set(oldestAge.Seconds())
}

// RecordRetentionRun фиксирует цикл ретенции; deleted учитывается только для успешного.
func (m *PipelineMetrics) RecordRetentionRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.retentionRuns.WithLabelValues(result).Inc()
	if result == "ok" {
		m.retentionLastDeleted.Set(float64(deleted))
	}
}

// RecordRetentionDeleted добавляет удалённые ключи журнала.
func (m *PipelineMetrics) RecordRetentionDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(deleted))
}
