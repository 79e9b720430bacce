package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func seedUndelivered(t *testing.T, repo *memory.UndeliveredEventRepository, orderID int64) domain.UndeliveredEvent {
	t.Helper()

	event, err := domain.NewDomainEvent(domain.EventOrderPlaced, domain.OrderPlacedDetail{
		OrderID: orderID,
		Items:   []domain.StockLine{{ProductID: 1, Quantity: 1}},
	}, "corr", time.Now())
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	record, err := repo.Record(context.Background(), domain.UndeliveredEvent{Event: event, Transport: "http", LastError: "down"})
	if err != nil {
		t.Fatalf("record undelivered: %v", err)
	}
	return record
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func TestReconciler_ProcessOnce_MarkRedelivered(t *testing.T) {
	t.Parallel()

	repo := memory.NewUndeliveredEventRepository()
	record := seedUndelivered(t, repo, 1)
	transport := &stubTransport{}

	reconciler := NewReconciler(
		repo,
		transport,
		WithLogger(quietLogger()),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	reconciler.ProcessOnce(context.Background())

	if got := transport.calls(); got != 1 {
		t.Fatalf("expected 1 send call, got %d", got)
	}
	all := repo.All()
	if len(all) != 1 || all[0].ID != record.ID || all[0].Status != domain.UndeliveredRedelivered {
		t.Fatalf("expected redelivered record, got %+v", all)
	}
}

func TestReconciler_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewUndeliveredEventRepository()
	seedUndelivered(t, repo, 2)
	transport := &stubTransport{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	reconciler := NewReconciler(repo, transport, WithLogger(quietLogger()), WithRetryBaseDelay(0), WithMaxAttempts(3))
	reconciler.ProcessOnce(context.Background())

	if got := transport.calls(); got != 3 {
		t.Fatalf("expected 3 send attempts, got %d", got)
	}
	if status := repo.All()[0].Status; status != domain.UndeliveredRedelivered {
		t.Fatalf("expected redelivered status, got %s", status)
	}
}

func TestReconciler_FailedCycleStaysPendingUntilLimit(t *testing.T) {
	t.Parallel()

	repo := memory.NewUndeliveredEventRepository()
	seedUndelivered(t, repo, 3)
	transport := &stubTransport{err: errors.New("still down")}
	dlq := &stubDLQ{}

	reconciler := NewReconciler(
		repo,
		transport,
		WithLogger(quietLogger()),
		WithDLQ(dlq, "test.dlq"),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
		WithMaxCycles(2),
	)

	reconciler.ProcessOnce(context.Background())

	rec := repo.All()[0]
	if rec.Status != domain.UndeliveredPending || rec.Attempts != 1 {
		t.Fatalf("expected pending record after first failed cycle, got %+v", rec)
	}
	if dlq.calls() != 0 {
		t.Fatal("DLQ must not be used before the cycle limit")
	}

	reconciler.ProcessOnce(context.Background())

	rec = repo.All()[0]
	if rec.Status != domain.UndeliveredFailed || rec.Attempts != 2 {
		t.Fatalf("expected failed record after last cycle, got %+v", rec)
	}
	if got := transport.calls(); got != 4 {
		t.Fatalf("expected 2 attempts per cycle, got %d", got)
	}
	if dlq.calls() != 1 || dlq.topic != "test.dlq" || dlq.key != "3" {
		t.Fatalf("unexpected DLQ publication: calls=%d topic=%s key=%s", dlq.calls(), dlq.topic, dlq.key)
	}

	letter, ok := dlq.event.(map[string]any)
	if !ok {
		t.Fatalf("unexpected DLQ payload type %T", dlq.event)
	}
	var replayed domain.DomainEvent
	if err := json.Unmarshal([]byte(letter["original_value"].(string)), &replayed); err != nil {
		t.Fatalf("original_value is not an envelope: %v", err)
	}
	if replayed.PartitionKey() != "3" {
		t.Fatalf("unexpected replayed envelope: %+v", replayed)
	}

	reconciler.ProcessOnce(context.Background())
	if got := transport.calls(); got != 4 {
		t.Fatalf("failed records must not be retried, got %d calls", got)
	}
}

func TestReconciler_ReportsAttemptsAndBacklog(t *testing.T) {
	t.Parallel()

	repo := memory.NewUndeliveredEventRepository()
	seedUndelivered(t, repo, 4)
	seedUndelivered(t, repo, 5)
	transport := &stubTransport{err: errors.New("still down")}
	reg := prometheus.NewRegistry()

	reconciler := NewReconciler(
		repo,
		transport,
		WithLogger(quietLogger()),
		WithMetrics(metrics.NewPipelineMetricsWithRegisterer(reg)),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
		WithMaxCycles(5),
	)

	reconciler.ProcessOnce(context.Background())

	if got := gatheredValue(t, reg, "fulfillment_reconcile_attempts_total", "failed"); got != 2 {
		t.Fatalf("failed attempts = %v, want 2", got)
	}
	if got := gatheredValue(t, reg, "fulfillment_reconcile_attempts_total", "retry_error"); got != 2 {
		t.Fatalf("retry errors = %v, want 2", got)
	}
	if got := gatheredValue(t, reg, "fulfillment_undelivered_events_pending", ""); got != 2 {
		t.Fatalf("pending backlog = %v, want 2", got)
	}
}

func gatheredValue(t *testing.T, reg *prometheus.Registry, name, result string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if result != "" && !hasResult(metric, result) {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func hasResult(metric *dto.Metric, result string) bool {
	for _, label := range metric.GetLabel() {
		if label.GetName() == "result" && label.GetValue() == result {
			return true
		}
	}
	return false
}

func TestReconciler_RunDisabledWithoutTransport(t *testing.T) {
	t.Parallel()

	reconciler := NewReconciler(memory.NewUndeliveredEventRepository(), nil, WithLogger(quietLogger()))
	done := make(chan struct{})
	go func() {
		reconciler.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when transport is nil")
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewUndeliveredEventRepository()
	seedUndelivered(t, repo, 4)
	transport := &stubTransport{}
	reconciler := NewReconciler(repo, transport, WithLogger(quietLogger()), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconciler.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for transport.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("reconciler did not process the backlog")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestReconciler_RetryBackoff(t *testing.T) {
	t.Parallel()

	reconciler := NewReconciler(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	if got := reconciler.retryBackoff(1); got != 10*time.Millisecond {
		t.Fatalf("unexpected first backoff %s", got)
	}
	if got := reconciler.retryBackoff(3); got != 40*time.Millisecond {
		t.Fatalf("unexpected third backoff %s", got)
	}
}

type stubTransport struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Send(_ context.Context, _ domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type stubDLQ struct {
	mu        sync.Mutex
	callCount int
	topic     string
	key       string
	event     interface{}
}

func (s *stubDLQ) PublishEvent(topic string, key string, event interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	s.topic = topic
	s.key = key
	s.event = event
	return nil
}

func (s *stubDLQ) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}
