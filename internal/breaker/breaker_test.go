package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

var errBoom = errors.New("boom")

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return logger.WithField("component", "breaker-test")
}

func fallbackValue(_ context.Context, _ error) string { return "fallback" }

func newTestBreaker(opts Options) *Breaker[string] {
	return Guard("test", opts, fallbackValue,
		WithLogger(loggerForTests()),
		WithMetrics(metrics.NewPipelineMetricsWithRegisterer(prometheus.NewRegistry())),
	)
}

func succeed(_ context.Context) (string, error) { return "ok", nil }
func fail(_ context.Context) (string, error)    { return "", errBoom }

func TestBreaker_PassesThroughOnSuccess(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	got, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpensAndShortCircuits(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	got, err := b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "fallback", got)
	assert.Equal(t, "open", b.State())

	var calls int32
	for i := 0; i < 5; i++ {
		got, err = b.Execute(context.Background(), func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		})
		require.ErrorIs(t, err, ErrOpen)
		assert.Equal(t, "fallback", got)
	}
	assert.Zero(t, atomic.LoadInt32(&calls), "open breaker must not invoke the guarded function")
}

func TestBreaker_RespectsMinRequests(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute, MinRequests: 4})

	_, _ = b.Execute(context.Background(), fail)
	_, _ = b.Execute(context.Background(), succeed)
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, "closed", b.State(), "three calls are below the volume threshold")

	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_BelowThresholdStaysClosed(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute, MinRequests: 4})

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), succeed)
		require.NoError(t, err)
	}
	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, "closed", b.State(), "25% failures is below a 50% threshold")
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b := newTestBreaker(Options{Timeout: 20 * time.Millisecond, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	got, err := b.Execute(context.Background(), func(ctx context.Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "fallback", got)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_TimeoutWhenFunctionIgnoresContext(t *testing.T) {
	b := newTestBreaker(Options{Timeout: 20 * time.Millisecond, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := b.Execute(context.Background(), func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: 30 * time.Millisecond})

	_, _ = b.Execute(context.Background(), fail)
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "half-open", b.State())

	got, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenTrialReopensOnFailure(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: 30 * time.Millisecond})

	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(50 * time.Millisecond)

	_, err := b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: 30 * time.Millisecond})

	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(50 * time.Millisecond)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Execute(context.Background(), func(context.Context) (string, error) {
			close(trialStarted)
			<-releaseTrial
			return "ok", nil
		})
	}()

	<-trialStarted
	got, err := b.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, ErrOpen, "second call during the trial call must be rejected")
	assert.Equal(t, "fallback", got)

	close(releaseTrial)
	wg.Wait()
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_InstancesDoNotShareState(t *testing.T) {
	first := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})
	second := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	_, _ = first.Execute(context.Background(), fail)
	require.Equal(t, "open", first.State())

	got, err := second.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestBreaker_NilFallbackReturnsZero(t *testing.T) {
	b := Guard[int]("zero", Options{Timeout: time.Second}, nil, WithLogger(loggerForTests()))

	got, err := b.Execute(context.Background(), func(context.Context) (int, error) { return 7, errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, got)
}

func TestBreaker_ExactlyAtThresholdStaysClosed(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	_, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "closed", b.State(), "50% failures do not exceed a 50% threshold")

	_, _ = b.Execute(context.Background(), fail)
	assert.Equal(t, "open", b.State(), "two of three calls failed")
}

func TestBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	got, err := b.Execute(ctx, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "fallback", got)
	assert.Equal(t, "closed", b.State())

	got, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestBreaker_CallerCancellationWithoutTimeout(t *testing.T) {
	b := newTestBreaker(Options{ErrorThresholdPct: 50, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_CallerCancellationDuringHalfOpenKeepsTrialSlot(t *testing.T) {
	b := newTestBreaker(Options{Timeout: time.Second, ErrorThresholdPct: 50, ResetTimeout: 30 * time.Millisecond})

	_, _ = b.Execute(context.Background(), fail)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "half-open", b.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Execute(ctx, func(ctx context.Context) (string, error) { return "", ctx.Err() })
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, "half-open", b.State(), "a canceled trial call neither closes nor reopens the breaker")

	_, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}
