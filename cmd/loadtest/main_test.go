package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/breaker"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
)

type fakeOrderClient struct {
	createFn func(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (int64, string, error)
	asyncFn  func(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (string, error)
	getFn    func(ctx context.Context, userID, orderID int64) (string, error)
}

func (f *fakeOrderClient) CreateOrder(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (int64, string, error) {
	if f.createFn == nil {
		return 0, "", errors.New("create not implemented")
	}
	return f.createFn(ctx, userID, correlationID, body)
}

func (f *fakeOrderClient) CreateOrderAsync(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (string, error) {
	if f.asyncFn == nil {
		return "", errors.New("async not implemented")
	}
	return f.asyncFn(ctx, userID, correlationID, body)
}

func (f *fakeOrderClient) GetOrder(ctx context.Context, userID, orderID int64) (string, error) {
	if f.getFn == nil {
		return "", errors.New("get not implemented")
	}
	return f.getFn(ctx, userID, orderID)
}

// newOrderServer поднимает настоящий HTTP API заказов поверх memory-хранилища.
func newOrderServer(t *testing.T) (*httptest.Server, *memory.OrderRepository, *memory.WorkQueue) {
	t.Helper()

	quiet := log.New()
	quiet.SetLevel(log.PanicLevel)
	logger := log.NewEntry(quiet)

	repo := memory.NewOrderRepository().WithUsers(1, 2, 3)
	queue := memory.NewWorkQueue(time.Minute)
	payments := payment.NewGuardedGateway(payment.NewMockGateway(0), breaker.DefaultOptions(), logger, nil)
	manager := order.NewManager(repo, payments, order.WithLogger(logger), order.WithQueue(queue))

	server := httptest.NewServer(httpapi.NewRouter(logger, time.Second, httpapi.NewOrderHandler(manager, logger)))
	t.Cleanup(server.Close)
	return server, repo, queue
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]loadMode{"sync": modeSync, " sync-read ": modeSyncRead, "async": modeAsync} {
		got, err := parseMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := parseMode("create-pay")
	assert.ErrorContains(t, err, "unsupported mode")
}

func TestParseOptions(t *testing.T) {
	t.Run("count mode", func(t *testing.T) {
		cfg, err := parseOptions([]string{
			"-addr=http://127.0.0.1:8080/",
			"-mode=sync-read",
			"-total=12",
			"-concurrency=3",
			"-timeout=2s",
			"-user-id=5",
			"-user-spread=4",
			"-product-id=9",
			"-price=19.99",
			"-output=/tmp/out.json",
		})
		require.NoError(t, err)

		assert.True(t, cfg.totalSet)
		assert.Equal(t, "http://127.0.0.1:8080", cfg.addr)
		assert.Equal(t, modeSyncRead, cfg.mode)
		assert.Equal(t, []int64{12, 3, 5, 4, 9}, []int64{int64(cfg.total), int64(cfg.concurrency), cfg.userID, int64(cfg.userSpread), cfg.productID})
		assert.True(t, cfg.price.Equal(decimal.RequireFromString("19.99")), cfg.price.String())
		assert.Equal(t, 2*time.Second, cfg.timeout)
		assert.Equal(t, "/tmp/out.json", cfg.outputPath)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseOptions(nil)
		require.NoError(t, err)

		assert.Equal(t, modeSync, cfg.mode)
		assert.Equal(t, "10", cfg.price.String())
		assert.False(t, cfg.totalSet)
		assert.Equal(t, "count:400", runTarget(cfg))
	})

	t.Run("duration mode", func(t *testing.T) {
		cfg, err := parseOptions([]string{"-duration=3s", "-concurrency=2"})
		require.NoError(t, err)

		assert.Equal(t, 3*time.Second, cfg.duration)
		assert.False(t, cfg.totalSet, "-total was not given")
		assert.Equal(t, "duration:3s", runTarget(cfg))
	})

	rejected := map[string][]string{
		"-duration":              {"-duration=bad"},
		"duration must be >= 0":  {"-duration=-1s"},
		"total must be > 0":      {"-duration=1s", "-total=0"},
		"-price":                 {"-price=abc"},
		"price must be > 0":      {"-price=0"},
		"user-spread":            {"-user-spread=0"},
		"unsupported mode":       {"-mode=create-pay"},
		"concurrency must be":    {"-concurrency=0"},
		"product-id must be > 0": {"-product-id=-2"},
	}
	for wantErr, args := range rejected {
		t.Run(wantErr, func(t *testing.T) {
			_, err := parseOptions(args)
			assert.ErrorContains(t, err, wantErr)
		})
	}
}

func TestScenarioIndexes(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, slices.Collect(scenarioIndexes(ctx, config{total: 5})))
	assert.Len(t, slices.Collect(scenarioIndexes(ctx, config{duration: time.Second, total: 3, totalSet: true})), 3)

	count := 0
	for range scenarioIndexes(ctx, config{duration: 30 * time.Millisecond, total: 1}) {
		count++
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, count, 2, "implicit total must not cap a timed run")
	assert.LessOrEqual(t, count, 10)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Empty(t, slices.Collect(scenarioIndexes(canceled, config{total: 5})))
}

func TestRun_RespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	client := &fakeOrderClient{
		createFn: func(context.Context, int64, string, createOrderRequest) (int64, string, error) {
			now := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return 1, "paid", nil
		},
	}

	cfg := config{mode: modeSync, total: 20, concurrency: 3, timeout: time.Second, userID: 1, userSpread: 1, productID: 1, price: decimal.NewFromInt(1)}
	result := run(context.Background(), cfg, client)

	assert.EqualValues(t, 20, result.TotalScenarios)
	assert.Zero(t, result.FailedScenarios)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCollector_BuildReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioMethod, 10*time.Millisecond, codeOK)
	c.record(scenarioMethod, 20*time.Millisecond, "500")
	c.record("CreateOrder", 15*time.Millisecond, codeOK)

	scenarios, ok := c.method(scenarioMethod)
	require.True(t, ok)
	assert.Equal(t, methodReport{
		Calls:     2,
		Success:   1,
		Failed:    1,
		ErrorRate: 0.5,
		Codes:     map[string]int64{codeOK: 1, "500": 1},
		LatencyMs: summarize([]float64{10, 20}),
	}, scenarios)

	_, ok = c.method("GetOrder")
	assert.False(t, ok)

	r := c.buildReport(time.Now(), 2*time.Second)
	assert.EqualValues(t, 2, r.TotalScenarios)
	assert.EqualValues(t, 1, r.FailedScenarios)
	assert.InDelta(t, 1.0, r.RPS, 1e-9)
	assert.Contains(t, r.Methods, "CreateOrder")
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, codeOK, resultCode(nil))
	assert.Equal(t, "409", resultCode(fmt.Errorf("create: %w", &statusError{status: http.StatusConflict})))
	assert.Equal(t, codeTransportError, resultCode(context.DeadlineExceeded))
}

func TestSummarize(t *testing.T) {
	summary := summarize([]float64{40, 10, 30, 20})
	assert.Equal(t, 10.0, summary.Min)
	assert.Equal(t, 40.0, summary.Max)
	assert.Equal(t, 25.0, summary.Avg)
	assert.Equal(t, 25.0, summary.P50)
	assert.InDelta(t, 38.5, summary.P95, 1e-9)

	assert.Equal(t, latencySummary{Min: 7, Max: 7, Avg: 7, P50: 7, P95: 7, P99: 7}, summarize([]float64{7}))
	assert.Equal(t, latencySummary{}, summarize(nil))

	assert.Equal(t, 0.25, ratio(1, 4))
	assert.Zero(t, ratio(1, 0))
}

func TestRunTarget(t *testing.T) {
	assert.Equal(t, "count:50", runTarget(config{total: 50}))
	assert.Equal(t, "duration:2s,max-total:10", runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}))
	assert.Equal(t, "duration:1m0s", runTarget(config{duration: time.Minute, total: 400}))
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 2, SuccessScenarios: 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 2, decoded.SuccessScenarios)

	assert.ErrorContains(t, writeJSONReport("../escape.json", report{}), "inside the working directory")
	assert.ErrorContains(t, writeJSONReport(".", report{}), "must name a file")
}

func TestHTTPOrderClient_AgainstOrderAPI(t *testing.T) {
	server, repo, queue := newOrderServer(t)
	client := newHTTPOrderClient(server.URL, 2)
	ctx := context.Background()
	body := createOrderRequest{Items: []orderItem{{ProductID: 4, Quantity: 2, Price: decimal.RequireFromString("5.50")}}}

	id, paymentStatus, err := client.CreateOrder(ctx, 1, "corr-load", body)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, "paid", paymentStatus)

	tracking, err := client.GetOrder(ctx, 1, id)
	require.NoError(t, err)
	assert.Equal(t, "placed", tracking)

	_, err = client.GetOrder(ctx, 2, id)
	assert.Equal(t, "404", resultCode(err), "foreign order")

	messageID, err := client.CreateOrderAsync(ctx, 1, "corr-async", body)
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)
	assert.Equal(t, 1, queue.Len())

	declined := createOrderRequest{Items: []orderItem{{ProductID: 4, Quantity: 1, Price: decimal.RequireFromString("123.45")}}}
	_, _, err = client.CreateOrder(ctx, 1, "", declined)
	assert.Equal(t, "500", resultCode(err))
	assert.Equal(t, 1, repo.Count(), "declined order is not stored")
}

func TestRunScenario(t *testing.T) {
	c := newCollector()

	var gotUsers []int64
	client := &fakeOrderClient{
		createFn: func(_ context.Context, userID int64, correlationID string, body createOrderRequest) (int64, string, error) {
			gotUsers = append(gotUsers, userID)
			assert.True(t, strings.HasPrefix(correlationID, "lt-run-1-"), correlationID)
			assert.Equal(t, []orderItem{{ProductID: 7, Quantity: defaultQty, Price: decimal.RequireFromString("1.00")}}, body.Items)
			return 11, "paid", nil
		},
		getFn: func(_ context.Context, _, orderID int64) (string, error) {
			assert.EqualValues(t, 11, orderID)
			return "placed", nil
		},
		asyncFn: func(context.Context, int64, string, createOrderRequest) (string, error) {
			return "msg-1", nil
		},
	}

	cfg := config{mode: modeSyncRead, timeout: time.Second, userID: 10, userSpread: 2, productID: 7, price: decimal.RequireFromString("1.00")}
	for i := range 3 {
		require.NoError(t, runScenario(client, cfg, i, "run-1", c))
	}
	assert.Equal(t, []int64{10, 11, 10}, gotUsers, "users rotate through the spread")
	reads, ok := c.method("GetOrder")
	require.True(t, ok)
	assert.EqualValues(t, 3, reads.Calls)

	cfg.mode = modeAsync
	require.NoError(t, runScenario(client, cfg, 3, "run-1", c))

	cfg.mode = modeSync
	failing := &fakeOrderClient{
		createFn: func(context.Context, int64, string, createOrderRequest) (int64, string, error) {
			return 0, "", &statusError{status: http.StatusUnauthorized}
		},
	}
	assert.Equal(t, "401", resultCode(runScenario(failing, cfg, 4, "run-2", c)))

	emptyID := &fakeOrderClient{
		createFn: func(context.Context, int64, string, createOrderRequest) (int64, string, error) {
			return 0, "paid", nil
		},
	}
	assert.ErrorContains(t, runScenario(emptyID, cfg, 5, "run-3", c), "empty order id")

	scenarios, _ := c.method(scenarioMethod)
	assert.Equal(t, map[string]int64{codeOK: 4, "401": 1, "EMPTY_ORDER_ID": 1}, scenarios.Codes)
}

func TestPrintReport(t *testing.T) {
	r := report{
		TotalScenarios:   2,
		SuccessScenarios: 2,
		Methods: map[string]methodReport{
			scenarioMethod: {Calls: 2, Success: 2},
			"GetOrder":     {Calls: 2, Success: 2},
			"CreateOrder":  {Calls: 2, Success: 2},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, r, config{mode: modeSyncRead, total: 2})
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "fulfillment load test report\n"))
	assert.Contains(t, out, "mode=sync-read run=count:2 total=2 success=2 failed=0")
	assert.Less(t, strings.Index(out, "CreateOrder:"), strings.Index(out, "GetOrder:"), "methods are sorted")
	assert.NotContains(t, out, scenarioMethod+":")
}

func TestRunMain(t *testing.T) {
	t.Run("stores every scenario and writes the report", func(t *testing.T) {
		server, repo, _ := newOrderServer(t)
		outPath := filepath.Join(t.TempDir(), "main-report.json")
		var stdout, stderr bytes.Buffer

		code := runMain([]string{
			"-addr=" + server.URL,
			"-total=5",
			"-concurrency=2",
			"-user-spread=3",
			"-timeout=2s",
			"-output=" + outPath,
		}, &stdout, &stderr)

		assert.Zero(t, code, stderr.String())
		assert.FileExists(t, outPath)
		assert.Equal(t, 5, repo.Count())
		assert.Contains(t, stdout.String(), "total=5 success=5 failed=0")
	})

	t.Run("declined payments fail the run", func(t *testing.T) {
		server, repo, _ := newOrderServer(t)
		var stdout bytes.Buffer

		code := runMain([]string{"-addr=" + server.URL, "-total=2", "-price=123.45"}, &stdout, io.Discard)

		assert.Equal(t, 1, code)
		assert.Zero(t, repo.Count())
		assert.Contains(t, stdout.String(), "failed=2")
	})

	t.Run("invalid flags", func(t *testing.T) {
		var stderr bytes.Buffer
		assert.Equal(t, 1, runMain([]string{"-mode=bad"}, io.Discard, &stderr))
		assert.Contains(t, stderr.String(), "invalid config")
	})
}
