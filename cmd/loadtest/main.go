package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	codeOK             = "OK"
	codeTransportError = "TRANSPORT_ERROR"

	headerUserID        = "X-User-Id"
	headerUserRole      = "X-User-Role"
	headerCorrelationID = "x-correlation-id"

	defaultQty = 1

	scenarioMethod = "scenario"
)

type loadMode string

const (
	modeSync     loadMode = "sync"
	modeSyncRead loadMode = "sync-read"
	modeAsync    loadMode = "async"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	userID      int64
	userSpread  int
	productID   int64
	price       decimal.Decimal
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// collector копит коды ответов и задержки по каждому вызову API.
type collector struct {
	mu        sync.Mutex
	codes     map[string]map[string]int64
	latencies map[string][]float64
}

func newCollector() *collector {
	return &collector{
		codes:     make(map[string]map[string]int64),
		latencies: make(map[string][]float64),
	}
}

func (c *collector) record(method string, latency time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.codes[method] == nil {
		c.codes[method] = make(map[string]int64)
	}
	c.codes[method][code]++
	c.latencies[method] = append(c.latencies[method], float64(latency.Microseconds())/1000.0)
}

// method возвращает отчёт по одному вызову; ok=false, если вызовов не было.
func (c *collector) method(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methodLocked(name)
}

func (c *collector) methodLocked(name string) (methodReport, bool) {
	codes, ok := c.codes[name]
	if !ok {
		return methodReport{}, false
	}

	r := methodReport{Codes: maps.Clone(codes), LatencyMs: summarize(c.latencies[name])}
	for code, n := range codes {
		r.Calls += n
		if code == codeOK {
			r.Success += n
		}
	}
	r.Failed = r.Calls - r.Success
	r.ErrorRate = ratio(r.Failed, r.Calls)
	return r, true
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.codes)),
	}
	for name := range c.codes {
		result.Methods[name], _ = c.methodLocked(name)
	}

	if scenarios, ok := result.Methods[scenarioMethod]; ok {
		result.TotalScenarios = scenarios.Calls
		result.SuccessScenarios = scenarios.Success
		result.FailedScenarios = scenarios.Failed
		result.ErrorRate = scenarios.ErrorRate
		result.ScenarioLatencyMs = scenarios.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

func parseOptions(args []string) (config, error) {
	cfg := config{
		mode:  modeSync,
		price: decimal.RequireFromString("10.00"),
	}

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "order service base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration it caps the run only when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "scenarios in flight")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.Func("mode", "load mode: sync | sync-read | async", func(value string) (err error) {
		cfg.mode, err = parseMode(value)
		return err
	})
	fs.Int64Var(&cfg.userID, "user-id", 1, "first user id sent in X-User-Id")
	fs.IntVar(&cfg.userSpread, "user-spread", 1, "number of distinct users, starting at user-id")
	fs.Int64Var(&cfg.productID, "product-id", 1, "ordered product id")
	fs.Func("price", "unit price; 123.45 makes the mock gateway decline", func(value string) (err error) {
		cfg.price, err = decimal.NewFromString(strings.TrimSpace(value))
		return err
	})
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.totalSet = cfg.totalSet || f.Name == "total"
	})

	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")
	switch {
	case cfg.addr == "":
		return cfg, errors.New("addr is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.total <= 0 && (cfg.duration == 0 || cfg.totalSet):
		return cfg, errors.New("total must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.userID <= 0 || cfg.userSpread <= 0:
		return cfg, errors.New("user-id and user-spread must be > 0")
	case cfg.productID <= 0:
		return cfg, errors.New("product-id must be > 0")
	case !cfg.price.IsPositive():
		return cfg, errors.New("price must be > 0")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeSync, modeSyncRead, modeAsync:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// orderClient описывает вызовы HTTP API сервиса заказов, которые нагружает тест.
type orderClient interface {
	CreateOrder(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (int64, string, error)
	CreateOrderAsync(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (string, error)
	GetOrder(ctx context.Context, userID, orderID int64) (string, error)
}

type orderItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type createOrderRequest struct {
	Items []orderItem `json:"items"`
}

// statusError описывает ответ API с неуспешным статусом.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

type httpOrderClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPOrderClient(baseURL string, concurrency int) *httpOrderClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = concurrency
	return &httpOrderClient{baseURL: baseURL, client: &http.Client{Transport: transport}}
}

func (c *httpOrderClient) CreateOrder(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (int64, string, error) {
	var resp struct {
		ID            int64  `json:"id"`
		PaymentStatus string `json:"payment_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", userID, correlationID, body, http.StatusCreated, &resp); err != nil {
		return 0, "", err
	}
	return resp.ID, resp.PaymentStatus, nil
}

func (c *httpOrderClient) CreateOrderAsync(ctx context.Context, userID int64, correlationID string, body createOrderRequest) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders/async", userID, correlationID, body, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *httpOrderClient) GetOrder(ctx context.Context, userID, orderID int64) (string, error) {
	var resp struct {
		TrackingStatus string `json:"tracking_status"`
	}
	path := "/api/v1/orders/" + strconv.FormatInt(orderID, 10)
	if err := c.do(ctx, http.MethodGet, path, userID, "", nil, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.TrackingStatus, nil
}

func (c *httpOrderClient) do(ctx context.Context, method, path string, userID int64, correlationID string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUserID, strconv.FormatInt(userID, 10))
	req.Header.Set(headerUserRole, "USER")
	if correlationID != "" {
		req.Header.Set(headerCorrelationID, correlationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	if code := runMain(os.Args[1:], os.Stdout, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

// runMain возвращает код выхода: 1, если конфигурация неверна или хотя бы один сценарий упал.
func runMain(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseOptions(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := run(ctx, cfg, newHTTPOrderClient(cfg.addr, cfg.concurrency))
	printReport(stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "failed to write report: %v\n", err)
			return 1
		}
	}
	if result.FailedScenarios > 0 {
		return 1
	}
	return 0
}

// run гоняет сценарии не более чем по concurrency одновременно и собирает отчёт.
func run(ctx context.Context, cfg config, client orderClient) report {
	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for index := range scenarioIndexes(ctx, cfg) {
		g.Go(func() error {
			_ = runScenario(client, cfg, index, runID, col)
			return nil
		})
	}
	_ = g.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

// scenarioIndexes выдаёт номера сценариев: total штук или до истечения duration.
func scenarioIndexes(ctx context.Context, cfg config) iter.Seq[int] {
	return func(yield func(int) bool) {
		var deadline time.Time
		if cfg.duration > 0 {
			deadline = time.Now().Add(cfg.duration)
		}
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return
			}
			if deadline.IsZero() || cfg.totalSet {
				if i >= cfg.total {
					return
				}
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return
			}
			if !yield(i) {
				return
			}
		}
	}
}

func runScenario(client orderClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := codeOK
	defer func() {
		col.record(scenarioMethod, time.Since(scenarioStart), scenarioCode)
	}()

	userID := cfg.userID + int64(index%cfg.userSpread)
	correlationID := fmt.Sprintf("lt-%s-%d", runID, index)
	body := createOrderRequest{Items: []orderItem{{ProductID: cfg.productID, Quantity: defaultQty, Price: cfg.price}}}

	if cfg.mode == modeAsync {
		messageID, err := timed(col, "CreateOrderAsync", cfg.timeout, func(ctx context.Context) (string, error) {
			return client.CreateOrderAsync(ctx, userID, correlationID, body)
		})
		if err != nil {
			scenarioCode = resultCode(err)
			return err
		}
		if messageID == "" {
			scenarioCode = "EMPTY_MESSAGE_ID"
			return errors.New("async response returned empty message id")
		}
		return nil
	}

	orderID, err := timed(col, "CreateOrder", cfg.timeout, func(ctx context.Context) (int64, error) {
		id, _, err := client.CreateOrder(ctx, userID, correlationID, body)
		return id, err
	})
	if err != nil {
		scenarioCode = resultCode(err)
		return err
	}
	if orderID == 0 {
		scenarioCode = "EMPTY_ORDER_ID"
		return errors.New("create response returned empty order id")
	}

	if cfg.mode == modeSyncRead {
		_, err := timed(col, "GetOrder", cfg.timeout, func(ctx context.Context) (string, error) {
			return client.GetOrder(ctx, userID, orderID)
		})
		if err != nil {
			scenarioCode = resultCode(err)
			return err
		}
	}

	return nil
}

// timed выполняет один вызов API с собственным таймаутом и записывает его код и задержку под именем method.
func timed[T any](col *collector, method string, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	v, err := call(ctx)
	col.record(method, time.Since(start), resultCode(err))
	return v, err
}

// resultCode сворачивает ошибку в код для отчёта: HTTP-статус или TRANSPORT_ERROR.
func resultCode(err error) string {
	if err == nil {
		return codeOK
	}
	var se *statusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.status)
	}
	return codeTransportError
}

// writeJSONReport пишет отчёт с отступами. Относительный путь не может выходить за рабочий каталог.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || strings.HasSuffix(path, string(filepath.Separator)):
		return fmt.Errorf("report path %q must name a file", path)
	case !filepath.IsAbs(clean) && !filepath.IsLocal(clean):
		return fmt.Errorf("report path %q must stay inside the working directory", path)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "fulfillment load test report")
	_, _ = fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	l := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max)

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		m := result.Methods[name]
		_, _ = fmt.Fprintf(out, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return "count:" + strconv.Itoa(cfg.total)
	}
	target := "duration:" + cfg.duration.String()
	if cfg.totalSet {
		target += ",max-total:" + strconv.Itoa(cfg.total)
	}
	return target
}

// summarize считает min/max/avg и перцентили с линейной интерполяцией между соседями.
func summarize(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Sorted(slices.Values(values))

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	at := func(p float64) float64 {
		rank := p / 100 * float64(len(sorted)-1)
		lower := int(rank)
		if lower+1 >= len(sorted) {
			return sorted[lower]
		}
		return sorted[lower] + (sorted[lower+1]-sorted[lower])*(rank-float64(lower))
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: at(50),
		P95: at(95),
		P99: at(99),
	}
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
