package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status состояние зависимости в отчёте /healthz.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

const defaultCheckTimeout = 2 * time.Second

// Check результат одной проверки.
type Check struct {
	Status     Status `json:"status"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Checker проверяет одну зависимость. ctx ограничен таймаутом проверки.
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckFunc делает Checker из ping-функции: любая ошибка означает unhealthy.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	err := f(ctx)
	check := Check{Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Detail = err.Error()
	}
	return check
}

// BreakerState отражает состояние circuit breaker. Открытый брейкер деградирует сервис,
// но не снимает его с балансировки.
type BreakerState func() string

func (f BreakerState) Check(context.Context) Check {
	state := f()
	if state == "closed" {
		return Check{Status: StatusHealthy, Detail: state}
	}
	return Check{Status: StatusDegraded, Detail: state}
}

// Report тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	CheckedAt     time.Time        `json:"checked_at"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Unhealthy возвращает имена упавших проверок по алфавиту.
func (r Report) Unhealthy() []string {
	var names []string
	for _, name := range slices.Sorted(maps.Keys(r.Checks)) {
		if r.Checks[name].Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	return names
}

// Handler обслуживает /healthz и /readyz по набору проверок, заданному при создании.
type Handler struct {
	version  string
	started  time.Time
	timeout  time.Duration
	checkers map[string]Checker
}

func NewHandler(version string, checkers map[string]Checker) *Handler {
	return &Handler{
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		checkers: maps.Clone(checkers),
	}
}

// Evaluate запускает все проверки параллельно. Итоговый статус равен худшему из них.
func (h *Handler) Evaluate(ctx context.Context) Report {
	names := slices.Sorted(maps.Keys(h.checkers))
	results := make([]Check, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = h.checkers[name].Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:        StatusHealthy,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		CheckedAt:     time.Now().UTC(),
	}
	if len(names) > 0 {
		report.Checks = make(map[string]Check, len(names))
	}
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i].Status.severity() > report.Status.severity() {
			report.Status = results[i].Status
		}
	}
	return report
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Ready отвечает 503 со списком упавших зависимостей. Деградация готовность не снимает.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if down := h.Evaluate(r.Context()).Unhealthy(); len(down) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(down, ", ")))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Live отвечает 200, пока процесс обслуживает HTTP.
func Live(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
