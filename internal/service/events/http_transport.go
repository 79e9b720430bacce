package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultHTTPAttempts       = 3
	defaultHTTPAttemptTimeout = 5 * time.Second
	defaultHTTPBaseDelay      = 100 * time.Millisecond

	// HeaderCorrelationID пробрасывает correlation id потребителю.
	HeaderCorrelationID = "x-correlation-id"
)

// HTTPTransportOptions задаёт политику повторов прямой доставки.
type HTTPTransportOptions struct {
	Attempts       int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	Client         *http.Client
}

// HTTPTransport доставляет события напрямую в stock-service: POST {baseURL}/events.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	opts     HTTPTransportOptions
}

// NewHTTPTransport создаёт транспорт. baseURL задаёт адрес stock-service без завершающего слеша.
func NewHTTPTransport(baseURL string, opts HTTPTransportOptions) *HTTPTransport {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultHTTPAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultHTTPAttemptTimeout
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + "/events",
		client:   client,
		opts:     opts,
	}
}

// Name возвращает имя транспорта.
func (t *HTTPTransport) Name() string {
	return "http"
}

// errRejected помечает окончательный отказ потребителя (4xx).
var errRejected = errors.New("event rejected by consumer")

// Send повторяет сетевые ошибки и 5xx с экспоненциальной паузой; 4xx не повторяется.
func (t *HTTPTransport) Send(ctx context.Context, event domain.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.opts.Attempts; attempt++ {
		lastErr = t.post(ctx, body, event.CorrelationID)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errRejected) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == t.opts.Attempts {
			break
		}

		delay := t.opts.BaseDelay << (attempt - 1)
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: delivery failed after %d attempts: %v", domain.ErrTransient, t.opts.Attempts, lastErr)
}

func (t *HTTPTransport) post(ctx context.Context, body []byte, correlationID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("stock service answered %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	default:
		return fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

// IsRejected сообщает, что потребитель окончательно отказал в приёме события.
func IsRejected(err error) bool {
	return errors.Is(err, errRejected)
}

var _ domain.EventTransport = (*HTTPTransport)(nil)
