// Package httpapi содержит HTTP-поверхность сервисов заказов и склада.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// HeaderCorrelationID сквозной идентификатор запроса.
	HeaderCorrelationID = "x-correlation-id"
	// HeaderUserID и HeaderUserRole заполняет API-шлюз после проверки токена.
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

type ctxKey int

const (
	correlationKey ctxKey = iota
	identityKey
)

// CorrelationID читает x-correlation-id или генерирует новый и возвращает его в ответе.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// CorrelationFromContext возвращает идентификатор корреляции запроса.
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// Identity переносит заголовки шлюза в контекст. Отсутствие пользователя не ошибка:
// решение принимает сервис.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := domain.Identity{Role: domain.RoleUser}
		if raw := strings.TrimSpace(r.Header.Get(HeaderUserID)); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				identity.UserID = id
			}
		}
		if role := strings.TrimSpace(r.Header.Get(HeaderUserRole)); role != "" {
			identity.Role = domain.Role(strings.ToUpper(role))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// IdentityFromContext возвращает идентичность вызывающего.
func IdentityFromContext(ctx context.Context) domain.Identity {
	identity, _ := ctx.Value(identityKey).(domain.Identity)
	return identity
}

// requestLogger пишет одну строку на запрос с correlation_id.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(log.Fields{
				"method":         r.Method,
				"path":           r.URL.Path,
				"status":         rec.status,
				"correlation_id": CorrelationFromContext(r.Context()),
			}).Debug("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
