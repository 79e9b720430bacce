package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// DefaultRequestTimeout ограничивает обработку одного запроса.
const DefaultRequestTimeout = 30 * time.Second

// Registrar регистрирует маршруты одного сервиса.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter собирает chi-роутер с общими middleware.
func NewRouter(logger *log.Entry, timeout time.Duration, handlers ...Registrar) *chi.Mux {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(CorrelationID, Identity, requestLogger(logger.WithField("component", "http")))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	for _, h := range handlers {
		h.Register(r)
	}
	return r
}
