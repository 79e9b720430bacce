package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

// StockHandler обслуживает /events и /api/v1/inventory.
type StockHandler struct {
	consumer *stock.Consumer
	ledger   *stock.Ledger
	logger   *log.Entry
}

// NewStockHandler создаёт обработчик склада.
func NewStockHandler(consumer *stock.Consumer, ledger *stock.Ledger, logger *log.Entry) *StockHandler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &StockHandler{consumer: consumer, ledger: ledger, logger: logger.WithField("component", "stock-http")}
}

// Register подключает маршруты.
func (h *StockHandler) Register(r chi.Router) {
	r.Post("/events", h.handleEvent)
	r.Route("/api/v1/inventory", func(r chi.Router) {
		r.Post("/reserve", h.reserve)
		r.Post("/release", h.release)
		r.Get("/{productId}", h.get)
		r.Put("/{productId}", h.set)
	})
}

func (h *StockHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid event payload")
		return
	}
	if event.CorrelationID == "" {
		event.CorrelationID = CorrelationFromContext(r.Context())
	}

	outcome, err := h.consumer.Handle(r.Context(), event)
	if err != nil {
		if domain.IsBusinessRejection(err) {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.WithError(err).WithField("correlation_id", event.CorrelationID).Error("event processing failed")
		writeMessage(w, http.StatusInternalServerError, "Event processing failed")
		return
	}

	switch outcome {
	case stock.OutcomeDuplicate:
		writeMessage(w, http.StatusOK, "Already processed")
	case stock.OutcomeIgnored:
		writeMessage(w, http.StatusOK, "Event ignored")
	default:
		writeMessage(w, http.StatusOK, "Event processed")
	}
}

type stockLineRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

func (h *StockHandler) decodeLine(w http.ResponseWriter, r *http.Request) (stockLineRequest, bool) {
	var req stockLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid input")
		return req, false
	}
	return req, true
}

func (h *StockHandler) reserve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Reserve(r.Context(), req.ProductID, req.Quantity); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Reserved", "productId": req.ProductID, "quantity": req.Quantity})
}

func (h *StockHandler) release(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLine(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Release(r.Context(), req.ProductID, req.Quantity); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Released", "productId": req.ProductID, "quantity": req.Quantity})
}

type stockView struct {
	ProductID    int64     `json:"product_id"`
	AvailableQty int       `json:"available_qty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *StockHandler) get(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	record, err := h.ledger.Get(r.Context(), productID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stockView{ProductID: record.ProductID, AvailableQty: record.Quantity, UpdatedAt: record.UpdatedAt})
}

func (h *StockHandler) set(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity.UserID <= 0 {
		writeError(w, h.logger, domain.ErrUnauthenticated)
		return
	}
	if !identity.IsAdmin() {
		writeMessage(w, http.StatusForbidden, "Admin role required")
		return
	}

	productID, err := pathID(r, "productId")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid input")
		return
	}

	record, err := h.ledger.SetStock(r.Context(), productID, req.Quantity)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stockView{ProductID: record.ProductID, AvailableQty: record.Quantity, UpdatedAt: record.UpdatedAt})
}
