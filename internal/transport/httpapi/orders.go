package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

// OrderHandler обслуживает /api/v1/orders.
type OrderHandler struct {
	orders *order.Manager
	logger *log.Entry
}

// NewOrderHandler создаёт обработчик заказов.
func NewOrderHandler(orders *order.Manager, logger *log.Entry) *OrderHandler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &OrderHandler{orders: orders, logger: logger.WithField("component", "order-http")}
}

// Register подключает маршруты.
func (h *OrderHandler) Register(r chi.Router) {
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Post("/async", h.createOrderAsync)
		r.Get("/", h.listOwn)
		r.Get("/all", h.listAll)
		r.Get("/{id}", h.getOrder)
		r.Put("/{id}/status", h.updateStatus)
	})
}

type createOrderRequest struct {
	Items json.RawMessage `json:"items"`
	domain.ShippingInfo
}

// items не ломает разбор, если клиент прислал не массив: такой заказ просто пустой.
func (req createOrderRequest) items() []domain.ItemInput {
	var items []domain.ItemInput
	if err := json.Unmarshal(req.Items, &items); err != nil {
		return nil
	}
	return items
}

type createOrderResponse struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"user_id"`
	TotalAmount   json.Number `json:"total_amount"`
	Status        int         `json:"status"`
	PaymentStatus string      `json:"payment_status"`
}

type orderItemView struct {
	ProductID int64       `json:"product_id"`
	Quantity  int         `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

type orderView struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	TotalAmount    json.Number     `json:"total_amount"`
	Status         int             `json:"status"`
	TrackingStatus string          `json:"tracking_status"`
	PaymentStatus  string          `json:"payment_status"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Items          []orderItemView `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	domain.ShippingInfo
}

func toView(o domain.Order) orderView {
	items := make([]orderItemView, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemView{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: json.Number(item.UnitPrice.StringFixed(2)),
		})
	}
	shipping := o.Shipping
	shipping.PaymentMethod = ""
	return orderView{
		ID:             o.ID,
		UserID:         o.UserID,
		TotalAmount:    json.Number(o.Total.StringFixed(2)),
		Status:         o.Status.LegacyCode(),
		TrackingStatus: o.Status.String(),
		PaymentStatus:  string(o.PaymentStatus),
		PaymentMethod:  o.PaymentMethod,
		TransactionID:  o.TransactionID,
		Items:          items,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		ShippingInfo:   shipping,
	}
}

func toViews(orders []domain.Order) []orderView {
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toView(o))
	}
	return views
}

func (h *OrderHandler) decodeCreate(w http.ResponseWriter, r *http.Request) (createOrderRequest, bool) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return req, false
	}
	return req, true
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	correlationID := CorrelationFromContext(ctx)

	created, err := h.orders.PlaceOrder(ctx, IdentityFromContext(ctx), req.items(), req.ShippingInfo, correlationID)
	if err != nil {
		writeError(w, h.logger.WithField("correlation_id", correlationID), err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		ID:            created.ID,
		UserID:        created.UserID,
		TotalAmount:   json.Number(created.Total.StringFixed(2)),
		Status:        created.Status.LegacyCode(),
		PaymentStatus: string(created.PaymentStatus),
	})
}

func (h *OrderHandler) createOrderAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	correlationID := CorrelationFromContext(ctx)

	messageID, err := h.orders.Enqueue(ctx, IdentityFromContext(ctx), req.items(), req.ShippingInfo, correlationID)
	if err != nil {
		writeError(w, h.logger.WithField("correlation_id", correlationID), err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Order queued for processing",
		"messageId":     messageID,
		"correlationId": correlationID,
	})
}

func (h *OrderHandler) listOwn(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListForUser(r.Context(), IdentityFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toViews(orders))
}

func (h *OrderHandler) listAll(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListAll(r.Context(), IdentityFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toViews(orders))
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	found, err := h.orders.Get(r.Context(), IdentityFromContext(r.Context()), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(found))
}

type updateStatusRequest struct {
	Status json.Number `json:"status"`
}

func (h *OrderHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid status value")
		return
	}
	code, err := strconv.Atoi(req.Status.String())
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid status value")
		return
	}

	ctx := r.Context()
	updated, err := h.orders.UpdateStatus(ctx, IdentityFromContext(ctx), id, code, CorrelationFromContext(ctx))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Order status updated successfully",
		"orderId":        updated.ID,
		"status":         updated.Status.LegacyCode(),
		"trackingStatus": updated.Status.String(),
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", domain.ErrInvalidInput, raw)
	}
	return id, nil
}
