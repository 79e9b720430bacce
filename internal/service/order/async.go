package order

import (
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// AsyncPayload описывает тело сообщения очереди async-заказов.
type AsyncPayload struct {
	UserID        int64               `json:"userId"`
	Role          domain.Role         `json:"role,omitempty"`
	Items         []domain.ItemInput  `json:"items"`
	TotalAmount   string              `json:"totalAmount,omitempty"`
	Shipping      domain.ShippingInfo `json:"shipping"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

// Identity восстанавливает идентичность отправителя из сообщения.
func (p AsyncPayload) Identity() domain.Identity {
	return domain.Identity{UserID: p.UserID, Role: p.Role}
}

// EncodeAsyncPayload сериализует тело сообщения.
func EncodeAsyncPayload(p AsyncPayload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal async payload: %w", err)
	}
	return body, nil
}

// DecodeAsyncPayload разбирает тело сообщения очереди.
func DecodeAsyncPayload(body []byte) (AsyncPayload, error) {
	var p AsyncPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return AsyncPayload{}, fmt.Errorf("%w: decode async payload: %v", domain.ErrInvalidInput, err)
	}
	return p, nil
}
