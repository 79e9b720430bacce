package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventSource задаёт значение поля source для событий сервиса заказов.
const EventSource = "com.cloudretail.order"

const (
	// EventOrderPlaced публикуется после фиксации оплаченного заказа.
	EventOrderPlaced = "OrderPlaced"
	// EventOrderStatusUpdated публикуется после смены статуса отслеживания.
	EventOrderStatusUpdated = "OrderStatusUpdated"
)

// DomainEvent описывает конверт события. Имена JSON-полей фиксированы контрактом с потребителями.
type DomainEvent struct {
	DetailType    string          `json:"detail-type"`
	Source        string          `json:"source"`
	Time          time.Time       `json:"time"`
	Detail        json.RawMessage `json:"detail"`
	CorrelationID string          `json:"correlationId"`
}

// NewDomainEvent сериализует detail и собирает конверт.
func NewDomainEvent(detailType string, detail any, correlationID string, now time.Time) (DomainEvent, error) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("marshal %s detail: %w", detailType, err)
	}
	return DomainEvent{
		DetailType:    detailType,
		Source:        EventSource,
		Time:          now.UTC().Truncate(time.Millisecond),
		Detail:        payload,
		CorrelationID: correlationID,
	}, nil
}

// OrderPlacedDetail содержит полезную нагрузку OrderPlaced.
type OrderPlacedDetail struct {
	OrderID int64       `json:"orderId"`
	Items   []StockLine `json:"items"`
}

// OrderStatusUpdatedDetail содержит полезную нагрузку OrderStatusUpdated.
type OrderStatusUpdatedDetail struct {
	OrderID        int64  `json:"orderId"`
	UserID         int64  `json:"userId"`
	Status         int    `json:"status"`
	TrackingStatus string `json:"trackingStatus"`
}

// PartitionKey возвращает ключ упорядочивания для транспорта (id заказа, если он есть).
func (e DomainEvent) PartitionKey() string {
	var keyed struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(e.Detail, &keyed); err != nil || keyed.OrderID == 0 {
		return e.DetailType
	}
	return strconv.FormatInt(keyed.OrderID, 10)
}
