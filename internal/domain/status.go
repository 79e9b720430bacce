package domain

import (
	"fmt"
	"strings"
)

// OrderStatus перечисляет статусы отслеживания заказа. Других значений нет.
type OrderStatus int

const (
	OrderStatusPlaced    OrderStatus = 1
	OrderStatusPreparing OrderStatus = 2
	OrderStatusShipped   OrderStatus = 3
	OrderStatusDelivered OrderStatus = 4
	OrderStatusCancelled OrderStatus = 5
)

var statusNames = map[OrderStatus]string{
	OrderStatusPlaced:    "placed",
	OrderStatusPreparing: "preparing",
	OrderStatusShipped:   "shipped",
	OrderStatusDelivered: "delivered",
	OrderStatusCancelled: "cancelled",
}

// Valid проверяет, что статус входит в перечисление.
func (s OrderStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// LegacyCode возвращает числовой код статуса, который отдаёт HTTP API.
// Это единственное место, где статус переводится в число.
func (s OrderStatus) LegacyCode() int {
	return int(s)
}

// StatusFromLegacyCode переводит числовой код из API обратно в статус.
func StatusFromLegacyCode(code int) (OrderStatus, error) {
	status := OrderStatus(code)
	if !status.Valid() {
		return 0, fmt.Errorf("%w: unknown status code %d", ErrInvalidInput, code)
	}
	return status, nil
}

// ParseOrderStatus разбирает имя статуса отслеживания.
func ParseOrderStatus(name string) (OrderStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "canceled" {
		normalized = "cancelled"
	}
	for status, statusName := range statusNames {
		if statusName == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, name)
}
