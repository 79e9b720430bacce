package domain

import (
	"fmt"
	"time"
)

// ProcessedEvent описывает запись журнала идемпотентности потребителя событий.
// Ключ уникален: повторная вставка означает, что событие уже обработано.
type ProcessedEvent struct {
	Key         string
	ProcessedAt time.Time
}

// OrderPlacedKey строит ключ идемпотентности для OrderPlaced.
func OrderPlacedKey(orderID int64) string {
	return fmt.Sprintf("order-placed-%d", orderID)
}

// QueueMessageKey строит ключ идемпотентности заказа из идентификатора сообщения очереди.
func QueueMessageKey(messageID string) string {
	return "queue-" + messageID
}
