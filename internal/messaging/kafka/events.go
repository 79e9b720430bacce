package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "fulfillment.order.events"
	TopicDeadLetterQueue = "fulfillment.dlq" // Dead Letter Queue для событий, которые склад не смог применить
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderCorrelationID = "x-correlation-id"
	HeaderDetailType    = "detail-type"
)

// Причины попадания в DLQ
const (
	DLQReasonRejected            = "rejected"
	DLQReasonExhausted           = "retries_exhausted"
	DLQReasonRedeliveryExhausted = "redelivery_exhausted"
)

// DeadLetter описывает тело сообщения в DLQ: исходная запись плюс причина отказа.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	CorrelationID     string `json:"correlation_id,omitempty"`
	Reason            string `json:"reason"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

func newDeadLetter(message *sarama.ConsumerMessage, reason string, cause error, attempts int) DeadLetter {
	return DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		CorrelationID:     headerValue(message, HeaderCorrelationID),
		Reason:            reason,
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        attempts,
	}
}

// ParseDomainEvent разбирает конверт события. Битое тело считается бизнес-отказом,
// повтор его не исправит.
func ParseDomainEvent(message *sarama.ConsumerMessage) (domain.DomainEvent, error) {
	var event domain.DomainEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return domain.DomainEvent{}, fmt.Errorf("%w: unmarshal event envelope: %v", domain.ErrInvalidInput, err)
	}
	if event.DetailType == "" {
		event.DetailType = headerValue(message, HeaderDetailType)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = headerValue(message, HeaderCorrelationID)
	}
	return event, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
