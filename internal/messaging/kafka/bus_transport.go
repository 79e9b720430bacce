package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// BusTransport публикует конверты доменных событий в Kafka topic.
type BusTransport struct {
	producer *Producer
	topic    string
}

// NewBusTransport создаёт транспорт событий поверх Kafka.
func NewBusTransport(producer *Producer, topic string) *BusTransport {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &BusTransport{
		producer: producer,
		topic:    topic,
	}
}

// Name возвращает имя транспорта для метрик и журнала недоставленных событий.
func (t *BusTransport) Name() string {
	return "kafka"
}

// Send публикует событие с ключом orderId, чтобы события одного заказа шли в одну партицию.
func (t *BusTransport) Send(ctx context.Context, event domain.DomainEvent) error {
	if t == nil || t.producer == nil {
		return fmt.Errorf("kafka bus transport is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	return t.producer.Publish(t.topic, event.PartitionKey(), payload, map[string]string{
		HeaderCorrelationID: event.CorrelationID,
		HeaderDetailType:    event.DetailType,
	})
}

var _ domain.EventTransport = (*BusTransport)(nil)
