package app

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

var newKafkaProducer = kafka.NewProducer

// openProducer подключает producer, если заданы KAFKA_BROKERS. Без брокеров producer равен nil.
// Возвращаемая функция закрытия никогда не nil.
func openProducer(cfg Config, logger *log.Entry) (*kafka.Producer, func(), error) {
	noop := func() {}

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return nil, noop, nil
	}
	producer, err := newKafkaProducer(brokers)
	if err != nil {
		return nil, noop, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer connected")
	return producer, func() {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Warn("kafka producer close failed")
			return
		}
		logger.Info("kafka producer closed")
	}, nil
}

// newEventTransport выбирает транспорт событий по EVENT_TRANSPORT.
func newEventTransport(cfg Config, producer *kafka.Producer) (domain.EventTransport, error) {
	switch strings.ToLower(cfg.EventTransport) {
	case EventTransportHTTP, "":
		return events.NewHTTPTransport(cfg.StockServiceURL, events.HTTPTransportOptions{}), nil
	case EventTransportKafka:
		if producer == nil {
			return nil, fmt.Errorf("event transport %q requires a kafka producer", cfg.EventTransport)
		}
		return kafka.NewBusTransport(producer, kafka.TopicOrderEvents), nil
	default:
		return nil, fmt.Errorf("unsupported event transport %q", cfg.EventTransport)
	}
}
