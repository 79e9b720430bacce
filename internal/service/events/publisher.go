// Package events публикует доменные события после фиксации заказа.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Publisher собирает конверт и отправляет его через транспорт.
// Неудачная отправка попадает в журнал недоставленных событий.
type Publisher struct {
	transport   domain.EventTransport
	undelivered domain.UndeliveredEventRepository
	logger      *log.Entry
	metrics     *metrics.PipelineMetrics
	now         func() time.Time
}

// NewPublisher создаёт паблишер; undelivered может быть nil (тогда сбой только логируется).
func NewPublisher(transport domain.EventTransport, undelivered domain.UndeliveredEventRepository, logger *log.Entry, m *metrics.PipelineMetrics) *Publisher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Publisher{
		transport:   transport,
		undelivered: undelivered,
		logger:      logger.WithField("component", "event-publisher"),
		metrics:     m,
		now:         time.Now,
	}
}

// Publish отправляет событие. Ошибка возвращается вызывающему, но на ответ клиенту она не влияет:
// заказ уже зафиксирован.
func (p *Publisher) Publish(ctx context.Context, detailType string, detail any, correlationID string) error {
	if p == nil || p.transport == nil {
		return errors.New("event publisher is not configured")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	event, err := domain.NewDomainEvent(detailType, detail, correlationID, p.now())
	if err != nil {
		return err
	}

	return p.Send(ctx, event)
}

// Send отправляет готовый конверт.
func (p *Publisher) Send(ctx context.Context, event domain.DomainEvent) error {
	logger := p.logger.WithFields(log.Fields{
		"detail_type":    event.DetailType,
		"correlation_id": event.CorrelationID,
		"transport":      p.transport.Name(),
	})

	p.metrics.PublicationStarted()
	err := p.transport.Send(ctx, event)
	p.metrics.PublicationFinished()

	if err == nil {
		p.metrics.RecordEventPublished(p.transport.Name(), "sent")
		logger.WithField("partition_key", event.PartitionKey()).Info("event published")
		return nil
	}

	p.metrics.RecordEventPublished(p.transport.Name(), "failed")
	logger.WithError(err).Error("event publication failed")

	if p.undelivered != nil {
		record, recErr := p.undelivered.Record(context.WithoutCancel(ctx), domain.UndeliveredEvent{
			Event:     event,
			Transport: p.transport.Name(),
			LastError: err.Error(),
		})
		if recErr != nil {
			logger.WithError(recErr).Error("failed to record undelivered event")
		} else {
			logger.WithField("undelivered_id", record.ID).Warn("event recorded for reconciliation")
		}
	}

	return fmt.Errorf("publish %s: %w", event.DetailType, err)
}

// Transport возвращает транспорт паблишера (нужен сверщику).
func (p *Publisher) Transport() domain.EventTransport {
	return p.transport
}
