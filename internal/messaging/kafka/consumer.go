package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	// rejoinDelay выдерживается перед повторным Consume после сбойной сессии.
	rejoinDelay = time.Second
)

// ErrMessageNotHandled завершает сессию группы: сообщение не обработано и не ушло в DLQ,
// поэтому его offset (и все следующие) остаются незакоммиченными.
var ErrMessageNotHandled = errors.New("kafka message not handled")

// MessageHandler применяет одно сообщение. Ошибка запускает повторы или отправку в DLQ.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerConfig описывает группу потребителей и политику повторов.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// DLQ принимает мёртвые письма; без него необработанное сообщение останавливает партицию.
	DLQ        *Producer
	MaxRetries int
	RetryDelay time.Duration
	// Permanent отличает окончательные ошибки: они уходят в DLQ без повторов.
	Permanent func(error) bool
}

// Consumer читает топик событий заказов в составе группы потребителей.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
	retryDelay  time.Duration
	permanent   func(error) bool
	rejoin      time.Duration
}

// NewConsumer создает группу потребителей
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.GroupID, err)
	}

	return newConsumer(group, cfg, handler), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Permanent == nil {
		cfg.Permanent = domain.IsBusinessRejection
	}
	return &Consumer{
		consumer:    group,
		topics:      cfg.Topics,
		handler:     handler,
		logger:      log.WithField("component", "kafka-consumer"),
		dlqProducer: cfg.DLQ,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		permanent:   cfg.Permanent,
		rejoin:      rejoinDelay,
	}
}

// DefaultConsumerConfig задаёт три повтора с экспоненциальной паузой, бизнес-отказы сразу в DLQ.
func DefaultConsumerConfig(brokers []string, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:    brokers,
		GroupID:    groupID,
		Topics:     []string{TopicOrderEvents},
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
		Permanent:  domain.IsBusinessRejection,
	}
}

// Start подключает группу к топикам в фоне. После ребаланса или сбойной сессии группа подключается снова.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.joinLoop(ctx)
	go c.drainErrors()

	c.logger.WithField("topics", c.topics).Info("joined consumer group")
	return nil
}

func (c *Consumer) joinLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		err := c.consumer.Consume(ctx, c.topics, c)
		switch {
		case err == nil:
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		default:
			c.logger.WithError(err).Warn("consumer group session failed, rejoining")
			if sleepContext(ctx, c.rejoin) != nil {
				return
			}
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.consumer.Errors() {
		c.logger.WithError(err).Warn("consumer group error")
	}
}

// Stop покидает группу и ждёт фоновые циклы.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("left consumer group")
	return nil
}

// Setup и Cleanup нужны sarama.ConsumerGroupHandler. Состояния на сессию нет.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim применяет сообщения партиции по порядку и отмечает каждое после обработки.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		var message *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return nil
		case message = <-claim.Messages():
		}
		if message == nil {
			return nil
		}

		if err := c.handleMessageWithRetry(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}).Error("message neither applied nor dead-lettered")
			// Offset коммитится накопительно: отметка следующего сообщения перепрыгнула бы
			// через это. Сессия завершается, и группа перечитает партицию с него.
			return fmt.Errorf("%w: %s/%d offset %d: %v", ErrMessageNotHandled, message.Topic, message.Partition, message.Offset, err)
		}
		session.MarkMessage(message, "")
	}
}

// handleMessageWithRetry повторяет временные ошибки с экспоненциальной паузой,
// а окончательные и исчерпавшие попытки отправляет в DLQ.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	prior := c.getRetryCount(message)

	var (
		err    error
		reason = DLQReasonExhausted
	)
	attempt := prior
	for {
		err = c.handler(ctx, message)
		if err == nil {
			return nil
		}
		if c.permanent(err) {
			reason = DLQReasonRejected
			break
		}
		if attempt >= c.maxRetries {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempt,
			"max_retries": c.maxRetries,
		}).Warn("retrying message")

		if waitErr := sleepContext(ctx, c.backoff(attempt-prior)); waitErr != nil {
			return waitErr
		}
		attempt++
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, reason, err, attempt); dlqErr != nil {
		return fmt.Errorf("dead-letter %s/%d offset %d: %w", message.Topic, message.Partition, message.Offset, dlqErr)
	}
	c.logger.WithError(err).WithFields(log.Fields{
		"topic":       message.Topic,
		"reason":      reason,
		"retry_count": attempt,
	}).Warn("message dead-lettered")
	return nil
}

func (c *Consumer) backoff(step int) time.Duration {
	delay := c.retryDelay
	for i := 0; i < step && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getRetryCount читает уже израсходованные попытки. dlq-reprocess переносит их из письма,
// так что переигранное событие получает только оставшиеся попытки.
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(headerValue(message, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// sendToDLQ отправляет сообщение в Dead Letter Queue
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, reason string, processingErr error, attempts int) error {
	letter := newDeadLetter(message, reason, processingErr, attempts)
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), letter)
}

// DomainEventHandler адаптирует обработчик доменных событий к MessageHandler.
func DomainEventHandler(handle func(ctx context.Context, event domain.DomainEvent) error) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseDomainEvent(message)
		if err != nil {
			return err
		}
		return handle(ctx, event)
	}
}
