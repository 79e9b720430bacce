package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
)

const (
	defaultLimit = 100
	defaultIdle  = 2 * time.Second

	// headerReplayOf указывает, из какого письма DLQ переиграно событие.
	headerReplayOf = "x-replay-of"
)

var knownReasons = []string{
	kafka.DLQReasonExhausted,
	kafka.DLQReasonRedeliveryExhausted,
	kafka.DLQReasonRejected,
}

type options struct {
	brokers     []string
	dlqTopic    string
	eventsTopic string
	reasons     []string
	detailType  string
	limit       int
	newestFirst bool
	idle        time.Duration
	execute     bool
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts    options
		brokers string
		reasons string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "Kafka brokers, comma-separated (fallback: KAFKA_BROKERS)")
	fs.StringVar(&opts.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.eventsTopic, "events-topic", kafka.TopicOrderEvents, "topic for letters without original_topic")
	fs.StringVar(&reasons, "reason", kafka.DLQReasonExhausted+","+kafka.DLQReasonRedeliveryExhausted, "letter reasons to replay, comma-separated, or all")
	fs.StringVar(&opts.detailType, "detail-type", "", "replay only events of this detail-type (OrderPlaced, OrderStatusUpdated)")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max letters to scan across all partitions")
	fs.BoolVar(&opts.newestFirst, "newest", false, "scan the newest letters of each partition")
	fs.DurationVar(&opts.idle, "idle", defaultIdle, "stop reading a partition after this much silence")
	fs.BoolVar(&opts.execute, "execute", false, "publish the events; without it only prints what would be replayed")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("KAFKA_BROKERS")
	}
	opts.brokers = splitList(brokers)
	if len(opts.brokers) == 0 {
		return options{}, errors.New("KAFKA_BROKERS (or -brokers) is required")
	}

	opts.dlqTopic = strings.TrimSpace(opts.dlqTopic)
	opts.eventsTopic = strings.TrimSpace(opts.eventsTopic)
	if opts.dlqTopic == "" || opts.eventsTopic == "" {
		return options{}, errors.New("dlq-topic and events-topic must not be empty")
	}
	if opts.limit <= 0 {
		return options{}, fmt.Errorf("limit must be positive, got %d", opts.limit)
	}
	if opts.idle <= 0 {
		return options{}, fmt.Errorf("idle must be positive, got %s", opts.idle)
	}

	if strings.EqualFold(strings.TrimSpace(reasons), "all") {
		opts.reasons = slices.Clone(knownReasons)
	} else {
		opts.reasons = splitList(reasons)
		for _, reason := range opts.reasons {
			if !slices.Contains(knownReasons, reason) {
				return options{}, fmt.Errorf("unknown reason %q (use %s or all)", reason, strings.Join(knownReasons, "|"))
			}
		}
	}
	if len(opts.reasons) == 0 {
		return options{}, errors.New("at least one reason is required")
	}

	switch opts.detailType {
	case "", domain.EventOrderPlaced, domain.EventOrderStatusUpdated:
	default:
		return options{}, fmt.Errorf("unsupported detail-type %q", opts.detailType)
	}
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// letterSource читает DLQ по разделам.
type letterSource interface {
	Partitions(topic string) ([]int32, error)
	Bounds(topic string, partition int32) (oldest, next int64, err error)
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	Publish(topic, key string, value []byte, headers map[string]string) error
}

type kafkaSource struct {
	client   sarama.Client
	consumer sarama.Consumer
}

func openSource(brokers []string) (*kafkaSource, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create dlq consumer: %w", err)
	}
	return &kafkaSource{client: client, consumer: consumer}, nil
}

func (s *kafkaSource) Partitions(topic string) ([]int32, error) {
	return s.client.Partitions(topic)
}

func (s *kafkaSource) Bounds(topic string, partition int32) (int64, int64, error) {
	oldest, err := s.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, err
	}
	next, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, err
	}
	return oldest, next, nil
}

func (s *kafkaSource) ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s *kafkaSource) Close() error {
	return errors.Join(s.consumer.Close(), s.client.Close())
}

// summary подводит итог прогона. skipped считается по причине пропуска.
type summary struct {
	scanned  int
	replayed int
	skipped  map[string]int
}

func (s summary) String() string {
	causes := make([]string, 0, len(s.skipped))
	for cause, n := range s.skipped {
		causes = append(causes, fmt.Sprintf("%s=%d", cause, n))
	}
	slices.Sort(causes)
	return fmt.Sprintf("scanned=%d replayed=%d skipped=[%s]", s.scanned, s.replayed, strings.Join(causes, " "))
}

const (
	skipMalformed  = "malformed"
	skipReason     = "reason"
	skipDetailType = "detail_type"
)

// replayer переигрывает мёртвые письма обратно в топик событий заказов.
// Без execute он только печатает кандидатов в out.
type replayer struct {
	opts      options
	source    letterSource
	publisher replayPublisher
	out       io.Writer
	logger    *log.Entry
}

func (r *replayer) Run(ctx context.Context) (summary, error) {
	result := summary{skipped: map[string]int{}}
	if r.opts.execute && r.publisher == nil {
		return result, errors.New("execute mode needs a publisher")
	}

	partitions, err := r.source.Partitions(r.opts.dlqTopic)
	if err != nil {
		return result, fmt.Errorf("list partitions of %s: %w", r.opts.dlqTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.opts.limit - result.scanned
		if budget <= 0 {
			break
		}
		if err := r.scanPartition(ctx, partition, budget, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int, result *summary) error {
	oldest, next, err := r.source.Bounds(r.opts.dlqTopic, partition)
	if err != nil {
		return fmt.Errorf("offsets of partition %d: %w", partition, err)
	}
	if next <= oldest {
		return nil
	}

	start := oldest
	if r.opts.newestFirst && next-int64(budget) > oldest {
		start = next - int64(budget)
	}
	pending := min(next-start, int64(budget))

	pc, err := r.source.ConsumePartition(r.opts.dlqTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idle)
	defer idle.Stop()

	for ; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition went idle before its last offset")
			return nil
		case consumerErr, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("read partition %d: %w", partition, consumerErr)
		case message, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			idle.Reset(r.opts.idle)
			result.scanned++
			if err := r.handle(message, result); err != nil {
				return err
			}
			if message.Offset+1 >= next {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(message *sarama.ConsumerMessage, result *summary) error {
	logger := r.logger.WithFields(log.Fields{
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	var letter kafka.DeadLetter
	if err := json.Unmarshal(message.Value, &letter); err != nil || letter.OriginalValue == "" {
		result.skipped[skipMalformed]++
		logger.Warn("letter has no replayable payload")
		return nil
	}
	if !slices.Contains(r.opts.reasons, letter.Reason) {
		result.skipped[skipReason]++
		return nil
	}

	var event domain.DomainEvent
	if err := json.Unmarshal([]byte(letter.OriginalValue), &event); err != nil {
		result.skipped[skipMalformed]++
		logger.WithError(err).Warn("letter carries a broken event envelope")
		return nil
	}
	if r.opts.detailType != "" && event.DetailType != r.opts.detailType {
		result.skipped[skipDetailType]++
		return nil
	}

	topic := letter.OriginalTopic
	if topic == "" {
		topic = r.opts.eventsTopic
	}
	key := letter.OriginalKey
	if key == "" {
		key = event.PartitionKey()
	}
	correlationID := event.CorrelationID
	if correlationID == "" {
		correlationID = letter.CorrelationID
	}

	if !r.opts.execute {
		_, _ = fmt.Fprintf(r.out, "would replay %d/%d %s key=%s reason=%s -> %s\n",
			message.Partition, message.Offset, event.DetailType, key, letter.Reason, topic)
		result.replayed++
		return nil
	}

	headers := map[string]string{
		kafka.HeaderCorrelationID: correlationID,
		kafka.HeaderDetailType:    event.DetailType,
		kafka.HeaderRetryCount:    strconv.Itoa(letter.RetryCount),
		headerReplayOf:            fmt.Sprintf("%s/%d/%d", r.opts.dlqTopic, message.Partition, message.Offset),
	}
	if err := r.publisher.Publish(topic, key, []byte(letter.OriginalValue), headers); err != nil {
		return fmt.Errorf("replay %d/%d: %w", message.Partition, message.Offset, err)
	}
	logger.WithFields(log.Fields{"topic": topic, "key": key}).Info("event replayed")
	result.replayed++
	return nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	source, err := openSource(opts.brokers)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	r := &replayer{
		opts:   opts,
		source: source,
		out:    out,
		logger: log.WithField("component", "dlq-reprocess"),
	}
	if opts.execute {
		producer, err := kafka.NewProducer(opts.brokers)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		r.publisher = producer
	}

	result, err := r.Run(ctx)
	mode := "dry-run"
	if opts.execute {
		mode = "execute"
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", mode, result)
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	_ = godotenv.Load()

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
