package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxPollRecords bounds the batch handed to the handler
	MaxPollRecords int
	SessionTimeout time.Duration
	// StartOffset is "earliest" or "latest" for groups without commits
	StartOffset string
	// RetryBackoff is the pause after a failed batch before it is retried
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the audit archiver
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "audit-archiver",
		Topics:         []string{TopicAuditTrail},
		MaxPollRecords: 500,
		SessionTimeout: 30 * time.Second,
		StartOffset:    "earliest",
		RetryBackoff:   time.Second,
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	// Context carries the producer's trace when the record had one
	Context context.Context
}

// BatchHandler processes one polled batch. Offsets are committed only when it
// returns nil; otherwise the same batch is handed over again.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// ConsumedCounter receives the number of records committed
type ConsumedCounter interface {
	Consumed(n int)
}

// Consumer reads batches from a consumer group with manual commits
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler
	counter ConsumedCounter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	messagesRead   int64
	errorCount     int64
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, counter ConsumedCounter, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("group id and topics are required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		// batches are committed before the next poll, so a revoke has
		// nothing outstanding
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		counter: counter,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop stops polling, waits for the in-flight batch and closes the client
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

// processBatch hands records to the handler until it succeeds or the
// consumer stops, then commits
func (c *Consumer) processBatch(records []*kgo.Record) {
	msgs := make([]*ConsumedMessage, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(c.ctx, r))
	}

	for {
		ctx, span := c.tracer.Start(c.ctx, "consume_batch",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.Int("batch_size", len(msgs))))
		err := c.handler(ctx, msgs)
		if err == nil {
			span.End()
			break
		}
		span.RecordError(err)
		span.End()
		c.incrementErrorCount()
		c.logger.Error("batch handler failed, retrying",
			zap.Int("batch_size", len(msgs)),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.RetryBackoff):
		}
	}

	if err := c.client.CommitRecords(c.ctx, records...); err != nil {
		c.logger.Error("failed to commit offsets", zap.Error(err))
		c.incrementErrorCount()
		return
	}

	c.mu.Lock()
	c.messagesRead += int64(len(records))
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
	if c.counter != nil {
		c.counter.Consumed(len(records))
	}
}

func toMessage(ctx context.Context, r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Context:   extractTraceContext(ctx, r),
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommitTime,
	}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
