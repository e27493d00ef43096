package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
)

// LogSink writes records to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, r *Record) error {
	s.logger.Info("data modification",
		zap.String("audit_id", r.ID),
		zap.String("actor_id", r.ActorID),
		zap.String("event_type", r.EventType),
		zap.Time("occurred_at", r.OccurredAt),
		zap.ByteString("payload", r.Payload))
	return nil
}

// Publisher sends one message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// KafkaSink publishes records keyed by actor so each actor's trail stays
// ordered within a partition
type KafkaSink struct {
	publisher Publisher
	topic     string
	breaker   *circuitbreaker.CircuitBreaker
}

// NewKafkaSink creates a broker sink. breaker may be nil.
func NewKafkaSink(publisher Publisher, topic string, breaker *circuitbreaker.CircuitBreaker) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic, breaker: breaker}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, r *Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	publish := func(ctx context.Context) error {
		return s.publisher.Publish(ctx, s.topic, r.ActorID, value)
	}
	if s.breaker == nil {
		return publish(ctx)
	}
	return s.breaker.Execute(ctx, publish)
}
