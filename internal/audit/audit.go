// Package audit records data modifications. Delivery is best effort and
// asynchronous: a sink failure is logged and counted but never reaches the
// caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Record is one audited data modification
type Record struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actorId"`
	EventType  string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewRecord marshals payload into a record stamped with at
func NewRecord(actorID, eventType string, payload any, at time.Time) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return &Record{
		ID:         uuid.New().String(),
		ActorID:    actorID,
		EventType:  eventType,
		Payload:    data,
		OccurredAt: at.UTC(),
	}, nil
}

// ErrMalformed is returned by Decode for payloads that are not audit records
var ErrMalformed = errors.New("malformed audit record")

// Decode parses a record published by a Sink
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.ID == "" || r.EventType == "" || r.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: id, eventType and occurredAt are required", ErrMalformed)
	}
	return &r, nil
}

// Sink delivers records somewhere durable
type Sink interface {
	Name() string
	Write(ctx context.Context, r *Record) error
}

// FailureCounter is told about every failed or dropped delivery
type FailureCounter interface {
	AuditFailure()
}

var (
	// ErrQueueFull is counted when a record arrives while the delivery buffer is full
	ErrQueueFull = errors.New("audit queue full")
	// ErrClosed is counted for records that arrive after Close
	ErrClosed = errors.New("audit recorder closed")
)

// Recorder fans records out to its sinks from a background goroutine.
// Callers never wait on a sink.
type Recorder struct {
	sinks    []Sink
	failures FailureCounter
	logger   *zap.Logger
	tracer   trace.Tracer
	timeout  time.Duration
	buffer   int
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

type queued struct {
	rec    *Record
	parent trace.SpanContext
}

// Option configures a Recorder
type Option func(*Recorder)

// WithTimeout bounds each sink write. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

// WithBuffer sets how many records may wait for delivery
func WithBuffer(n int) Option {
	return func(r *Recorder) { r.buffer = n }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder and starts its delivery loop. failures may
// be nil. Call Close to flush pending records.
func NewRecorder(failures FailureCounter, logger *zap.Logger, sinks []Sink, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sinks:    sinks,
		failures: failures,
		logger:   logger,
		tracer:   otel.Tracer("audit"),
		timeout:  5 * time.Second,
		buffer:   256,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.buffer < 1 {
		r.buffer = 1
	}
	r.queue = make(chan queued, r.buffer)
	r.done = make(chan struct{})
	go r.run()
	return r
}

// RecordDataModification queues one record for every sink. It does not
// block: when the buffer is full the record is dropped and counted.
func (r *Recorder) RecordDataModification(ctx context.Context, actorID, eventType string, payload any) {
	_, span := r.tracer.Start(ctx, "audit.record",
		trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	rec, err := NewRecord(actorID, eventType, payload, r.now())
	if err != nil {
		r.fail(span, "", eventType, err)
		return
	}
	span.SetAttributes(attribute.String("audit_id", rec.ID))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(span, "", eventType, ErrClosed)
		return
	}
	select {
	case r.queue <- queued{rec: rec, parent: span.SpanContext()}:
	default:
		r.fail(span, "", eventType, ErrQueueFull)
	}
}

// Close stops accepting records and waits until the queued ones are
// delivered or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for q := range r.queue {
		r.deliver(q)
	}
}

func (r *Recorder) deliver(q queued) {
	ctx := trace.ContextWithSpanContext(context.Background(), q.parent)
	ctx, span := r.tracer.Start(ctx, "audit.deliver",
		trace.WithAttributes(
			attribute.String("event_type", q.rec.EventType),
			attribute.String("audit_id", q.rec.ID),
		))
	defer span.End()

	for _, s := range r.sinks {
		if err := r.write(ctx, s, q.rec); err != nil {
			r.fail(span, s.Name(), q.rec.EventType, err)
		}
	}
}

func (r *Recorder) write(ctx context.Context, s Sink, rec *Record) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return s.Write(ctx, rec)
}

func (r *Recorder) fail(span trace.Span, sink, eventType string, err error) {
	span.RecordError(err)
	if r.failures != nil {
		r.failures.AuditFailure()
	}
	r.logger.Error("audit record not delivered",
		zap.String("sink", sink),
		zap.String("event_type", eventType),
		zap.Error(err))
}
