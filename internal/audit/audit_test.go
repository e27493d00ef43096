package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
)

type memorySink struct {
	mu      sync.Mutex
	name    string
	err     error
	records []*Record
	ctxErr  error
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

type failureCount struct{ n atomic.Int64 }

func (f *failureCount) AuditFailure() { f.n.Add(1) }

// blockingSink holds every write until release is closed
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	memorySink
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		started:    make(chan struct{}, 16),
		release:    make(chan struct{}),
		memorySink: memorySink{name: "blocking"},
	}
}

func (s *blockingSink) Write(ctx context.Context, r *Record) error {
	s.started <- struct{}{}
	<-s.release
	return s.memorySink.Write(ctx, r)
}

func flush(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

var fixed = time.Date(2026, 10, 16, 10, 0, 0, 0, time.FixedZone("CST", -6*3600))

func TestRecordFansOut(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	failures := &failureCount{}
	r := NewRecorder(failures, nil, []Sink{a, b}, WithClock(func() time.Time { return fixed }))

	r.RecordDataModification(context.Background(), "actor-1", "PRESCRIPTION_CREATED",
		map[string]any{"prescriptionId": "rx-1"})
	flush(t, r)

	require.Len(t, a.records, 1)
	require.Len(t, b.records, 1)
	rec := a.records[0]
	assert.Same(t, rec, b.records[0])
	assert.Equal(t, "actor-1", rec.ActorID)
	assert.Equal(t, "PRESCRIPTION_CREATED", rec.EventType)
	assert.JSONEq(t, `{"prescriptionId":"rx-1"}`, string(rec.Payload))
	assert.Equal(t, time.UTC, rec.OccurredAt.Location())
	assert.True(t, rec.OccurredAt.Equal(fixed))
	assert.Zero(t, failures.n.Load())
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	broken := &memorySink{name: "broken", err: errors.New("disk full")}
	ok := &memorySink{name: "ok"}
	failures := &failureCount{}
	r := NewRecorder(failures, zap.New(core), []Sink{broken, ok})

	r.RecordDataModification(context.Background(), "actor-1", "PRESCRIPTION_MODIFIED", nil)
	flush(t, r)

	assert.Len(t, ok.records, 1)
	assert.Equal(t, int64(1), failures.n.Load())
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "broken", entry.ContextMap()["sink"])
}

func TestUnmarshalablePayloadCountsAsFailure(t *testing.T) {
	sink := &memorySink{name: "a"}
	failures := &failureCount{}
	r := NewRecorder(failures, nil, []Sink{sink})

	r.RecordDataModification(context.Background(), "actor-1", "X", map[string]any{"ch": make(chan int)})
	flush(t, r)

	assert.Empty(t, sink.records)
	assert.Equal(t, int64(1), failures.n.Load())
}

func TestCancelledRequestStillAudited(t *testing.T) {
	sink := &memorySink{name: "a"}
	r := NewRecorder(nil, nil, []Sink{sink})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.RecordDataModification(ctx, "actor-1", "X", map[string]string{})
	flush(t, r)

	assert.Len(t, sink.records, 1)
	assert.NoError(t, sink.ctxErr)
}

func TestSlowSinkDoesNotBlockCaller(t *testing.T) {
	sink := newBlockingSink()
	r := NewRecorder(nil, nil, []Sink{sink})

	returned := make(chan struct{})
	go func() {
		r.RecordDataModification(context.Background(), "actor-1", "PRESCRIPTION_CREATED", nil)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("RecordDataModification waited on the sink")
	}

	<-sink.started
	close(sink.release)
	flush(t, r)
	assert.Len(t, sink.records, 1)
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	sink := newBlockingSink()
	failures := &failureCount{}
	r := NewRecorder(failures, nil, []Sink{sink}, WithBuffer(1))

	r.RecordDataModification(context.Background(), "actor-1", "A", nil)
	<-sink.started // first record is in flight
	r.RecordDataModification(context.Background(), "actor-1", "B", nil)
	r.RecordDataModification(context.Background(), "actor-1", "C", nil)
	assert.Equal(t, int64(1), failures.n.Load())

	close(sink.release)
	flush(t, r)
	require.Len(t, sink.records, 2)
	assert.Equal(t, "A", sink.records[0].EventType)
	assert.Equal(t, "B", sink.records[1].EventType)
}

func TestRecordAfterCloseIsCounted(t *testing.T) {
	sink := &memorySink{name: "a"}
	failures := &failureCount{}
	r := NewRecorder(failures, nil, []Sink{sink})
	flush(t, r)
	flush(t, r)

	r.RecordDataModification(context.Background(), "actor-1", "X", nil)
	assert.Empty(t, sink.records)
	assert.Equal(t, int64(1), failures.n.Load())
}

func TestDecode(t *testing.T) {
	rec, err := NewRecord("actor-1", "PRESCRIPTION_DISCONTINUED", map[string]int{"n": 1}, fixed)
	require.NoError(t, err)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

type publishCall struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	err   error
	calls []publishCall
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.calls = append(p.calls, publishCall{topic, key, value})
	return p.err
}

func TestKafkaSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "audit.trail", nil)
	rec, err := NewRecord("actor-1", "PRESCRIPTION_CREATED", map[string]string{"a": "b"}, fixed)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), rec))
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "audit.trail", pub.calls[0].topic)
	assert.Equal(t, "actor-1", pub.calls[0].key)

	decoded, err := Decode(pub.calls[0].value)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, decoded.ID)
}

func TestKafkaSinkBreakerOpens(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("audit-kafka")
	cfg.FailureThreshold = 2
	cb, err := circuitbreaker.New(cfg, nil, nil)
	require.NoError(t, err)

	pub := &fakePublisher{err: errors.New("broker down")}
	sink := NewKafkaSink(pub, "audit.trail", cb)
	rec, err := NewRecord("actor-1", "X", nil, fixed)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Error(t, sink.Write(context.Background(), rec))
	}
	assert.ErrorIs(t, sink.Write(context.Background(), rec), circuitbreaker.ErrOpen)
	assert.Len(t, pub.calls, 2)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	rec, err := NewRecord("actor-1", "PRESCRIPTION_CREATED", map[string]string{}, fixed)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), rec))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "audit", logs.All()[0].LoggerName)
	assert.Equal(t, rec.ID, logs.All()[0].ContextMap()["audit_id"])
}
