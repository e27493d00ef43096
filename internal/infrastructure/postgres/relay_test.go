package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryRelayStore struct {
	entries  []*Entry
	locked   bool
	done     []int64
	attempts map[int64]string
}

func (s *memoryRelayStore) claim(_ context.Context, maxAttempts, limit int, fn func([]*Entry)) error {
	if s.locked {
		return nil
	}
	var batch []*Entry
	for _, e := range s.entries {
		if e.Attempts < maxAttempts && len(batch) < limit {
			batch = append(batch, e)
		}
	}
	if len(batch) > 0 {
		fn(batch)
	}
	return nil
}

func (s *memoryRelayStore) relayed(_ context.Context, id int64) error {
	s.done = append(s.done, id)
	return nil
}

func (s *memoryRelayStore) failed(_ context.Context, id int64, cause string) error {
	if s.attempts == nil {
		s.attempts = map[int64]string{}
	}
	s.attempts[id] = cause
	return nil
}

type published struct {
	topic, key string
}

type recordingPublisher struct {
	sent   []published
	refuse map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	if p.refuse[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic, key})
	return nil
}

func entry(id int64, eventType, key string) *Entry {
	return &Entry{
		ID:          id,
		AggregateID: "rx-" + key,
		EventType:   eventType,
		Payload:     json.RawMessage(`{}`),
		Topic:       "prescription.events",
		Key:         key,
	}
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.Routes = Router{
		"PrescriptionCreated":      "prescription.created",
		"PrescriptionDiscontinued": "prescription.discontinued",
	}
	return cfg
}

func TestRouterTopic(t *testing.T) {
	r := testRelayConfig().Routes
	assert.Equal(t, "prescription.created", r.Topic(entry(1, "PrescriptionCreated", "p1")))
	assert.Equal(t, "prescription.events", r.Topic(entry(2, "PrescriptionArchived", "p1")))
	assert.Equal(t, "prescription.events", Router(nil).Topic(entry(3, "PrescriptionCreated", "p1")))
}

func TestRelayBatchRoutesByEventType(t *testing.T) {
	store := &memoryRelayStore{entries: []*Entry{
		entry(1, "PrescriptionCreated", "p1"),
		entry(2, "PrescriptionModified", "p1"),
		entry(3, "PrescriptionDiscontinued", "p2"),
	}}
	pub := &recordingPublisher{}
	r := newRelay(store, pub, testRelayConfig(), zap.NewNop())

	n, err := r.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []published{
		{"prescription.created", "p1"},
		{"prescription.events", "p1"},
		{"prescription.discontinued", "p2"},
	}, pub.sent)
	assert.Equal(t, []int64{1, 2, 3}, store.done)
}

func TestRelayBatchHoldsKeyAfterFailure(t *testing.T) {
	store := &memoryRelayStore{entries: []*Entry{
		entry(1, "PrescriptionCreated", "p1"),
		entry(2, "PrescriptionCreated", "p2"),
		entry(3, "PrescriptionModified", "p1"),
		entry(4, "PrescriptionModified", "p2"),
	}}
	pub := &recordingPublisher{refuse: map[string]bool{"p1": true}}
	r := newRelay(store, pub, testRelayConfig(), zap.NewNop())

	n, err := r.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{2, 4}, store.done)
	// entry 3 is never attempted while entry 1 is stuck
	assert.Equal(t, map[int64]string{1: "broker unavailable"}, store.attempts)
}

func TestRelayBatchSkipsWhenLocked(t *testing.T) {
	store := &memoryRelayStore{locked: true, entries: []*Entry{entry(1, "PrescriptionCreated", "p1")}}
	pub := &recordingPublisher{}
	r := newRelay(store, pub, testRelayConfig(), zap.NewNop())

	n, err := r.RelayBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.sent)
}

func TestDeadLetterPayloadKeepsRoutedTopic(t *testing.T) {
	last := "broker unavailable"
	e := entry(7, "PrescriptionDiscontinued", "p9")
	e.Attempts = 5
	e.LastError = &last
	e.CreatedAt = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	raw, err := DeadLetterPayload(e, testRelayConfig().Routes.Topic(e))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "prescription.discontinued", got["original_topic"])
	assert.Equal(t, "p9", got["key"])
	assert.Equal(t, float64(5), got["attempts"])
	assert.Equal(t, last, got["last_error"])
}
