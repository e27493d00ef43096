package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/audit"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
)

type fakeWriter struct {
	mu       sync.Mutex
	stored   []*audit.Record
	calls    int
	reject   string
	failWith error
}

func (f *fakeWriter) WriteMany(_ context.Context, records []*audit.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return 0, f.failWith
	}
	for _, r := range records {
		if r.ID == f.reject {
			return 0, circuitbreaker.Permanent(errors.New("payload is not a JSON object"))
		}
	}
	f.stored = append(f.stored, records...)
	return len(records), nil
}

func message(t *testing.T, offset int64, value []byte) *redpanda.ConsumedMessage {
	t.Helper()
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicAuditTrail, Partition: 0, Offset: offset, Value: value}
}

func recordMessage(t *testing.T, offset int64, eventType string) (*redpanda.ConsumedMessage, *audit.Record) {
	t.Helper()
	rec, err := audit.NewRecord("doctor-1", eventType, map[string]any{"offset": offset}, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return message(t, offset, data), rec
}

func newTestArchiver(t *testing.T, w batchWriter) *archiver {
	t.Helper()
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("test-archive"), nil, zap.NewNop())
	require.NoError(t, err)
	return newArchiver(w, breaker, 2, zap.NewNop())
}

func TestArchiverStoresBatchAndSkipsMalformed(t *testing.T) {
	w := &fakeWriter{}
	a := newTestArchiver(t, w)

	m1, r1 := recordMessage(t, 1, "PRESCRIPTION_CREATED")
	m3, r3 := recordMessage(t, 3, "PRESCRIPTION_MODIFIED")
	msgs := []*redpanda.ConsumedMessage{
		m1,
		message(t, 2, []byte(`{"eventType":"PRESCRIPTION_CREATED"}`)),
		m3,
		message(t, 4, []byte(`not json`)),
	}

	require.NoError(t, a.Handle(context.Background(), msgs))
	require.Len(t, w.stored, 2)
	assert.Equal(t, r1.ID, w.stored[0].ID)
	assert.Equal(t, r3.ID, w.stored[1].ID)
	assert.Equal(t, 1, w.calls)
}

func TestArchiverIsolatesRejectedRecord(t *testing.T) {
	m1, _ := recordMessage(t, 1, "PRESCRIPTION_CREATED")
	m2, r2 := recordMessage(t, 2, "PRESCRIPTION_MODIFIED")
	m3, _ := recordMessage(t, 3, "PRESCRIPTION_DISCONTINUED")
	w := &fakeWriter{reject: r2.ID}
	a := newTestArchiver(t, w)

	require.NoError(t, a.Handle(context.Background(), []*redpanda.ConsumedMessage{m1, m2, m3}))
	require.Len(t, w.stored, 2)
	for _, r := range w.stored {
		assert.NotEqual(t, r2.ID, r.ID)
	}
	// one batch attempt, then one write per record
	assert.Equal(t, 4, w.calls)
}

func TestArchiverLeavesBatchUncommittedOnFailure(t *testing.T) {
	w := &fakeWriter{failWith: errors.New("no reachable servers")}
	a := newTestArchiver(t, w)

	m1, _ := recordMessage(t, 1, "PRESCRIPTION_CREATED")
	err := a.Handle(context.Background(), []*redpanda.ConsumedMessage{m1})
	require.Error(t, err)
	assert.False(t, circuitbreaker.IsPermanent(err))
}

func TestArchiverIgnoresEmptyBatch(t *testing.T) {
	w := &fakeWriter{}
	a := newTestArchiver(t, w)

	require.NoError(t, a.Handle(context.Background(), []*redpanda.ConsumedMessage{
		message(t, 1, []byte(`{}`)),
	}))
	assert.Zero(t, w.calls)
}
