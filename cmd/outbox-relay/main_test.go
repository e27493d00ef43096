package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/config"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/postgres"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
)

type fakeOutbox struct {
	mu        sync.Mutex
	calls     map[string]int
	olderThan time.Duration
	failStats bool
}

func (f *fakeOutbox) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeOutbox) DeadLetter(context.Context) (int64, error) {
	f.record("dead_letter")
	return 2, nil
}

func (f *fakeOutbox) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.record("cleanup")
	f.olderThan = olderThan
	return 0, nil
}

func (f *fakeOutbox) Stats(context.Context) (*postgres.RelayStats, error) {
	f.record("stats")
	if f.failStats {
		return nil, errors.New("pool closed")
	}
	return &postgres.RelayStats{Pending: 3}, nil
}

type fakeInbox struct{ calls int }

func (f *fakeInbox) Cleanup(context.Context) (int64, error) {
	f.calls++
	return 1, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DeadLetterSchedule: "@every 1m",
		CleanupSchedule:    "0 3 * * *",
		StatsSchedule:      "@every 15s",
		OutboxRetention:    72 * time.Hour,
	}
}

func TestSchedulerRunsMaintenanceJobs(t *testing.T) {
	outbox := &fakeOutbox{failStats: true}
	inbox := &fakeInbox{}

	c, err := newScheduler(context.Background(), testConfig(), outbox, inbox, zap.NewNop())
	require.NoError(t, err)

	entries := c.Entries()
	require.Len(t, entries, 4)
	for _, e := range entries {
		e.Job.Run()
	}

	assert.Equal(t, map[string]int{"dead_letter": 1, "cleanup": 1, "stats": 1}, outbox.calls)
	assert.Equal(t, 72*time.Hour, outbox.olderThan)
	assert.Equal(t, 1, inbox.calls)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.StatsSchedule = "every now and then"

	_, err := newScheduler(context.Background(), cfg, &fakeOutbox{}, &fakeInbox{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox_stats")
}

func TestEventRoutesCoverPrescriptionEvents(t *testing.T) {
	known := map[string]bool{}
	for _, tc := range redpanda.DefaultTopicConfigs(1) {
		known[tc.Name] = true
	}

	routes := eventRoutes()
	for _, et := range []prescription.EventType{
		prescription.EventPrescriptionCreated,
		prescription.EventPrescriptionModified,
		prescription.EventPrescriptionDiscontinued,
	} {
		topic := routes.Topic(&postgres.Entry{EventType: string(et), Topic: redpanda.TopicPrescriptionEvents})
		assert.NotEqual(t, redpanda.TopicPrescriptionEvents, topic, et)
		assert.True(t, known[topic], "%s routed to undeclared topic %s", et, topic)
	}
}
