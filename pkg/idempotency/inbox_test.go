package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInvalid = errors.New("validation failed: dosage")

func newTestInbox() (*Inbox, *MemoryStore, *time.Time) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := NewMemoryStore()
	store.now = clock
	cfg := DefaultInboxConfig()
	cfg.Terminal = func(err error) bool { return errors.Is(err, errInvalid) }
	inbox := NewInbox(store, cfg, nil)
	inbox.now = clock
	return inbox, store, &now
}

func TestProcessReplaysFinishedResult(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	payload := []byte(`{"patientId":"p1"}`)

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"rx1"}`), nil
	}

	first, err := inbox.Process(ctx, "k1", "create", payload, fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := inbox.Process(ctx, "k1", "create", payload, fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"id":"rx1"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRejectsReusedKey(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	ok := func(context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

	_, err := inbox.Process(ctx, "k1", "create", []byte(`{"a":1}`), ok)
	require.NoError(t, err)

	_, err = inbox.Process(ctx, "k1", "create", []byte(`{"a":2}`), ok)
	assert.ErrorIs(t, err, ErrKeyReused)
}

func TestProcessRecoverableErrorAllowsRetry(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	payload := []byte(`{}`)

	_, err := inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("database unavailable")
	})
	require.Error(t, err)

	res, err := inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestProcessTerminalErrorIsRemembered(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	payload := []byte(`{}`)

	_, err := inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		return nil, errInvalid
	})
	require.ErrorIs(t, err, errInvalid)

	_, err = inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
	assert.Contains(t, err.Error(), "dosage")
}

func TestProcessInProgressAndStaleRecovery(t *testing.T) {
	inbox, store, now := newTestInbox()
	ctx := context.Background()
	payload := []byte(`{}`)

	require.NoError(t, store.Start(ctx, "k1", "create", Fingerprint(payload), now.Add(time.Hour)))

	_, err := inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	*now = now.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k1", "create", payload, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestCleanupRemovesExpired(t *testing.T) {
	inbox, store, now := newTestInbox()
	ctx := context.Background()

	require.NoError(t, store.Start(ctx, "old", "create", "fp", now.Add(-time.Minute)))
	require.NoError(t, store.Start(ctx, "new", "create", "fp", now.Add(time.Hour)))

	n, err := inbox.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}
