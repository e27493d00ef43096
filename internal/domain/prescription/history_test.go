package prescription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortHistory(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	entries := []*HistoryEntry{
		{ID: "created", CreatedAt: t0, Seq: 1},
		{ID: "same-time-later", CreatedAt: t0, Seq: 2},
		{ID: "newest", CreatedAt: t0.Add(time.Minute), Seq: 3},
	}

	SortHistory(entries)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"newest", "same-time-later", "created"}, ids)
}

func TestNewModifiedEntryRequiresReason(t *testing.T) {
	_, err := NewModifiedEntry("id", Changes{Dosage: str("20mg")}, "\t", "actor", time.Now())
	assert.ErrorIs(t, err, ErrValidation)

	e, err := NewModifiedEntry("id", Changes{Dosage: str("20mg")}, "dose increase", "actor", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionModified, e.Action)
	assert.NotEmpty(t, e.ID)
}

func TestNewCreatedEntry(t *testing.T) {
	p := &Prescription{ID: "p2", Dosage: "10mg", Status: StatusActive}
	e := NewCreatedEntry(p, nil, "actor", time.Now())
	assert.Equal(t, ActionCreated, e.Action)
	assert.Equal(t, "initial prescription", e.Reason)
	assert.Equal(t, "10mg", *e.Changes.Dosage)

	e = NewCreatedEntry(p, &Prescription{Number: "RX-202609-0003"}, "actor", time.Now())
	assert.Equal(t, "initial prescription, continuation of RX-202609-0003", e.Reason)
}
