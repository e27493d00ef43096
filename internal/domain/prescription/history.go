package prescription

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action tags a history entry
type Action string

const (
	ActionCreated  Action = "CREATED"
	ActionModified Action = "MODIFIED"
)

// HistoryEntry is an immutable record of one lifecycle event. Stores only
// ever append entries.
type HistoryEntry struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescriptionId"`
	Action         Action    `json:"action"`
	Changes        Changes   `json:"changes"`
	Reason         string    `json:"reason,omitempty"`
	ActorID        string    `json:"actorId"`
	CreatedAt      time.Time `json:"createdAt"`
	// Seq is the insertion order assigned by the store
	Seq int64 `json:"-"`
}

// NewCreatedEntry builds the entry written together with a new prescription.
// continued is the prescription being continued, if any.
func NewCreatedEntry(p *Prescription, continued *Prescription, actorID string, at time.Time) *HistoryEntry {
	reason := "initial prescription"
	if continued != nil {
		reason = "initial prescription, continuation of " + continued.Number
	}
	return &HistoryEntry{
		ID:             uuid.NewString(),
		PrescriptionID: p.ID,
		Action:         ActionCreated,
		Changes:        initialChanges(p),
		Reason:         reason,
		ActorID:        actorID,
		CreatedAt:      at,
	}
}

// NewModifiedEntry builds the entry for one modification. The reason is required.
func NewModifiedEntry(prescriptionID string, changes Changes, reason, actorID string, at time.Time) (*HistoryEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("a reason is required to modify a prescription")
	}
	return &HistoryEntry{
		ID:             uuid.NewString(),
		PrescriptionID: prescriptionID,
		Action:         ActionModified,
		Changes:        changes,
		Reason:         reason,
		ActorID:        actorID,
		CreatedAt:      at,
	}, nil
}

// SortHistory orders entries newest first. Entries with the same timestamp are
// ordered by insertion, later first.
func SortHistory(entries []*HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Seq > b.Seq
	})
}
