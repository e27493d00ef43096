package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated      EventType = "PrescriptionCreated"
	EventPrescriptionModified     EventType = "PrescriptionModified"
	EventPrescriptionDiscontinued EventType = "PrescriptionDiscontinued"
)

// AggregateType names the aggregate in the outbox
const AggregateType = "Prescription"

// Event is a domain event written to the outbox in the same transaction as the
// change it describes
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(patientID, actorID, correlationID string) *Event {
	e.PatientID = patientID
	e.ActorID = actorID
	e.CorrelationID = correlationID
	return e
}

// PrescriptionCreatedData contains prescription creation details
type PrescriptionCreatedData struct {
	PrescriptionID     string               `json:"prescription_id"`
	PrescriptionNumber string               `json:"prescription_number"`
	PatientID          string               `json:"patient_id"`
	MedicationID       string               `json:"medication_id"`
	MedicationName     string               `json:"medication_name"`
	PrescriberID       string               `json:"prescriber_id"`
	ContinuesID        *string              `json:"continues_id,omitempty"`
	IsLongTerm         bool                 `json:"is_long_term"`
	Warnings           []InteractionWarning `json:"interaction_warnings"`
	PrescribedAt       time.Time            `json:"prescribed_at"`
}

// PrescriptionModifiedData contains modification details
type PrescriptionModifiedData struct {
	PrescriptionID     string    `json:"prescription_id"`
	PrescriptionNumber string    `json:"prescription_number"`
	Changes            Changes   `json:"changes"`
	Reason             string    `json:"reason"`
	ModifiedAt         time.Time `json:"modified_at"`
}

// PrescriptionDiscontinuedData contains discontinuation details
type PrescriptionDiscontinuedData struct {
	PrescriptionID     string    `json:"prescription_id"`
	PrescriptionNumber string    `json:"prescription_number"`
	PatientID          string    `json:"patient_id"`
	MedicationID       string    `json:"medication_id"`
	Status             Status    `json:"status"`
	Reason             string    `json:"reason"`
	RemovedFromSet     bool      `json:"removed_from_active_set"`
	DiscontinuedAt     time.Time `json:"discontinued_at"`
}
