package prescription

import "context"

// Reader runs single read queries outside a transaction
type Reader interface {
	// GetPrescription returns ErrNotFound when id does not exist
	GetPrescription(ctx context.Context, id string) (*Prescription, error)
	// FindByNumber returns ErrNotFound when number does not exist
	FindByNumber(ctx context.Context, number string) (*Prescription, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error)
	ListHistory(ctx context.Context, prescriptionID string) ([]*HistoryEntry, error)
}

// Tx is one atomic unit of writes. Nothing written through a Tx is visible
// outside it until the surrounding InTx returns nil.
type Tx interface {
	NumberCounter
	GetPrescriptionForUpdate(ctx context.Context, id string) (*Prescription, error)
	// InsertPrescription returns ErrNumberConflict when the number is taken
	InsertPrescription(ctx context.Context, p *Prescription) error
	UpdatePrescription(ctx context.Context, p *Prescription) error
	// AppendHistory assigns e.Seq. There is no update or delete.
	AppendHistory(ctx context.Context, e *HistoryEntry) error
	// CountActiveForMedication counts the patient's active prescriptions of
	// medicationID other than excludeID
	CountActiveForMedication(ctx context.Context, patientID, medicationID, excludeID string) (int, error)
	// UpdateActiveMedications applies op to the patient's set. Both operations
	// are idempotent.
	UpdateActiveMedications(ctx context.Context, patientID, medicationID string, op SetOp) error
	EnqueueEvent(ctx context.Context, e *Event) error
}

// Store is the transactional record store
type Store interface {
	Reader
	// InTx runs fn in a transaction. fn's error is returned unchanged and rolls
	// everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Directory looks up the reference data the engine depends on. Every Find
// returns ErrNotFound for unknown identifiers.
type Directory interface {
	FindPatient(ctx context.Context, id string) (*Patient, error)
	FindMedication(ctx context.Context, id string) (*Medication, error)
	FindPrescriber(ctx context.Context, id string) (*Prescriber, error)
}

// Auditor receives a record of every successful change. Implementations must
// not block the caller on delivery failures.
type Auditor interface {
	RecordDataModification(ctx context.Context, actorID, eventType string, payload any)
}
