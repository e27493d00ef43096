// Package memstore is an in-memory prescription store and directory. A
// transaction works on a cloned copy of the state and swaps it in on commit,
// so a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
)

type state struct {
	prescriptions map[string]*prescription.Prescription
	history       []*prescription.HistoryEntry
	patients      map[string]*prescription.Patient
	events        []*prescription.Event
	seq           int64
}

func newState() *state {
	return &state{
		prescriptions: map[string]*prescription.Prescription{},
		patients:      map[string]*prescription.Patient{},
	}
}

func (s *state) clone() *state {
	c := &state{
		prescriptions: make(map[string]*prescription.Prescription, len(s.prescriptions)),
		history:       append([]*prescription.HistoryEntry(nil), s.history...),
		patients:      make(map[string]*prescription.Patient, len(s.patients)),
		events:        append([]*prescription.Event(nil), s.events...),
		seq:           s.seq,
	}
	for k, v := range s.prescriptions {
		c.prescriptions[k] = v.Clone()
	}
	for k, v := range s.patients {
		c.patients[k] = clonePatient(v)
	}
	return c
}

// Store implements prescription.Store and prescription.Directory
type Store struct {
	mu    sync.RWMutex
	state *state

	// reference data is read-only after seeding
	medications map[string]*prescription.Medication
	prescribers map[string]*prescription.Prescriber

	conflicts int
}

// New creates an empty store
func New() *Store {
	return &Store{
		state:       newState(),
		medications: map[string]*prescription.Medication{},
		prescribers: map[string]*prescription.Prescriber{},
	}
}

// AddPatient seeds a patient
func (s *Store) AddPatient(p *prescription.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.patients[p.ID] = clonePatient(p)
}

// AddMedication seeds a catalog medication
func (s *Store) AddMedication(m *prescription.Medication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.medications[m.ID] = &c
}

// AddPrescriber seeds a prescriber
func (s *Store) AddPrescriber(p *prescription.Prescriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.prescribers[p.ID] = &c
}

// PutPrescription stores p as is, bypassing the engine
func (s *Store) PutPrescription(p *prescription.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.prescriptions[p.ID] = p.Clone()
}

// FailNextInserts makes the next n InsertPrescription calls report a number
// conflict
func (s *Store) FailNextInserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// Events returns the committed outbox events in insertion order
func (s *Store) Events() []*prescription.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*prescription.Event(nil), s.state.events...)
}

// InTx implements prescription.Store. Transactions are serialized.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx prescription.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, state: s.state.clone()}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

// GetPrescription implements prescription.Reader
func (s *Store) GetPrescription(_ context.Context, id string) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.prescriptions[id]
	if !ok {
		return nil, notFound("prescription", id)
	}
	return p.Clone(), nil
}

// FindByNumber implements prescription.Reader
func (s *Store) FindByNumber(_ context.Context, number string) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.state.prescriptions {
		if p.Number == number {
			return p.Clone(), nil
		}
	}
	return nil, notFound("prescription", number)
}

// ListByPatient implements prescription.Reader
func (s *Store) ListByPatient(_ context.Context, patientID string) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*prescription.Prescription
	for _, p := range s.state.prescriptions {
		if p.PatientID == patientID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PrescribedAt.Equal(out[j].PrescribedAt) {
			return out[i].PrescribedAt.After(out[j].PrescribedAt)
		}
		return out[i].Number > out[j].Number
	})
	return out, nil
}

// ListHistory implements prescription.Reader
func (s *Store) ListHistory(_ context.Context, prescriptionID string) ([]*prescription.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*prescription.HistoryEntry
	for _, e := range s.state.history {
		if e.PrescriptionID == prescriptionID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// FindPatient implements prescription.Directory
func (s *Store) FindPatient(_ context.Context, id string) (*prescription.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.patients[id]
	if !ok {
		return nil, notFound("patient", id)
	}
	return clonePatient(p), nil
}

// FindMedication implements prescription.Directory
func (s *Store) FindMedication(_ context.Context, id string) (*prescription.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medications[id]
	if !ok {
		return nil, notFound("medication", id)
	}
	c := *m
	return &c, nil
}

// FindPrescriber implements prescription.Directory
func (s *Store) FindPrescriber(_ context.Context, id string) (*prescription.Prescriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescribers[id]
	if !ok {
		return nil, notFound("prescriber", id)
	}
	c := *p
	return &c, nil
}

type tx struct {
	store *Store
	state *state
}

func (t *tx) CountNumbersWithPrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for _, p := range t.state.prescriptions {
		if strings.HasPrefix(p.Number, prefix) {
			n++
		}
	}
	return n, nil
}

func (t *tx) GetPrescriptionForUpdate(_ context.Context, id string) (*prescription.Prescription, error) {
	p, ok := t.state.prescriptions[id]
	if !ok {
		return nil, notFound("prescription", id)
	}
	return p.Clone(), nil
}

func (t *tx) InsertPrescription(_ context.Context, p *prescription.Prescription) error {
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return conflict(p.Number)
	}
	for _, existing := range t.state.prescriptions {
		if existing.Number == p.Number {
			return conflict(p.Number)
		}
	}
	t.state.prescriptions[p.ID] = p.Clone()
	return nil
}

func (t *tx) UpdatePrescription(_ context.Context, p *prescription.Prescription) error {
	existing, ok := t.state.prescriptions[p.ID]
	if !ok {
		return notFound("prescription", p.ID)
	}
	u := p.Clone()
	// the number is immutable once assigned
	u.Number = existing.Number
	t.state.prescriptions[p.ID] = u
	return nil
}

func (t *tx) AppendHistory(_ context.Context, e *prescription.HistoryEntry) error {
	t.state.seq++
	e.Seq = t.state.seq
	c := *e
	t.state.history = append(t.state.history, &c)
	return nil
}

func (t *tx) CountActiveForMedication(_ context.Context, patientID, medicationID, excludeID string) (int, error) {
	n := 0
	for _, p := range t.state.prescriptions {
		if p.ID != excludeID && p.PatientID == patientID && p.MedicationID == medicationID &&
			p.Status == prescription.StatusActive {
			n++
		}
	}
	return n, nil
}

func (t *tx) UpdateActiveMedications(_ context.Context, patientID, medicationID string, op prescription.SetOp) error {
	p, ok := t.state.patients[patientID]
	if !ok {
		return notFound("patient", patientID)
	}
	p.CurrentMedications = prescription.NewMedicationSet(p.CurrentMedications...).Apply(op, medicationID)
	return nil
}

func (t *tx) EnqueueEvent(_ context.Context, e *prescription.Event) error {
	c := *e
	t.state.events = append(t.state.events, &c)
	return nil
}

func clonePatient(p *prescription.Patient) *prescription.Patient {
	c := *p
	if p.BirthDate != nil {
		b := *p.BirthDate
		c.BirthDate = &b
	}
	c.CurrentMedications = append([]string(nil), p.CurrentMedications...)
	return &c
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", prescription.ErrNotFound, what, id)
}

func conflict(number string) error {
	return fmt.Errorf("%w: %s", prescription.ErrNumberConflict, number)
}
