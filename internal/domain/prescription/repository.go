package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/postgres"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
)

const numberConstraint = "prescriptions_number_key"

// Repository is the PostgreSQL Store and Directory
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: redpanda.TopicPrescriptionEvents, logger: logger}
}

// InTx implements Store
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, topic: r.topic}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, numberConstraint) {
			return fmt.Errorf("%w: %w", ErrNumberConflict, err)
		}
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return nil
}

const prescriptionColumns = `
	id::text, prescription_number, patient_id::text, medication_id::text, prescriber_id::text,
	dosage, frequency, duration, instructions, clinical_indication, is_long_term,
	continues_id::text, status, prescribed_at, updated_at, print_config, interaction_warnings`

// GetPrescription implements Reader
func (r *Repository) GetPrescription(ctx context.Context, id string) (*Prescription, error) {
	return scanPrescription(r.pool.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id), id)
}

// FindByNumber implements Reader
func (r *Repository) FindByNumber(ctx context.Context, number string) (*Prescription, error) {
	return scanPrescription(r.pool.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE prescription_number = $1`, number), number)
}

// ListByPatient implements Reader
func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY prescribed_at DESC, prescription_number DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows, patientID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListHistory implements Reader
func (r *Repository) ListHistory(ctx context.Context, prescriptionID string) ([]*HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, seq, prescription_id::text, action, changes, reason, actor_id, created_at
		FROM prescription_history
		WHERE prescription_id = $1
		ORDER BY created_at DESC, seq DESC
	`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var changes []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.PrescriptionID, &e.Action, &changes,
			&e.Reason, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("decode history changes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindPatient implements Directory
func (r *Repository) FindPatient(ctx context.Context, id string) (*Patient, error) {
	p := &Patient{}
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, first_name, last_name, second_last_name, birth_date,
		       medical_record_number, current_medications::text[]
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.SecondLastName, &p.BirthDate,
		&p.MedicalRecordNumber, &p.CurrentMedications)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return p, nil
}

// FindMedication implements Directory
func (r *Repository) FindMedication(ctx context.Context, id string) (*Medication, error) {
	m := &Medication{}
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, generic_name, brand_names, therapeutic_class, dosage_form,
		       strength, contraindications, interactions
		FROM medications
		WHERE id = $1
	`, id).Scan(&m.ID, &m.GenericName, &m.BrandNames, &m.TherapeuticClass, &m.DosageForm,
		&m.Strength, &m.Contraindications, &m.Interactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("medication", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query medication: %w", err)
	}
	return m, nil
}

// FindPrescriber implements Directory
func (r *Repository) FindPrescriber(ctx context.Context, id string) (*Prescriber, error) {
	p := &Prescriber{}
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, full_name, license_number, specialization,
		       clinic_name, clinic_address, clinic_phone, clinic_logo
		FROM prescribers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.FullName, &p.LicenseNumber, &p.Specialization,
		&p.ClinicName, &p.ClinicAddress, &p.ClinicPhone, &p.ClinicLogo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("prescriber", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query prescriber: %w", err)
	}
	return p, nil
}

type pgTx struct {
	tx    pgx.Tx
	topic string
}

func (t *pgTx) CountNumbersWithPrefix(ctx context.Context, prefix string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE prescription_number LIKE $1 || '%'`, prefix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prescription numbers: %w", err)
	}
	return n, nil
}

func (t *pgTx) GetPrescriptionForUpdate(ctx context.Context, id string) (*Prescription, error) {
	return scanPrescription(t.tx.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *pgTx) InsertPrescription(ctx context.Context, p *Prescription) error {
	cfg, warnings, err := encodeSnapshots(p)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO prescriptions
		(id, prescription_number, patient_id, medication_id, prescriber_id, dosage, frequency,
		 duration, instructions, clinical_indication, is_long_term, continues_id, status,
		 prescribed_at, updated_at, print_config, interaction_warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		p.ID, p.Number, p.PatientID, p.MedicationID, p.PrescriberID, p.Dosage, p.Frequency,
		p.Duration, p.Instructions, p.ClinicalIndication, p.IsLongTerm, p.ContinuesID, p.Status,
		p.PrescribedAt, p.UpdatedAt, cfg, warnings,
	)
	if isUniqueViolation(err, numberConstraint) {
		return fmt.Errorf("%w: %s", ErrNumberConflict, p.Number)
	}
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// UpdatePrescription never touches prescription_number
func (t *pgTx) UpdatePrescription(ctx context.Context, p *Prescription) error {
	cfg, _, err := encodeSnapshots(p)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescriptions
		SET medication_id = $2, dosage = $3, frequency = $4, duration = $5, instructions = $6,
		    clinical_indication = $7, is_long_term = $8, status = $9, print_config = $10,
		    updated_at = $11
		WHERE id = $1
	`,
		p.ID, p.MedicationID, p.Dosage, p.Frequency, p.Duration, p.Instructions,
		p.ClinicalIndication, p.IsLongTerm, p.Status, cfg, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("prescription", p.ID)
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO prescription_history
		(id, prescription_id, action, changes, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, e.ID, e.PrescriptionID, e.Action, changes, e.Reason, e.ActorID, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (t *pgTx) CountActiveForMedication(ctx context.Context, patientID, medicationID, excludeID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM prescriptions
		WHERE patient_id = $1 AND medication_id = $2 AND id <> $3 AND status = $4
	`, patientID, medicationID, excludeID, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active prescriptions: %w", err)
	}
	return n, nil
}

func (t *pgTx) UpdateActiveMedications(ctx context.Context, patientID, medicationID string, op SetOp) error {
	var query string
	switch op {
	case SetAdd:
		query = `
			UPDATE patients
			SET current_medications = CASE
				WHEN $2::uuid = ANY(current_medications) THEN current_medications
				ELSE array_append(current_medications, $2::uuid)
			END
			WHERE id = $1`
	case SetRemove:
		query = `
			UPDATE patients
			SET current_medications = array_remove(current_medications, $2::uuid)
			WHERE id = $1`
	default:
		return invalid("unknown set operation %q", op)
	}

	tag, err := t.tx.Exec(ctx, query, patientID, medicationID)
	if err != nil {
		return fmt.Errorf("update active medications: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("patient", patientID)
	}
	return nil
}

func (t *pgTx) EnqueueEvent(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return postgres.WriteEntry(ctx, t.tx, &postgres.Entry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		Topic:         t.topic,
		Key:           e.PatientID,
	})
}

func scanPrescription(row pgx.Row, key string) (*Prescription, error) {
	p := &Prescription{}
	var cfg, warnings []byte
	err := row.Scan(
		&p.ID, &p.Number, &p.PatientID, &p.MedicationID, &p.PrescriberID,
		&p.Dosage, &p.Frequency, &p.Duration, &p.Instructions, &p.ClinicalIndication, &p.IsLongTerm,
		&p.ContinuesID, &p.Status, &p.PrescribedAt, &p.UpdatedAt, &cfg, &warnings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("prescription", key)
	}
	if err != nil {
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &p.PrintConfig); err != nil {
			return nil, fmt.Errorf("decode print config: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &p.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return p, nil
}

func encodeSnapshots(p *Prescription) (cfg, warnings []byte, err error) {
	if cfg, err = json.Marshal(p.PrintConfig); err != nil {
		return nil, nil, fmt.Errorf("encode print config: %w", err)
	}
	w := p.Warnings
	if w == nil {
		w = []InteractionWarning{}
	}
	if warnings, err = json.Marshal(w); err != nil {
		return nil, nil, fmt.Errorf("encode warnings: %w", err)
	}
	return cfg, warnings, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
