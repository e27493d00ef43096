package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/metrics"
	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
	"github.com/dralejandroc/MINDHUB-sub001/internal/render"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
)

// Audit event types
const (
	AuditPrescriptionCreated      = "PRESCRIPTION_CREATED"
	AuditPrescriptionModified     = "PRESCRIPTION_MODIFIED"
	AuditPrescriptionDiscontinued = "PRESCRIPTION_DISCONTINUED"
)

// Config holds engine configuration
type Config struct {
	// MaxNumberAttempts bounds the transactional attempts made when the issued
	// prescription number collides with a concurrent creation
	MaxNumberAttempts int
	// DefaultPrintConfig is the system default layer. Nil means printconfig.Default().
	DefaultPrintConfig *printconfig.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxNumberAttempts:  5,
		DefaultPrintConfig: printconfig.Default(),
	}
}

// Dependencies are the engine's collaborators. Auditor, Metrics, Logger and
// Clock are optional.
type Dependencies struct {
	Store     Store
	Directory Directory
	Renderer  *render.Renderer
	Signer    *verification.Signer
	Auditor   Auditor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Engine orchestrates the prescription lifecycle
type Engine struct {
	store     Store
	directory Directory
	renderer  *render.Renderer
	signer    *verification.Signer
	auditor   Auditor
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	numbers   NumberAuthority
	config    Config
}

// NewEngine creates a new engine
func NewEngine(deps Dependencies, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.MaxNumberAttempts < 1 {
		cfg.MaxNumberAttempts = 1
	}
	if cfg.DefaultPrintConfig == nil {
		cfg.DefaultPrintConfig = printconfig.Default()
	}
	return &Engine{
		store:     deps.Store,
		directory: deps.Directory,
		renderer:  deps.Renderer,
		signer:    deps.Signer,
		auditor:   deps.Auditor,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		tracer:    otel.Tracer("prescription-engine"),
		now:       deps.Clock,
		config:    cfg,
	}
}

// CreateInput is a request to create a prescription
type CreateInput struct {
	PatientID    string `json:"patientId"`
	MedicationID string `json:"medicationId"`
	// PrescriberID defaults to ActorID
	PrescriberID       string              `json:"prescriberId,omitempty"`
	Dosage             string              `json:"dosage"`
	Frequency          string              `json:"frequency"`
	Duration           string              `json:"duration"`
	Instructions       string              `json:"instructions,omitempty"`
	ClinicalIndication string              `json:"clinicalIndication"`
	IsLongTerm         bool                `json:"isLongTerm,omitempty"`
	ContinuesID        *string             `json:"continuesId,omitempty"`
	PrintConfig        *printconfig.Config `json:"printConfig,omitempty"`
	ActorID            string              `json:"-"`
}

func (in *CreateInput) validate() error {
	if in.PrescriberID == "" {
		in.PrescriberID = in.ActorID
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return invalid("actor is required")
	}
	for field, id := range map[string]string{
		"patientId":    in.PatientID,
		"medicationId": in.MedicationID,
		"prescriberId": in.PrescriberID,
	} {
		if err := checkID(field, id); err != nil {
			return err
		}
	}
	if in.ContinuesID != nil {
		if err := checkID("continuesId", *in.ContinuesID); err != nil {
			return err
		}
	}
	for field, v := range map[string]string{
		"dosage":             in.Dosage,
		"frequency":          in.Frequency,
		"duration":           in.Duration,
		"clinicalIndication": in.ClinicalIndication,
	} {
		if strings.TrimSpace(v) == "" {
			return invalid("%s is required", field)
		}
	}
	if err := in.PrintConfig.Validate(); err != nil {
		return invalid("printConfig: %v", err)
	}
	return nil
}

// CreateResult is returned by Create
type CreateResult struct {
	Prescription *Prescription        `json:"prescription"`
	History      *HistoryEntry        `json:"history"`
	Warnings     []InteractionWarning `json:"interactionWarnings"`
}

// Create screens the medication against the patient's current medications,
// issues a number, and writes the prescription, its CREATED entry, the
// active-medication set update and the outbox event in one transaction. A
// number collision retries with a fresh number up to MaxNumberAttempts.
func (e *Engine) Create(ctx context.Context, in CreateInput) (res *CreateResult, err error) {
	ctx, span := e.tracer.Start(ctx, "prescription.create",
		trace.WithAttributes(
			attribute.String("patient_id", in.PatientID),
			attribute.String("medication_id", in.MedicationID),
		))
	defer span.End()
	defer func() {
		e.finish(span, "create", err, zap.String("patient_id", in.PatientID), zap.String("actor_id", in.ActorID))
	}()

	if err := in.validate(); err != nil {
		return nil, err
	}

	patient, err := e.directory.FindPatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	medication, err := e.directory.FindMedication(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.directory.FindPrescriber(ctx, in.PrescriberID); err != nil {
		return nil, err
	}

	var continued *Prescription
	if in.ContinuesID != nil {
		continued, err = e.store.GetPrescription(ctx, *in.ContinuesID)
		if err != nil {
			return nil, err
		}
		if continued.PatientID != patient.ID {
			return nil, invalid("prescription %s belongs to another patient", continued.Number)
		}
	}

	current, err := e.currentMedications(ctx, patient)
	if err != nil {
		return nil, err
	}
	warnings := Screen(medication, current)

	now := e.now().UTC()
	p := &Prescription{
		ID:                 uuid.NewString(),
		PatientID:          patient.ID,
		MedicationID:       medication.ID,
		PrescriberID:       in.PrescriberID,
		Dosage:             in.Dosage,
		Frequency:          in.Frequency,
		Duration:           in.Duration,
		Instructions:       in.Instructions,
		ClinicalIndication: in.ClinicalIndication,
		IsLongTerm:         in.IsLongTerm,
		ContinuesID:        in.ContinuesID,
		Status:             StatusActive,
		PrescribedAt:       now,
		UpdatedAt:          now,
		PrintConfig:        printconfig.Resolve(e.config.DefaultPrintConfig, nil, in.PrintConfig).Snapshot(),
		Warnings:           warnings,
	}
	entry := NewCreatedEntry(p, continued, in.ActorID, now)

	for attempt := 1; ; attempt++ {
		err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			number, err := e.numbers.Issue(ctx, tx, now)
			if err != nil {
				return err
			}
			p.Number = number
			if err := tx.InsertPrescription(ctx, p); err != nil {
				return err
			}
			if err := tx.AppendHistory(ctx, entry); err != nil {
				return err
			}
			if err := tx.UpdateActiveMedications(ctx, p.PatientID, p.MedicationID, SetAdd); err != nil {
				return err
			}
			ev, err := NewEvent(p.ID, EventPrescriptionCreated, &PrescriptionCreatedData{
				PrescriptionID:     p.ID,
				PrescriptionNumber: p.Number,
				PatientID:          p.PatientID,
				MedicationID:       p.MedicationID,
				MedicationName:     medication.GenericName,
				PrescriberID:       p.PrescriberID,
				ContinuesID:        p.ContinuesID,
				IsLongTerm:         p.IsLongTerm,
				Warnings:           p.Warnings,
				PrescribedAt:       p.PrescribedAt,
			}, now)
			if err != nil {
				return err
			}
			return tx.EnqueueEvent(ctx, ev.WithAuditInfo(p.PatientID, in.ActorID, ""))
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNumberConflict) {
			return nil, persistence("create prescription", err)
		}

		e.metrics.NumberConflict()
		e.logger.Warn("prescription number conflict",
			zap.String("number", p.Number),
			zap.Int("attempt", attempt))
		if attempt >= e.config.MaxNumberAttempts {
			return nil, fmt.Errorf("%w: no free prescription number after %d attempts: %v",
				ErrPersistence, attempt, err)
		}
	}

	span.SetAttributes(attribute.String("prescription_number", p.Number))
	e.metrics.Created()
	for _, w := range warnings {
		e.metrics.InteractionWarning(string(w.Severity))
	}
	e.audit(ctx, in.ActorID, AuditPrescriptionCreated, map[string]any{
		"prescriptionId":     p.ID,
		"prescriptionNumber": p.Number,
		"patientId":          p.PatientID,
		"medicationId":       p.MedicationID,
		"continuesId":        p.ContinuesID,
		"warnings":           len(warnings),
	})
	e.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("number", p.Number),
		zap.String("patient_id", p.PatientID),
		zap.Int("warnings", len(warnings)))

	return &CreateResult{Prescription: p.Clone(), History: entry, Warnings: warnings}, nil
}

// ModifyResult is returned by Modify and Discontinue
type ModifyResult struct {
	Prescription *Prescription `json:"prescription"`
	History      *HistoryEntry `json:"history"`
}

// Modify applies a partial change set and appends a MODIFIED entry in one
// transaction. Interaction screening is not repeated; callers that change the
// medication or dosage and need a fresh screen call ScreenFor.
func (e *Engine) Modify(ctx context.Context, id string, changes Changes, reason, actorID string) (res *ModifyResult, err error) {
	ctx, span := e.tracer.Start(ctx, "prescription.modify",
		trace.WithAttributes(
			attribute.String("prescription_id", id),
			attribute.StringSlice("fields", changes.Fields()),
		))
	defer span.End()
	defer func() {
		e.finish(span, "modify", err, zap.String("prescription_id", id), zap.String("actor_id", actorID))
	}()

	if err := checkID("prescriptionId", id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, invalid("actor is required")
	}
	if err := changes.Validate(); err != nil {
		return nil, err
	}
	if changes.MedicationID != nil {
		if _, err := e.directory.FindMedication(ctx, *changes.MedicationID); err != nil {
			return nil, err
		}
	}

	res, _, err = e.mutate(ctx, id, changes, reason, actorID, false)
	if err != nil {
		return nil, err
	}

	e.metrics.Modified()
	e.audit(ctx, actorID, AuditPrescriptionModified, map[string]any{
		"prescriptionId":     res.Prescription.ID,
		"prescriptionNumber": res.Prescription.Number,
		"fields":             changes.Fields(),
		"reason":             reason,
	})
	e.logger.Info("prescription modified",
		zap.String("prescription_id", id),
		zap.Strings("fields", changes.Fields()))
	return res, nil
}

// Discontinue moves an active prescription to completed, cancelled or expired.
// The transition is recorded as a MODIFIED entry and the medication leaves the
// patient's active set unless another active prescription still uses it.
func (e *Engine) Discontinue(ctx context.Context, id string, status Status, reason, actorID string) (res *ModifyResult, err error) {
	ctx, span := e.tracer.Start(ctx, "prescription.discontinue",
		trace.WithAttributes(
			attribute.String("prescription_id", id),
			attribute.String("status", string(status)),
		))
	defer span.End()
	defer func() {
		e.finish(span, "discontinue", err, zap.String("prescription_id", id), zap.String("actor_id", actorID))
	}()

	if err := checkID("prescriptionId", id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, invalid("actor is required")
	}
	if !status.Terminal() {
		return nil, invalid("cannot discontinue to status %q", status)
	}

	res, removed, err := e.mutate(ctx, id, Changes{Status: &status}, reason, actorID, true)
	if err != nil {
		return nil, err
	}

	e.metrics.Discontinued()
	e.audit(ctx, actorID, AuditPrescriptionDiscontinued, map[string]any{
		"prescriptionId":     res.Prescription.ID,
		"prescriptionNumber": res.Prescription.Number,
		"status":             status,
		"reason":             reason,
		"removedFromSet":     removed,
	})
	e.logger.Info("prescription discontinued",
		zap.String("prescription_id", id),
		zap.String("status", string(status)),
		zap.Bool("removed_from_set", removed))
	return res, nil
}

// mutate is the transactional core of Modify and Discontinue. It reports
// whether the previous medication left the patient's active set.
func (e *Engine) mutate(ctx context.Context, id string, changes Changes, reason, actorID string, discontinue bool) (*ModifyResult, bool, error) {
	// fail fast without opening a transaction
	if _, err := e.store.GetPrescription(ctx, id); err != nil {
		return nil, false, err
	}

	now := e.now().UTC()
	entry, err := NewModifiedEntry(id, changes, reason, actorID, now)
	if err != nil {
		return nil, false, err
	}

	var (
		updated *Prescription
		removed bool
	)
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetPrescriptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if discontinue && current.Status != StatusActive {
			return invalid("prescription %s is %s, not active", current.Number, current.Status)
		}

		before := current.Clone()
		changes.Apply(current, now)
		if err := tx.UpdatePrescription(ctx, current); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}
		if removed, err = e.reconcile(ctx, tx, before, current); err != nil {
			return err
		}

		var ev *Event
		if discontinue {
			ev, err = NewEvent(id, EventPrescriptionDiscontinued, &PrescriptionDiscontinuedData{
				PrescriptionID:     id,
				PrescriptionNumber: current.Number,
				PatientID:          current.PatientID,
				MedicationID:       current.MedicationID,
				Status:             current.Status,
				Reason:             reason,
				RemovedFromSet:     removed,
				DiscontinuedAt:     now,
			}, now)
		} else {
			ev, err = NewEvent(id, EventPrescriptionModified, &PrescriptionModifiedData{
				PrescriptionID:     id,
				PrescriptionNumber: current.Number,
				Changes:            changes,
				Reason:             reason,
				ModifiedAt:         now,
			}, now)
		}
		if err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, ev.WithAuditInfo(current.PatientID, actorID, "")); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, false, persistence("modify prescription", err)
	}
	return &ModifyResult{Prescription: updated.Clone(), History: entry}, removed, nil
}

// reconcile keeps the patient's active-medication set in line with a status or
// medication change. It reports whether the previous medication was removed.
func (e *Engine) reconcile(ctx context.Context, tx Tx, before, after *Prescription) (bool, error) {
	wasActive := before.Status == StatusActive
	isActive := after.Status == StatusActive
	medChanged := before.MedicationID != after.MedicationID

	removed := false
	if wasActive && (!isActive || medChanged) {
		n, err := tx.CountActiveForMedication(ctx, before.PatientID, before.MedicationID, before.ID)
		if err != nil {
			return false, err
		}
		if n == 0 {
			if err := tx.UpdateActiveMedications(ctx, before.PatientID, before.MedicationID, SetRemove); err != nil {
				return false, err
			}
			removed = true
		}
	}
	if isActive && (!wasActive || medChanged) {
		if err := tx.UpdateActiveMedications(ctx, after.PatientID, after.MedicationID, SetAdd); err != nil {
			return false, err
		}
	}
	return removed, nil
}

// History returns all entries newest first. actorID is the reader, kept for
// logs and traces.
func (e *Engine) History(ctx context.Context, id, actorID string) (entries []*HistoryEntry, err error) {
	ctx, span := e.tracer.Start(ctx, "prescription.history",
		trace.WithAttributes(
			attribute.String("prescription_id", id),
			attribute.String("actor_id", actorID),
		))
	defer span.End()
	defer func() {
		e.finish(span, "history", err, zap.String("prescription_id", id), zap.String("actor_id", actorID))
	}()

	if err := checkID("prescriptionId", id); err != nil {
		return nil, err
	}
	if _, err := e.store.GetPrescription(ctx, id); err != nil {
		return nil, err
	}
	entries, err = e.store.ListHistory(ctx, id)
	if err != nil {
		return nil, persistence("list history", err)
	}
	SortHistory(entries)
	return entries, nil
}

// Get returns one prescription
func (e *Engine) Get(ctx context.Context, id string) (*Prescription, error) {
	if err := checkID("prescriptionId", id); err != nil {
		return nil, err
	}
	return e.store.GetPrescription(ctx, id)
}

// Related is a prescription with the reference data it points at
type Related struct {
	Prescription *Prescription
	Patient      *Patient
	Medication   *Medication
	Prescriber   *Prescriber
}

// GetRelated loads a prescription with its patient, medication and prescriber
func (e *Engine) GetRelated(ctx context.Context, id string) (*Related, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	patient, err := e.directory.FindPatient(ctx, p.PatientID)
	if err != nil {
		return nil, err
	}
	medication, err := e.directory.FindMedication(ctx, p.MedicationID)
	if err != nil {
		return nil, err
	}
	prescriber, err := e.directory.FindPrescriber(ctx, p.PrescriberID)
	if err != nil {
		return nil, err
	}
	return &Related{Prescription: p, Patient: patient, Medication: medication, Prescriber: prescriber}, nil
}

// ListByPatient returns the patient's prescriptions, newest first
func (e *Engine) ListByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	if err := checkID("patientId", patientID); err != nil {
		return nil, err
	}
	if _, err := e.directory.FindPatient(ctx, patientID); err != nil {
		return nil, err
	}
	list, err := e.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, persistence("list prescriptions", err)
	}
	return list, nil
}

// ScreenFor runs the interaction screen for a medication against the
// patient's current active set
func (e *Engine) ScreenFor(ctx context.Context, patientID, medicationID string) ([]InteractionWarning, error) {
	if err := checkID("patientId", patientID); err != nil {
		return nil, err
	}
	if err := checkID("medicationId", medicationID); err != nil {
		return nil, err
	}
	patient, err := e.directory.FindPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	medication, err := e.directory.FindMedication(ctx, medicationID)
	if err != nil {
		return nil, err
	}
	current, err := e.currentMedications(ctx, patient)
	if err != nil {
		return nil, err
	}
	return Screen(medication, current), nil
}

// Document is a rendered prescription
type Document struct {
	Filename    string
	ContentType string
	Number      string
	Data        []byte
}

// RenderDocument resolves default < stored < override and renders the
// prescription with its signed verification payload for actorID
func (e *Engine) RenderDocument(ctx context.Context, id, actorID string, override *printconfig.Config) (doc *Document, err error) {
	ctx, span := e.tracer.Start(ctx, "prescription.render",
		trace.WithAttributes(
			attribute.String("prescription_id", id),
			attribute.String("actor_id", actorID),
		))
	defer span.End()
	defer func() {
		e.finish(span, "render", err, zap.String("prescription_id", id), zap.String("actor_id", actorID))
	}()

	if err := checkID("prescriptionId", id); err != nil {
		return nil, err
	}
	if err := override.Validate(); err != nil {
		return nil, invalid("printConfig: %v", err)
	}

	p, err := e.store.GetPrescription(ctx, id)
	if err != nil {
		return nil, err
	}
	sheet, err := e.sheet(ctx, p)
	if err != nil {
		return nil, err
	}

	eff := printconfig.Resolve(e.config.DefaultPrintConfig, p.PrintConfig, override)
	payload, err := e.signer.Payload(p.Number, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRendering, err)
	}

	start := time.Now()
	data, err := e.renderer.Render(sheet, eff, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRendering, err)
	}
	e.metrics.Rendered(time.Since(start))

	return &Document{
		Filename:    sheet.Filename(),
		ContentType: render.ContentType,
		Number:      p.Number,
		Data:        data,
	}, nil
}

// Verify checks a scanned verification token against the prescription number
func (e *Engine) Verify(ctx context.Context, number, token string) (*Prescription, error) {
	if _, _, _, err := ParseNumber(number); err != nil {
		return nil, err
	}
	id, err := e.signer.Verify(number, token)
	if err != nil {
		return nil, invalid("%v", err)
	}
	p, err := e.store.FindByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if p.ID != id {
		return nil, invalid("token was not issued for %s", number)
	}
	return p, nil
}

// sheet gathers what the renderer prints. Missing patient, medication or
// prescriber records surface as NotFound.
func (e *Engine) sheet(ctx context.Context, p *Prescription) (render.Sheet, error) {
	patient, err := e.directory.FindPatient(ctx, p.PatientID)
	if err != nil {
		return render.Sheet{}, err
	}
	medication, err := e.directory.FindMedication(ctx, p.MedicationID)
	if err != nil {
		return render.Sheet{}, err
	}
	prescriber, err := e.directory.FindPrescriber(ctx, p.PrescriberID)
	if err != nil {
		return render.Sheet{}, err
	}

	return render.Sheet{
		Number: p.Number,
		Date:   p.PrescribedAt,
		Clinic: render.Clinic{
			Name:    prescriber.ClinicName,
			Address: prescriber.ClinicAddress,
			Phone:   prescriber.ClinicPhone,
			Logo:    prescriber.ClinicLogo,
		},
		Prescriber: render.Prescriber{
			Name:           prescriber.FullName,
			License:        prescriber.LicenseNumber,
			Specialization: prescriber.Specialization,
		},
		Patient: render.Patient{
			FullName:            patient.FullName(),
			Age:                 patient.AgeAt(p.PrescribedAt),
			BirthDate:           patient.BirthDate,
			MedicalRecordNumber: patient.MedicalRecordNumber,
		},
		Treatments: []render.Treatment{{
			MedicationName: medication.DisplayName(),
			DosageForm:     medication.DosageForm,
			Strength:       medication.Strength,
			Dosage:         p.Dosage,
			Frequency:      p.Frequency,
			Duration:       p.Duration,
			Instructions:   p.Instructions,
		}},
		ClinicalIndication: p.ClinicalIndication,
		LongTerm:           p.IsLongTerm,
	}, nil
}

// currentMedications resolves the patient's active set. Identifiers the
// catalog no longer knows are skipped.
func (e *Engine) currentMedications(ctx context.Context, patient *Patient) ([]*Medication, error) {
	out := make([]*Medication, 0, len(patient.CurrentMedications))
	for _, id := range patient.CurrentMedications {
		m, err := e.directory.FindMedication(ctx, id)
		if errors.Is(err, ErrNotFound) {
			e.logger.Warn("current medication missing from catalog",
				zap.String("patient_id", patient.ID),
				zap.String("medication_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (e *Engine) audit(ctx context.Context, actorID, eventType string, payload map[string]any) {
	if e.auditor == nil {
		return
	}
	e.auditor.RecordDataModification(ctx, actorID, eventType, payload)
}

// finish records a failed operation on the span, the logs and the metrics
func (e *Engine) finish(span trace.Span, op string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	e.metrics.Failed(op, string(kind))

	fields = append(fields, zap.String("operation", op), zap.String("kind", string(kind)), zap.Error(err))
	switch kind {
	case KindNotFound, KindValidation:
		e.logger.Info("prescription operation rejected", fields...)
	default:
		e.logger.Error("prescription operation failed", fields...)
	}
}

// persistence passes NotFound, Validation and NumberConflict through and
// classifies everything else as a persistence failure
func persistence(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation),
		errors.Is(err, ErrNumberConflict), errors.Is(err, ErrPersistence):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
