// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/api/middleware"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/fhir/mapper"
	fhir "github.com/dralejandroc/MINDHUB-sub001/internal/fhir/r5"
	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/idempotency"
)

const (
	// IdempotencyHeader carries the client's idempotency key on create
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency inbox
	ReplayedHeader = "Idempotency-Replayed"

	maxBodyBytes = 1 << 20
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	engine *prescription.Engine
	inbox  *idempotency.Inbox
	mapper *mapper.PrescriptionMapper
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewPrescriptionHandler creates a new handler. A nil inbox disables
// idempotent creation.
func NewPrescriptionHandler(engine *prescription.Engine, inbox *idempotency.Inbox, m *mapper.PrescriptionMapper, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = mapper.NewPrescriptionMapper("")
	}
	return &PrescriptionHandler{
		engine: engine,
		inbox:  inbox,
		mapper: m,
		logger: logger,
		tracer: otel.Tracer("prescription-handler"),
		now:    time.Now,
	}
}

// TerminalError reports whether a failed create must not be retried under
// the same idempotency key
func TerminalError(err error) bool {
	switch prescription.KindOf(err) {
	case prescription.KindValidation, prescription.KindNotFound:
		return true
	}
	return false
}

// Routes returns the prescription routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/screen", h.Screen)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Modify)
	r.Post("/{id}/discontinue", h.Discontinue)
	r.Get("/{id}/history", h.History)
	r.Get("/{id}/document", h.Document)
	r.Post("/{id}/document", h.Document)
	r.Get("/{id}/fhir", h.FHIR)
	return r
}

// PatientRoutes returns the routes nested under a patient
func (h *PrescriptionHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/prescriptions", h.ListByPatient)
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	body, err := readBody(r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var in prescription.CreateInput
	if err := decodeStrict(body, &in); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	in.ActorID = middleware.GetActorID(ctx)

	create := func(ctx context.Context) (json.RawMessage, error) {
		res, err := h.engine.Create(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	key := r.Header.Get(IdempotencyHeader)
	if key == "" || h.inbox == nil {
		data, err := create(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeRaw(w, http.StatusCreated, data)
		return
	}

	span.SetAttributes(attribute.String("idempotency_key", key))
	// the same key from a different actor is a different request
	fingerprinted := append([]byte(in.ActorID+"\n"), body...)
	result, err := h.inbox.Process(ctx, key, "create_prescription", fingerprinted, create)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.Replayed {
		w.Header().Set(ReplayedHeader, "true")
		h.logger.Info("replayed prescription create",
			zap.String("idempotency_key", key),
			zap.String("request_id", middleware.GetRequestID(ctx)),
		)
	}
	writeRaw(w, http.StatusCreated, result.Result)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ModifyRequest is the body of PATCH /prescriptions/{id}
type ModifyRequest struct {
	Changes json.RawMessage `json:"changes"`
	Reason  string          `json:"reason"`
}

// Modify handles PATCH /prescriptions/{id}
func (h *PrescriptionHandler) Modify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "modify_prescription")
	defer span.End()

	var req ModifyRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Changes) == 0 {
		h.jsonError(w, "changes is required", http.StatusUnprocessableEntity)
		return
	}
	changes, err := prescription.ParseChanges(req.Changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.engine.Modify(ctx, chi.URLParam(r, "id"), changes, req.Reason, middleware.GetActorID(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiscontinueRequest is the body of POST /prescriptions/{id}/discontinue
type DiscontinueRequest struct {
	Status prescription.Status `json:"status"`
	Reason string              `json:"reason"`
}

// Discontinue handles POST /prescriptions/{id}/discontinue
func (h *PrescriptionHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "discontinue_prescription")
	defer span.End()

	var req DiscontinueRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.engine.Discontinue(ctx, chi.URLParam(r, "id"), req.Status, req.Reason, middleware.GetActorID(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History handles GET /prescriptions/{id}/history
func (h *PrescriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.History(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"total":   len(entries),
	})
}

// Document handles GET and POST /prescriptions/{id}/document. A POST body is
// a print configuration applied on top of the stored one.
func (h *PrescriptionHandler) Document(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "render_document")
	defer span.End()

	var override *printconfig.Config
	if r.Method == http.MethodPost {
		body, err := readBody(r)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			override = &printconfig.Config{}
			if err := decodeStrict(body, override); err != nil {
				h.jsonError(w, "invalid print configuration: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
	}

	doc, err := h.engine.RenderDocument(ctx, chi.URLParam(r, "id"), middleware.GetActorID(ctx), override)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	w.Header().Set("Content-Length", fmt.Sprint(len(doc.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Data); err != nil {
		h.logger.Warn("document write failed", zap.String("number", doc.Number), zap.Error(err))
	}
}

// FHIR handles GET /prescriptions/{id}/fhir. Errors are OperationOutcomes.
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	rel, err := h.engine.GetRelated(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, _ := statusFor(err)
		code := "exception"
		switch status {
		case http.StatusNotFound:
			code = "not-found"
		case http.StatusUnprocessableEntity:
			code = "invalid"
		}
		h.logFailure(r, status, err)
		writeFHIR(w, status, fhir.NewErrorOutcome(code, publicMessage(status, err)))
		return
	}
	writeFHIR(w, http.StatusOK, h.mapper.MapBundle(rel, h.now()))
}

// ScreenRequest is the body of POST /prescriptions/screen
type ScreenRequest struct {
	PatientID    string `json:"patientId"`
	MedicationID string `json:"medicationId"`
}

// Screen handles POST /prescriptions/screen
func (h *PrescriptionHandler) Screen(w http.ResponseWriter, r *http.Request) {
	var req ScreenRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	warnings, err := h.engine.ScreenFor(r.Context(), req.PatientID, req.MedicationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactionWarnings": warnings})
}

// ListByPatient handles GET /patients/{patientID}/prescriptions
func (h *PrescriptionHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListByPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*prescription.Prescription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prescriptions": list,
		"total":         len(list),
	})
}

// VerifyResponse is what a scanned verification code reveals
type VerifyResponse struct {
	Valid              bool                `json:"valid"`
	PrescriptionNumber string              `json:"prescriptionNumber"`
	Status             prescription.Status `json:"status"`
	PrescribedAt       time.Time           `json:"prescribedAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// Verify handles GET /verify/{number}?token=. It is served without
// authentication and reveals no clinical data.
func (h *PrescriptionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Verify(r.Context(), chi.URLParam(r, "number"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:              true,
		PrescriptionNumber: p.Number,
		Status:             p.Status,
		PrescribedAt:       p.PrescribedAt,
		UpdatedAt:          p.UpdatedAt,
	})
}

// ErrorResponse is the body of every non-FHIR error
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, "idempotency_key_reused"
	case errors.Is(err, idempotency.ErrMessageInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity, "previously_failed"
	}

	kind := prescription.KindOf(err)
	switch kind {
	case prescription.KindNotFound:
		return http.StatusNotFound, string(kind)
	case prescription.KindValidation, prescription.KindRendering:
		return http.StatusUnprocessableEntity, string(kind)
	case prescription.KindNumberConflict:
		return http.StatusConflict, string(kind)
	case prescription.KindPersistence:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, string(prescription.KindUnknown)
	}
}

func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func (h *PrescriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	h.logFailure(r, status, err)
	writeJSON(w, status, ErrorResponse{Error: publicMessage(status, err), Kind: kind})
}

func (h *PrescriptionHandler) logFailure(r *http.Request, status int, err error) {
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
		return
	}
	h.logger.Debug("request rejected", fields...)
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return decodeStrict(body, v)
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeFHIR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
