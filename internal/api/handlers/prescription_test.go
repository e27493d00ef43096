package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dralejandroc/MINDHUB-sub001/internal/api/middleware"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription/memstore"
	"github.com/dralejandroc/MINDHUB-sub001/internal/fhir/mapper"
	"github.com/dralejandroc/MINDHUB-sub001/internal/render"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/idempotency"
)

type testServer struct {
	router     http.Handler
	store      *memstore.Store
	signer     *verification.Signer
	patientID  string
	doctorID   string
	ibuprofen  string
	warfarin   string
	unknownID  string
	lastCreate *prescription.CreateResult
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := &testServer{
		store:     memstore.New(),
		patientID: uuid.NewString(),
		doctorID:  uuid.NewString(),
		ibuprofen: uuid.NewString(),
		warfarin:  uuid.NewString(),
		unknownID: uuid.NewString(),
	}
	s.store.AddPatient(&prescription.Patient{
		ID:                  s.patientID,
		FirstName:           "Ana",
		LastName:            "García",
		MedicalRecordNumber: "MRN-0001",
	})
	s.store.AddPrescriber(&prescription.Prescriber{
		ID:            s.doctorID,
		FullName:      "Dra. Elena Ruiz",
		LicenseNumber: "CED-123456",
	})
	s.store.AddMedication(&prescription.Medication{
		ID:               s.ibuprofen,
		GenericName:      "Ibuprofen",
		TherapeuticClass: "NSAID",
		DosageForm:       "tablet",
		Strength:         "400mg",
		Interactions:     []string{"Anticoagulant therapy increases bleeding risk"},
	})
	s.store.AddMedication(&prescription.Medication{
		ID:               s.warfarin,
		GenericName:      "Warfarin",
		TherapeuticClass: "anticoagulant",
		DosageForm:       "tablet",
		Strength:         "5mg",
		Interactions:     []string{"nsaid"},
	})

	signer, err := verification.NewSigner("https://rx.example.com", "test-secret")
	require.NoError(t, err)
	s.signer = signer

	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	engine := prescription.NewEngine(prescription.Dependencies{
		Store:     s.store,
		Directory: s.store,
		Renderer:  render.NewRenderer(verification.NewQREncoder()),
		Signer:    signer,
		Clock:     func() time.Time { return now },
	}, prescription.DefaultConfig())

	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.InboxConfig{
		DefaultTTL:      time.Hour,
		RecoveryTimeout: time.Minute,
		Terminal:        TerminalError,
	}, nil)

	h := NewPrescriptionHandler(engine, inbox, mapper.NewPrescriptionMapper("https://rx.example.com/fhir"), nil)
	h.now = func() time.Time { return now }

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	r.Get("/verify/{number}", h.Verify)
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/prescriptions", h.Routes())
		r.Mount("/patients", h.PatientRoutes())
	})
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) actor() map[string]string {
	return map[string]string{middleware.ActorHeader: s.doctorID}
}

func (s *testServer) createBody(medicationID string) map[string]any {
	return map[string]any{
		"patientId":          s.patientID,
		"medicationId":       medicationID,
		"dosage":             "400mg",
		"frequency":          "every 8 hours",
		"duration":           "7 days",
		"clinicalIndication": "lumbar pain",
	}
}

func (s *testServer) create(t *testing.T, medicationID string) *prescription.Prescription {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/prescriptions", s.createBody(medicationID), s.actor())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res prescription.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	s.lastCreate = &res
	return res.Prescription
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestCreateAndGet(t *testing.T) {
	s := newTestServer(t)

	p := s.create(t, s.ibuprofen)
	assert.Equal(t, "RX-202610-0001", p.Number)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Equal(t, s.doctorID, p.PrescriberID)
	assert.Empty(t, s.lastCreate.Warnings)

	rec := s.do(t, http.MethodGet, "/api/v1/prescriptions/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got prescription.Prescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, p.Number, got.Number)
}

func TestCreateRejections(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    any
		headers map[string]string
		status  int
		kind    string
	}{
		{"no actor", s.createBody(s.ibuprofen), nil, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown medication", s.createBody(s.unknownID), s.actor(), http.StatusNotFound, "not_found"},
		{"malformed json", `{"patientId":`, s.actor(), http.StatusBadRequest, ""},
		{"unknown field", map[string]any{"patientId": s.patientID, "refills": 3}, s.actor(), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/prescriptions", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}
}

func TestCreateIdempotent(t *testing.T) {
	s := newTestServer(t)
	headers := s.actor()
	headers[IdempotencyHeader] = "key-1"

	first := s.do(t, http.MethodPost, "/api/v1/prescriptions", s.createBody(s.ibuprofen), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	second := s.do(t, http.MethodPost, "/api/v1/prescriptions", s.createBody(s.ibuprofen), headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	list, err := s.store.ListByPatient(context.Background(), s.patientID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	body := s.createBody(s.ibuprofen)
	body["dosage"] = "200mg"
	reused := s.do(t, http.MethodPost, "/api/v1/prescriptions", body, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, "idempotency_key_reused", decodeError(t, reused).Kind)
}

func TestCreateIdempotentTerminalFailure(t *testing.T) {
	s := newTestServer(t)
	headers := s.actor()
	headers[IdempotencyHeader] = "key-2"

	rec := s.do(t, http.MethodPost, "/api/v1/prescriptions", s.createBody(s.unknownID), headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/prescriptions", s.createBody(s.unknownID), headers)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "previously_failed", decodeError(t, rec).Kind)
}

func TestGetErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/prescriptions/"+s.unknownID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Kind)

	rec = s.do(t, http.MethodGet, "/api/v1/prescriptions/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestModifyAndHistory(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, s.ibuprofen)
	path := "/api/v1/prescriptions/" + p.ID

	rec := s.do(t, http.MethodPatch, path, map[string]any{
		"changes": map[string]any{"dosage": "200mg"},
		"reason":  "gastric discomfort",
	}, s.actor())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res prescription.ModifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "200mg", res.Prescription.Dosage)
	assert.Equal(t, p.Number, res.Prescription.Number)

	rec = s.do(t, http.MethodPatch, path, map[string]any{
		"changes": map[string]any{"refills": 2},
	}, s.actor())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPatch, path, map[string]any{"reason": "nothing"}, s.actor())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, path+"/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []*prescription.HistoryEntry `json:"history"`
		Total   int                          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Equal(t, 2, history.Total)
	assert.Equal(t, prescription.ActionModified, history.History[0].Action)
	assert.Equal(t, "gastric discomfort", history.History[0].Reason)
	assert.Equal(t, prescription.ActionCreated, history.History[1].Action)
}

func TestDiscontinue(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, s.ibuprofen)
	path := "/api/v1/prescriptions/" + p.ID + "/discontinue"

	rec := s.do(t, http.MethodPost, path, map[string]any{"status": "active", "reason": "x"}, s.actor())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, path, map[string]any{"status": "completed", "reason": "course finished"}, s.actor())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res prescription.ModifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, prescription.StatusCompleted, res.Prescription.Status)

	patient, err := s.store.FindPatient(context.Background(), s.patientID)
	require.NoError(t, err)
	assert.NotContains(t, patient.CurrentMedications, s.ibuprofen)
}

func TestDocument(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, s.ibuprofen)
	path := "/api/v1/prescriptions/" + p.ID + "/document"

	rec := s.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="prescripcion_RX-202610-0001.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = s.do(t, http.MethodPost, path, `{"paperSize":"letter","bogus":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/prescriptions/"+s.unknownID+"/document", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFHIRExport(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, s.ibuprofen)

	rec := s.do(t, http.MethodGet, "/api/v1/prescriptions/"+p.ID+"/fhir", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/fhir+json", rec.Header().Get("Content-Type"))

	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			FullURL  string         `json:"fullUrl"`
			Resource map[string]any `json:"resource"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "Bundle", bundle.ResourceType)
	require.NotEmpty(t, bundle.Entry)
	assert.Equal(t, "MedicationRequest", bundle.Entry[0].Resource["resourceType"])
	assert.Equal(t, "https://rx.example.com/fhir/MedicationRequest/"+p.ID, bundle.Entry[0].FullURL)

	rec = s.do(t, http.MethodGet, "/api/v1/prescriptions/"+s.unknownID+"/fhir", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	assert.Equal(t, "not-found", outcome.Issue[0].Code)
}

func TestScreenAndListByPatient(t *testing.T) {
	s := newTestServer(t)
	s.create(t, s.warfarin)

	rec := s.do(t, http.MethodPost, "/api/v1/prescriptions/screen", map[string]any{
		"patientId":    s.patientID,
		"medicationId": s.ibuprofen,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var screened struct {
		Warnings []prescription.InteractionWarning `json:"interactionWarnings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &screened))
	require.Len(t, screened.Warnings, 1)
	assert.Equal(t, "Warfarin", screened.Warnings[0].MedicationName)

	s.create(t, s.ibuprofen)
	rec = s.do(t, http.MethodGet, "/api/v1/patients/"+s.patientID+"/prescriptions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Prescriptions []*prescription.Prescription `json:"prescriptions"`
		Total         int                          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 2, listed.Total)
}

func TestVerify(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, s.ibuprofen)

	token, err := s.signer.Token(p.Number, p.ID)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/verify/"+p.Number+"?token="+url.QueryEscape(token), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Valid)
	assert.Equal(t, p.Number, got.PrescriptionNumber)
	assert.NotContains(t, rec.Body.String(), "lumbar pain")

	rec = s.do(t, http.MethodGet, "/verify/"+p.Number+"?token=forged", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{prescription.ErrNotFound, http.StatusNotFound},
		{prescription.ErrValidation, http.StatusUnprocessableEntity},
		{prescription.ErrNumberConflict, http.StatusConflict},
		{prescription.ErrRendering, http.StatusUnprocessableEntity},
		{prescription.ErrPersistence, http.StatusInternalServerError},
		{idempotency.ErrMessageInProgress, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
	assert.Equal(t, "internal error", publicMessage(http.StatusInternalServerError, errors.New("pg: password=secret")))
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler("prescription-api", "test", map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"kafka":    func(context.Context) error { return errors.New("no brokers") },
	}, nil)

	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not_ready","checks":{"postgres":"ok","kafka":"no brokers"}}`, rec.Body.String())
}
