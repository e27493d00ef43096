package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription/memstore"
	"github.com/dralejandroc/MINDHUB-sub001/internal/render"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
)

func TestRenderAll(t *testing.T) {
	store := memstore.New()
	patientID, doctorID, medID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	store.AddPatient(&prescription.Patient{ID: patientID, FirstName: "Ana", LastName: "García"})
	store.AddPrescriber(&prescription.Prescriber{ID: doctorID, FullName: "Dra. Elena Ruiz", LicenseNumber: "CED-1"})
	store.AddMedication(&prescription.Medication{ID: medID, GenericName: "Metformin", DosageForm: "tablet", Strength: "850mg"})

	signer, err := verification.NewSigner("https://rx.example.com", "secret")
	require.NoError(t, err)
	engine := prescription.NewEngine(prescription.Dependencies{
		Store:     store,
		Directory: store,
		Renderer:  render.NewRenderer(verification.NewQREncoder()),
		Signer:    signer,
	}, prescription.DefaultConfig())

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := engine.Create(context.Background(), prescription.CreateInput{
			PatientID:          patientID,
			MedicationID:       medID,
			Dosage:             "850mg",
			Frequency:          "every 12 hours",
			Duration:           "30 days",
			ClinicalIndication: "type 2 diabetes",
			IsLongTerm:         true,
			ActorID:            doctorID,
		})
		require.NoError(t, err)
		ids = append(ids, res.Prescription.ID)
	}
	missing := uuid.NewString()
	ids = append(ids, missing)

	dir := filepath.Join(t.TempDir(), "out")
	outcomes, err := renderAll(context.Background(), engine, ids, dir, "ops@clinic", 2, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	for _, o := range outcomes[:3] {
		require.NoError(t, o.Err)
		data, err := os.ReadFile(o.Path)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
		assert.Regexp(t, `prescripcion_RX-\d{6}-\d{4}\.pdf$`, o.Path)
	}
	assert.Equal(t, missing, outcomes[3].ID)
	assert.Equal(t, prescription.KindNotFound, prescription.KindOf(outcomes[3].Err))
}
