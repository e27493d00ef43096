package r5

import (
	"encoding/json"
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// This is the primary resource for prescription orders.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Extension  []Extension  `json:"extension,omitempty"`
	Identifier []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | ended | stopped | completed | cancelled | entered-in-error | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn time.Time  `json:"authoredOn"`
	Requester  *Reference `json:"requester,omitempty"`

	// Reason for the prescription
	Reason []CodeableReference `json:"reason,omitempty"`

	// continuous | acute
	CourseOfTherapyType *CodeableConcept `json:"courseOfTherapyType,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string   `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage `json:"dosageInstruction,omitempty"`

	// Prior prescription being continued
	PriorPrescription *Reference `json:"priorPrescription,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int     `json:"sequence,omitempty"`
	Text               string  `json:"text,omitempty"`
	PatientInstruction string  `json:"patientInstruction,omitempty"`
	Timing             *Timing `json:"timing,omitempty"`
}

// Timing contains timing information for dosage. Only the free-text code is
// populated since frequencies are recorded as text.
type Timing struct {
	Code *CodeableConcept `json:"code,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return extractIDFromReference(m.Subject.Reference)
}

// GetPrescriptionNumber returns the business identifier.
func (m *MedicationRequest) GetPrescriptionNumber() string {
	for _, id := range m.Identifier {
		if id.System == SystemPrescriptionNumber {
			return id.Value
		}
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetSigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if len(m.DosageInstruction) > 0 {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
