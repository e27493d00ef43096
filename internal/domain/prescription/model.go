// Package prescription implements the prescription lifecycle: numbering,
// interaction screening, the history ledger, the patient's active-medication
// set and document rendering.
package prescription

import (
	"strings"
	"time"

	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
)

// Status represents prescription status
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s ends the prescription's active life
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Medication is reference data from the pharmacology catalog
type Medication struct {
	ID                string   `json:"id"`
	GenericName       string   `json:"genericName"`
	BrandNames        []string `json:"brandNames"`
	TherapeuticClass  string   `json:"therapeuticClass"`
	DosageForm        string   `json:"dosageForm"`
	Strength          string   `json:"strength"`
	Contraindications string   `json:"contraindications,omitempty"`
	// Interactions holds free-text interaction descriptors
	Interactions []string `json:"interactions,omitempty"`
}

// DisplayName returns the generic name followed by the first brand, if any
func (m *Medication) DisplayName() string {
	if len(m.BrandNames) == 0 || m.BrandNames[0] == "" {
		return m.GenericName
	}
	return m.GenericName + " (" + m.BrandNames[0] + ")"
}

// Patient is the subset of the clinical record the engine needs
type Patient struct {
	ID                  string     `json:"id"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	SecondLastName      string     `json:"secondLastName,omitempty"`
	BirthDate           *time.Time `json:"birthDate,omitempty"`
	MedicalRecordNumber string     `json:"medicalRecordNumber"`
	CurrentMedications  []string   `json:"currentMedications"`
}

// FullName joins the non-empty name parts
func (p *Patient) FullName() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.FirstName, p.LastName, p.SecondLastName} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// AgeAt returns the patient's age in whole years at t, or nil when the birth
// date is unknown
func (p *Patient) AgeAt(t time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	t = t.UTC()
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

// Prescriber signs the prescription and owns the clinic header
type Prescriber struct {
	ID             string `json:"id"`
	FullName       string `json:"fullName"`
	LicenseNumber  string `json:"licenseNumber"`
	Specialization string `json:"specialization,omitempty"`
	ClinicName     string `json:"clinicName,omitempty"`
	ClinicAddress  string `json:"clinicAddress,omitempty"`
	ClinicPhone    string `json:"clinicPhone,omitempty"`
	// ClinicLogo is an optional PNG
	ClinicLogo []byte `json:"-"`
}

// Prescription is the prescription record
type Prescription struct {
	ID                 string               `json:"id"`
	Number             string               `json:"prescriptionNumber"`
	PatientID          string               `json:"patientId"`
	MedicationID       string               `json:"medicationId"`
	PrescriberID       string               `json:"prescriberId"`
	Dosage             string               `json:"dosage"`
	Frequency          string               `json:"frequency"`
	Duration           string               `json:"duration"`
	Instructions       string               `json:"instructions,omitempty"`
	ClinicalIndication string               `json:"clinicalIndication"`
	IsLongTerm         bool                 `json:"isLongTerm"`
	ContinuesID        *string              `json:"continuesId,omitempty"`
	Status             Status               `json:"status"`
	PrescribedAt       time.Time            `json:"prescribedAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	PrintConfig        *printconfig.Config  `json:"printConfig"`
	Warnings           []InteractionWarning `json:"interactionWarnings"`
}

// Clone returns a deep copy
func (p *Prescription) Clone() *Prescription {
	if p == nil {
		return nil
	}
	c := *p
	if p.ContinuesID != nil {
		id := *p.ContinuesID
		c.ContinuesID = &id
	}
	c.PrintConfig = p.PrintConfig.Clone()
	if p.Warnings != nil {
		c.Warnings = append(make([]InteractionWarning, 0, len(p.Warnings)), p.Warnings...)
	}
	return &c
}

// Severity grades an interaction warning
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

// InteractionWarning is frozen onto the prescription at creation
type InteractionWarning struct {
	Severity       Severity `json:"severity"`
	MedicationName string   `json:"medicationName"`
	Description    string   `json:"description"`
}
