// Package render lays out a prescription as a paginated PDF document.
package render

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingField is returned when a required field is empty at render time
var ErrMissingField = errors.New("required field missing")

// Clinic is the header block
type Clinic struct {
	Name    string
	Address string
	Phone   string
	// Logo is an optional PNG
	Logo []byte
}

// Prescriber is the signature block
type Prescriber struct {
	Name           string
	License        string
	Specialization string
}

// Patient is the patient block
type Patient struct {
	FullName            string
	Age                 *int
	BirthDate           *time.Time
	MedicalRecordNumber string
}

// Treatment is one prescribed medication
type Treatment struct {
	MedicationName string
	DosageForm     string
	Strength       string
	Dosage         string
	Frequency      string
	Duration       string
	Instructions   string
}

// Sheet is everything printed on one prescription document
type Sheet struct {
	Number             string
	Date               time.Time
	Clinic             Clinic
	Prescriber         Prescriber
	Patient            Patient
	Treatments         []Treatment
	ClinicalIndication string
	LongTerm           bool
}

// Filename returns the suggested download name
func (s Sheet) Filename() string {
	return Filename(s.Number)
}

// Filename builds prescripcion_<number>.pdf
func Filename(number string) string {
	return fmt.Sprintf("prescripcion_%s.pdf", number)
}

// Validate checks the fields the document cannot be printed without
func (s Sheet) Validate() error {
	if blank(s.Patient.FullName) {
		return missing("patient name")
	}
	if len(s.Treatments) == 0 {
		return missing("treatment")
	}
	for _, t := range s.Treatments {
		switch {
		case blank(t.MedicationName):
			return missing("medication name")
		case blank(t.Dosage):
			return missing("dosage")
		case blank(t.Frequency):
			return missing("frequency")
		case blank(t.Duration):
			return missing("duration")
		}
	}
	if blank(s.ClinicalIndication) {
		return missing("clinical indication")
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}
