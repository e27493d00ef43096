// Package mapper exports prescriptions as FHIR R5 resources.
package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	fhir "github.com/dralejandroc/MINDHUB-sub001/internal/fhir/r5"
)

// PrescriptionMapper maps prescription records to FHIR R5
type PrescriptionMapper struct {
	// BaseURL prefixes bundle entry fullUrls
	BaseURL string
}

// NewPrescriptionMapper creates a new mapper
func NewPrescriptionMapper(baseURL string) *PrescriptionMapper {
	return &PrescriptionMapper{BaseURL: strings.TrimRight(baseURL, "/")}
}

// MapStatus converts a prescription status to a MedicationRequest status
func MapStatus(s prescription.Status) string {
	switch s {
	case prescription.StatusActive:
		return fhir.StatusActive
	case prescription.StatusCompleted:
		return fhir.StatusCompleted
	case prescription.StatusCancelled:
		return fhir.StatusCancelled
	case prescription.StatusExpired:
		return fhir.StatusEnded
	default:
		return fhir.StatusUnknown
	}
}

// MapMedicationRequest converts a prescription. med and prescriber may be nil,
// in which case the references carry no display text.
func (m *PrescriptionMapper) MapMedicationRequest(p *prescription.Prescription, med *prescription.Medication, prescriber *prescription.Prescriber) *fhir.MedicationRequest {
	updated := p.UpdatedAt.UTC()
	mr := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           p.ID,
		Meta:         &fhir.Meta{LastUpdated: &updated},
		Identifier: []fhir.Identifier{{
			Use:    "official",
			System: fhir.SystemPrescriptionNumber,
			Value:  p.Number,
		}},
		Status:     MapStatus(p.Status),
		Intent:     fhir.IntentOrder,
		Subject:    fhir.Reference{Reference: "Patient/" + p.PatientID, Type: "Patient"},
		AuthoredOn: p.PrescribedAt.UTC(),
		Requester:  &fhir.Reference{Reference: "Practitioner/" + p.PrescriberID, Type: "Practitioner"},
		Medication: fhir.CodeableReference{
			Reference: &fhir.Reference{Reference: "Medication/" + p.MedicationID, Type: "Medication"},
		},
		RenderedDosageInstruction: sig(p),
		DosageInstruction: []fhir.Dosage{{
			Sequence:           1,
			Text:               sig(p),
			PatientInstruction: p.Instructions,
			Timing:             &fhir.Timing{Code: &fhir.CodeableConcept{Text: p.Frequency}},
		}},
	}

	if med != nil {
		mr.Medication.Concept = &fhir.CodeableConcept{Text: med.DisplayName()}
		mr.Medication.Reference.Display = med.DisplayName()
	}
	if prescriber != nil {
		mr.Requester.Display = prescriber.FullName
	}
	if p.ClinicalIndication != "" {
		mr.Reason = []fhir.CodeableReference{{Concept: &fhir.CodeableConcept{Text: p.ClinicalIndication}}}
	}

	course := fhir.CourseAcute
	if p.IsLongTerm {
		course = fhir.CourseContinuous
	}
	mr.CourseOfTherapyType = &fhir.CodeableConcept{
		Coding: []fhir.Coding{{System: fhir.SystemCourseOfTherapy, Code: course}},
	}

	if p.ContinuesID != nil {
		mr.PriorPrescription = &fhir.Reference{Reference: "MedicationRequest/" + *p.ContinuesID, Type: "MedicationRequest"}
	}

	for _, w := range p.Warnings {
		mr.Extension = append(mr.Extension, fhir.Extension{
			URL:         fhir.ExtensionInteraction,
			ValueString: fmt.Sprintf("[%s] %s: %s", w.Severity, w.MedicationName, w.Description),
		})
	}
	return mr
}

// MapPatient converts a patient record
func (m *PrescriptionMapper) MapPatient(p *prescription.Patient) *fhir.Patient {
	if p == nil {
		return nil
	}
	family := strings.TrimSpace(strings.Join([]string{p.LastName, p.SecondLastName}, " "))
	out := &fhir.Patient{
		ResourceType: "Patient",
		ID:           p.ID,
		Active:       true,
		Name: []fhir.HumanName{{
			Use:    "official",
			Text:   p.FullName(),
			Family: family,
			Given:  nonEmpty(p.FirstName),
		}},
	}
	if p.MedicalRecordNumber != "" {
		out.Identifier = append(out.Identifier, fhir.Identifier{
			Use: "usual",
			Type: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: fhir.SystemIdentifierType, Code: "MR"}},
			},
			System: fhir.SystemMRN,
			Value:  p.MedicalRecordNumber,
		})
	}
	if p.BirthDate != nil {
		out.BirthDate = p.BirthDate.UTC().Format("2006-01-02")
	}
	return out
}

// MapPractitioner converts a prescriber record
func (m *PrescriptionMapper) MapPractitioner(p *prescription.Prescriber) *fhir.Practitioner {
	if p == nil {
		return nil
	}
	out := &fhir.Practitioner{
		ResourceType: "Practitioner",
		ID:           p.ID,
		Name:         []fhir.HumanName{{Use: "official", Text: p.FullName}},
	}
	if p.LicenseNumber != "" {
		out.Identifier = []fhir.Identifier{{System: fhir.SystemLicense, Value: p.LicenseNumber}}
	}
	if p.Specialization != "" {
		out.Qualification = []fhir.PractitionerQualification{{
			Code: fhir.CodeableConcept{Text: p.Specialization},
		}}
	}
	if p.ClinicPhone != "" {
		out.Telecom = []fhir.ContactPoint{{System: "phone", Value: p.ClinicPhone, Use: "work"}}
	}
	return out
}

// MapMedication converts a catalog entry
func (m *PrescriptionMapper) MapMedication(med *prescription.Medication) *fhir.Medication {
	if med == nil {
		return nil
	}
	out := &fhir.Medication{
		ResourceType: "Medication",
		ID:           med.ID,
		Code:         &fhir.CodeableConcept{Text: med.DisplayName()},
	}
	if med.DosageForm != "" {
		out.DoseForm = &fhir.CodeableConcept{Text: med.DosageForm}
	}
	if med.Strength != "" {
		out.Extension = []fhir.Extension{{URL: fhir.ExtensionStrength, ValueString: med.Strength}}
	}
	return out
}

// MapBundle returns a collection bundle with the MedicationRequest first,
// followed by whichever related resources are present
func (m *PrescriptionMapper) MapBundle(rel *prescription.Related, at time.Time) *fhir.Bundle {
	ts := at.UTC()
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           rel.Prescription.ID,
		Type:         "collection",
		Timestamp:    &ts,
	}
	b.Entry = append(b.Entry, m.entry("MedicationRequest", rel.Prescription.ID,
		m.MapMedicationRequest(rel.Prescription, rel.Medication, rel.Prescriber)))
	if rel.Patient != nil {
		b.Entry = append(b.Entry, m.entry("Patient", rel.Patient.ID, m.MapPatient(rel.Patient)))
	}
	if rel.Prescriber != nil {
		b.Entry = append(b.Entry, m.entry("Practitioner", rel.Prescriber.ID, m.MapPractitioner(rel.Prescriber)))
	}
	if rel.Medication != nil {
		b.Entry = append(b.Entry, m.entry("Medication", rel.Medication.ID, m.MapMedication(rel.Medication)))
	}
	return b
}

func (m *PrescriptionMapper) entry(resourceType, id string, resource any) fhir.BundleEntry {
	fullURL := "urn:uuid:" + id
	if m.BaseURL != "" {
		fullURL = m.BaseURL + "/" + resourceType + "/" + id
	}
	return fhir.BundleEntry{FullURL: fullURL, Resource: resource}
}

// sig joins dosage, frequency and duration into one instruction line
func sig(p *prescription.Prescription) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Dosage, p.Frequency, p.Duration} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func nonEmpty(s string) []string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return []string{s}
}
