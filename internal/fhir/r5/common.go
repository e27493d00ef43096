// Package r5 provides the FHIR R5 data structures used to export prescriptions.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// ContactPoint represents a contact detail.
type ContactPoint struct {
	System string `json:"system,omitempty"` // phone | fax | email | pager | url | sms | other
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL          string `json:"url"`
	ValueString  string `json:"valueString,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Code systems
const (
	SystemPrescriptionNumber = "urn:mindhub:prescription-number"
	SystemMRN                = "urn:mindhub:medical-record-number"
	SystemLicense            = "urn:mindhub:professional-license"
	SystemIdentifierType     = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemCourseOfTherapy    = "http://terminology.hl7.org/CodeSystem/medicationrequest-course-of-therapy"
	ExtensionInteraction     = "urn:mindhub:fhir:StructureDefinition/interaction-warning"
	ExtensionStrength        = "urn:mindhub:fhir:StructureDefinition/medication-strength"
)

// Medication request statuses
const (
	StatusActive    = "active"
	StatusOnHold    = "on-hold"
	StatusEnded     = "ended"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusUnknown   = "unknown"
)

// Medication request intents
const (
	IntentProposal = "proposal"
	IntentPlan     = "plan"
	IntentOrder    = "order"
)

// Course of therapy codes
const (
	CourseContinuous = "continuous"
	CourseAcute      = "acute"
)
