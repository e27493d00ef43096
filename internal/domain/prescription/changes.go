package prescription

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
)

// Changes is a partial set of prescription fields. Only fields that exist on
// Prescription can be expressed, and unknown JSON fields are rejected when
// decoding.
type Changes struct {
	Dosage             *string             `json:"dosage,omitempty"`
	Frequency          *string             `json:"frequency,omitempty"`
	Duration           *string             `json:"duration,omitempty"`
	Instructions       *string             `json:"instructions,omitempty"`
	ClinicalIndication *string             `json:"clinicalIndication,omitempty"`
	IsLongTerm         *bool               `json:"isLongTerm,omitempty"`
	Status             *Status             `json:"status,omitempty"`
	MedicationID       *string             `json:"medicationId,omitempty"`
	PrintConfig        *printconfig.Config `json:"printConfig,omitempty"`
}

// ParseChanges decodes a JSON change set, rejecting fields the prescription
// does not have
func ParseChanges(data []byte) (Changes, error) {
	var c Changes
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Changes{}, invalid("changes: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Changes{}, invalid("changes: trailing data")
	}
	return c, nil
}

// IsEmpty reports whether no field is set
func (c Changes) IsEmpty() bool {
	return len(c.Fields()) == 0
}

// Fields lists the set field names, sorted
func (c Changes) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(c.Dosage != nil, "dosage")
	add(c.Frequency != nil, "frequency")
	add(c.Duration != nil, "duration")
	add(c.Instructions != nil, "instructions")
	add(c.ClinicalIndication != nil, "clinicalIndication")
	add(c.IsLongTerm != nil, "isLongTerm")
	add(c.Status != nil, "status")
	add(c.MedicationID != nil, "medicationId")
	add(!c.PrintConfig.IsEmpty(), "printConfig")
	sort.Strings(out)
	return out
}

// Validate checks the values of the set fields
func (c Changes) Validate() error {
	if c.IsEmpty() {
		return invalid("no changes supplied")
	}
	for name, v := range map[string]*string{
		"dosage":             c.Dosage,
		"frequency":          c.Frequency,
		"duration":           c.Duration,
		"clinicalIndication": c.ClinicalIndication,
	} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return invalid("%s must not be empty", name)
		}
	}
	if c.Status != nil && !c.Status.Valid() {
		return invalid("unknown status %q", *c.Status)
	}
	if c.MedicationID != nil {
		if err := checkID("medicationId", *c.MedicationID); err != nil {
			return err
		}
	}
	if err := c.PrintConfig.Validate(); err != nil {
		return invalid("printConfig: %v", err)
	}
	return nil
}

// Apply writes the set fields onto p and stamps UpdatedAt. A print config
// change is overlaid on the stored snapshot.
func (c Changes) Apply(p *Prescription, at time.Time) {
	if c.Dosage != nil {
		p.Dosage = *c.Dosage
	}
	if c.Frequency != nil {
		p.Frequency = *c.Frequency
	}
	if c.Duration != nil {
		p.Duration = *c.Duration
	}
	if c.Instructions != nil {
		p.Instructions = *c.Instructions
	}
	if c.ClinicalIndication != nil {
		p.ClinicalIndication = *c.ClinicalIndication
	}
	if c.IsLongTerm != nil {
		p.IsLongTerm = *c.IsLongTerm
	}
	if c.Status != nil {
		p.Status = *c.Status
	}
	if c.MedicationID != nil {
		p.MedicationID = *c.MedicationID
	}
	if !c.PrintConfig.IsEmpty() {
		p.PrintConfig = printconfig.Merge(p.PrintConfig, c.PrintConfig)
	}
	p.UpdatedAt = at
}

// initialChanges records a new prescription as a change from nothing
func initialChanges(p *Prescription) Changes {
	status := p.Status
	longTerm := p.IsLongTerm
	c := Changes{
		Dosage:             str(p.Dosage),
		Frequency:          str(p.Frequency),
		Duration:           str(p.Duration),
		ClinicalIndication: str(p.ClinicalIndication),
		IsLongTerm:         &longTerm,
		Status:             &status,
		MedicationID:       str(p.MedicationID),
	}
	if p.Instructions != "" {
		c.Instructions = str(p.Instructions)
	}
	return c
}

func str(s string) *string { return &s }
