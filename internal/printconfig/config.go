// Package printconfig holds the layered print configuration used to render prescriptions.
package printconfig

import (
	"errors"
	"fmt"
)

// PointsPerCentimeter converts the stored centimeter values to PDF points.
// Existing printed layouts depend on this exact constant.
const PointsPerCentimeter = 28.35

// LogoPosition places the clinic logo inside the header
type LogoPosition string

const (
	LogoLeft   LogoPosition = "left"
	LogoCenter LogoPosition = "center"
	LogoRight  LogoPosition = "right"
	LogoNone   LogoPosition = "none"
)

// PageSize is the physical paper format
type PageSize string

const (
	PageA4     PageSize = "A4"
	PageLetter PageSize = "Letter"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid print configuration")

// Config is one layer of print options. A nil field means "not set at this layer"
// and never shadows a lower layer during Resolve.
type Config struct {
	MarginTop    *float64 `json:"marginTop,omitempty"`
	MarginBottom *float64 `json:"marginBottom,omitempty"`
	MarginLeft   *float64 `json:"marginLeft,omitempty"`
	MarginRight  *float64 `json:"marginRight,omitempty"`

	HeaderFontSize       *float64 `json:"headerFontSize,omitempty"`
	PatientInfoFontSize  *float64 `json:"patientInfoFontSize,omitempty"`
	TreatmentFontSize    *float64 `json:"treatmentFontSize,omitempty"`
	InstructionsFontSize *float64 `json:"instructionsFontSize,omitempty"`
	FooterFontSize       *float64 `json:"footerFontSize,omitempty"`

	LogoPosition *LogoPosition `json:"logoPosition,omitempty"`
	LogoSize     *float64      `json:"logoSize,omitempty"`

	ShowPatientAge       *bool `json:"showPatientAge,omitempty"`
	ShowPatientBirthdate *bool `json:"showPatientBirthdate,omitempty"`
	ShowMedicName        *bool `json:"showMedicName,omitempty"`
	ShowDate             *bool `json:"showDate,omitempty"`

	BoldPatientName *bool `json:"boldPatientName,omitempty"`
	BoldMedicine    *bool `json:"boldMedicine,omitempty"`

	NumberTreatments  *bool     `json:"numberTreatments,omitempty"`
	TreatmentsPerPage *int      `json:"treatmentsPerPage,omitempty"`
	PageSize          *PageSize `json:"pageSize,omitempty"`
}

// Default returns the system default layer. Each call builds a fresh value so
// callers cannot mutate a shared default.
func Default() *Config {
	return &Config{
		MarginTop:    Float(2),
		MarginBottom: Float(2),
		MarginLeft:   Float(2),
		MarginRight:  Float(2),

		HeaderFontSize:       Float(14),
		PatientInfoFontSize:  Float(11),
		TreatmentFontSize:    Float(12),
		InstructionsFontSize: Float(10),
		FooterFontSize:       Float(8),

		LogoPosition: Logo(LogoLeft),
		LogoSize:     Float(2.5),

		ShowPatientAge:       Bool(true),
		ShowPatientBirthdate: Bool(false),
		ShowMedicName:        Bool(true),
		ShowDate:             Bool(true),

		BoldPatientName: Bool(true),
		BoldMedicine:    Bool(true),

		NumberTreatments:  Bool(false),
		TreatmentsPerPage: Int(3),
		PageSize:          Page(PageA4),
	}
}

// IsEmpty reports whether no field is set at this layer
func (c *Config) IsEmpty() bool {
	return c == nil || *c == Config{}
}

// Clone returns a deep copy of the layer
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{}
	overlay(out, c)
	return out
}

// Validate checks the values present at this layer
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	for name, v := range map[string]*float64{
		"marginTop":    c.MarginTop,
		"marginBottom": c.MarginBottom,
		"marginLeft":   c.MarginLeft,
		"marginRight":  c.MarginRight,
		"logoSize":     c.LogoSize,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	for name, v := range map[string]*float64{
		"headerFontSize":       c.HeaderFontSize,
		"patientInfoFontSize":  c.PatientInfoFontSize,
		"treatmentFontSize":    c.TreatmentFontSize,
		"instructionsFontSize": c.InstructionsFontSize,
		"footerFontSize":       c.FooterFontSize,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.LogoPosition != nil {
		switch *c.LogoPosition {
		case LogoLeft, LogoCenter, LogoRight, LogoNone:
		default:
			return fmt.Errorf("%w: unknown logoPosition %q", ErrInvalidConfig, *c.LogoPosition)
		}
	}
	if c.PageSize != nil && *c.PageSize != PageA4 && *c.PageSize != PageLetter {
		return fmt.Errorf("%w: unknown pageSize %q", ErrInvalidConfig, *c.PageSize)
	}
	if c.TreatmentsPerPage != nil && *c.TreatmentsPerPage < 1 {
		return fmt.Errorf("%w: treatmentsPerPage must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// Logo returns a pointer to v
func Logo(v LogoPosition) *LogoPosition { return &v }

// Page returns a pointer to v
func Page(v PageSize) *PageSize { return &v }
