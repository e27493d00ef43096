package printconfig

// Effective is a fully merged configuration used for exactly one render
type Effective struct {
	MarginTop    float64
	MarginBottom float64
	MarginLeft   float64
	MarginRight  float64

	HeaderFontSize       float64
	PatientInfoFontSize  float64
	TreatmentFontSize    float64
	InstructionsFontSize float64
	FooterFontSize       float64

	LogoPosition LogoPosition
	LogoSize     float64

	ShowPatientAge       bool
	ShowPatientBirthdate bool
	ShowMedicName        bool
	ShowDate             bool

	BoldPatientName bool
	BoldMedicine    bool

	NumberTreatments  bool
	TreatmentsPerPage int
	PageSize          PageSize
}

// Margins holds page margins in points
type Margins struct {
	Top, Bottom, Left, Right float64
}

// MarginsPoints converts the centimeter margins to points
func (e Effective) MarginsPoints() Margins {
	return Margins{
		Top:    e.MarginTop * PointsPerCentimeter,
		Bottom: e.MarginBottom * PointsPerCentimeter,
		Left:   e.MarginLeft * PointsPerCentimeter,
		Right:  e.MarginRight * PointsPerCentimeter,
	}
}

// LogoSizePoints returns the logo edge length in points
func (e Effective) LogoSizePoints() float64 {
	return e.LogoSize * PointsPerCentimeter
}

// Resolve merges default < stored < override field by field. Nil layers and
// nil fields are skipped. The inputs are never modified.
func Resolve(def, stored, override *Config) Effective {
	merged := &Config{}
	overlay(merged, Default())
	overlay(merged, def)
	overlay(merged, stored)
	overlay(merged, override)
	return merged.effective()
}

// Merge returns the layered Config (not flattened). Used to persist the resolved
// snapshot on a prescription.
func Merge(layers ...*Config) *Config {
	merged := &Config{}
	for _, l := range layers {
		overlay(merged, l)
	}
	return merged
}

// Snapshot returns the fully populated layer equivalent to e
func (e Effective) Snapshot() *Config {
	return &Config{
		MarginTop:            Float(e.MarginTop),
		MarginBottom:         Float(e.MarginBottom),
		MarginLeft:           Float(e.MarginLeft),
		MarginRight:          Float(e.MarginRight),
		HeaderFontSize:       Float(e.HeaderFontSize),
		PatientInfoFontSize:  Float(e.PatientInfoFontSize),
		TreatmentFontSize:    Float(e.TreatmentFontSize),
		InstructionsFontSize: Float(e.InstructionsFontSize),
		FooterFontSize:       Float(e.FooterFontSize),
		LogoPosition:         Logo(e.LogoPosition),
		LogoSize:             Float(e.LogoSize),
		ShowPatientAge:       Bool(e.ShowPatientAge),
		ShowPatientBirthdate: Bool(e.ShowPatientBirthdate),
		ShowMedicName:        Bool(e.ShowMedicName),
		ShowDate:             Bool(e.ShowDate),
		BoldPatientName:      Bool(e.BoldPatientName),
		BoldMedicine:         Bool(e.BoldMedicine),
		NumberTreatments:     Bool(e.NumberTreatments),
		TreatmentsPerPage:    Int(e.TreatmentsPerPage),
		PageSize:             Page(e.PageSize),
	}
}

// effective flattens a fully populated layer. Callers must have overlaid Default first.
func (c *Config) effective() Effective {
	return Effective{
		MarginTop:            *c.MarginTop,
		MarginBottom:         *c.MarginBottom,
		MarginLeft:           *c.MarginLeft,
		MarginRight:          *c.MarginRight,
		HeaderFontSize:       *c.HeaderFontSize,
		PatientInfoFontSize:  *c.PatientInfoFontSize,
		TreatmentFontSize:    *c.TreatmentFontSize,
		InstructionsFontSize: *c.InstructionsFontSize,
		FooterFontSize:       *c.FooterFontSize,
		LogoPosition:         *c.LogoPosition,
		LogoSize:             *c.LogoSize,
		ShowPatientAge:       *c.ShowPatientAge,
		ShowPatientBirthdate: *c.ShowPatientBirthdate,
		ShowMedicName:        *c.ShowMedicName,
		ShowDate:             *c.ShowDate,
		BoldPatientName:      *c.BoldPatientName,
		BoldMedicine:         *c.BoldMedicine,
		NumberTreatments:     *c.NumberTreatments,
		TreatmentsPerPage:    *c.TreatmentsPerPage,
		PageSize:             *c.PageSize,
	}
}

// overlay copies every set field of src into dst. Values are copied, not
// pointers, so dst never aliases src.
func overlay(dst, src *Config) {
	if src == nil {
		return
	}
	setFloat(&dst.MarginTop, src.MarginTop)
	setFloat(&dst.MarginBottom, src.MarginBottom)
	setFloat(&dst.MarginLeft, src.MarginLeft)
	setFloat(&dst.MarginRight, src.MarginRight)
	setFloat(&dst.HeaderFontSize, src.HeaderFontSize)
	setFloat(&dst.PatientInfoFontSize, src.PatientInfoFontSize)
	setFloat(&dst.TreatmentFontSize, src.TreatmentFontSize)
	setFloat(&dst.InstructionsFontSize, src.InstructionsFontSize)
	setFloat(&dst.FooterFontSize, src.FooterFontSize)
	setFloat(&dst.LogoSize, src.LogoSize)
	setBool(&dst.ShowPatientAge, src.ShowPatientAge)
	setBool(&dst.ShowPatientBirthdate, src.ShowPatientBirthdate)
	setBool(&dst.ShowMedicName, src.ShowMedicName)
	setBool(&dst.ShowDate, src.ShowDate)
	setBool(&dst.BoldPatientName, src.BoldPatientName)
	setBool(&dst.BoldMedicine, src.BoldMedicine)
	setBool(&dst.NumberTreatments, src.NumberTreatments)
	if src.LogoPosition != nil {
		dst.LogoPosition = Logo(*src.LogoPosition)
	}
	if src.TreatmentsPerPage != nil {
		dst.TreatmentsPerPage = Int(*src.TreatmentsPerPage)
	}
	if src.PageSize != nil {
		dst.PageSize = Page(*src.PageSize)
	}
}

func setFloat(dst **float64, src *float64) {
	if src != nil {
		*dst = Float(*src)
	}
}

func setBool(dst **bool, src *bool) {
	if src != nil {
		*dst = Bool(*src)
	}
}
