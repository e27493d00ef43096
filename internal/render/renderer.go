package render

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-pdf/fpdf"

	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
)

// ContentType of the rendered document
const ContentType = "application/pdf"

const (
	lineFactor      = 1.35
	codeImageName   = "verification-code"
	logoImageName   = "clinic-logo"
	dateLayout      = "02/01/2006"
	defaultQRSizePt = 72
)

// Renderer produces PDF bytes. It holds no mutable state and is safe for
// concurrent use.
type Renderer struct {
	encoder    verification.CodeEncoder
	codeSizePt float64
	compress   bool
}

// NewRenderer creates a renderer using encoder for the verification graphic
func NewRenderer(encoder verification.CodeEncoder) *Renderer {
	return &Renderer{encoder: encoder, codeSizePt: defaultQRSizePt, compress: true}
}

// Render lays out the sheet top to bottom: clinic header, patient block,
// prescription block, clinical indication, long-term banner, signature. The
// verification code (bottom right) and the number footer (bottom left) sit at
// fixed positions on every page. Identical inputs give identical bytes.
func (r *Renderer) Render(sheet Sheet, cfg printconfig.Effective, payload string) ([]byte, error) {
	if err := sheet.Validate(); err != nil {
		return nil, err
	}
	faces, err := loadFaces()
	if err != nil {
		return nil, fmt.Errorf("fonts: %w", err)
	}
	if err := checkPrintable(faces, sheet); err != nil {
		return nil, err
	}

	code, err := r.encoder.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("verification code: %w", err)
	}

	l := newLayout(sheet, cfg, r.codeSizePt, faces)
	l.pdf.SetCompression(r.compress)
	l.pdf.RegisterImageOptionsReader(codeImageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(code))
	if len(sheet.Clinic.Logo) > 0 && cfg.LogoPosition != printconfig.LogoNone {
		l.pdf.RegisterImageOptionsReader(logoImageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(sheet.Clinic.Logo))
		l.hasLogo = true
	}

	l.pdf.AddPage()
	l.header()
	l.patient()
	l.treatments()
	l.indication()
	l.longTermBanner()
	l.signature()

	if err := l.pdf.Error(); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	var buf bytes.Buffer
	if err := l.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

type layout struct {
	pdf     *fpdf.Fpdf
	sheet   Sheet
	cfg     printconfig.Effective
	margins printconfig.Margins
	pageW   float64
	pageH   float64
	codePt  float64
	hasLogo bool
}

func newLayout(sheet Sheet, cfg printconfig.Effective, codePt float64, faces []*face) *layout {
	pdf := fpdf.New("P", "pt", string(cfg.PageSize), "")
	for _, f := range faces {
		pdf.AddUTF8FontFromBytes(fontFamily, f.style, f.data)
	}
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(sheet.Date)
	pdf.SetModificationDate(sheet.Date)
	pdf.SetTitle("Prescripcion "+sheet.Number, true)
	pdf.SetCreator("MINDHUB", true)
	pdf.AliasNbPages("")

	m := cfg.MarginsPoints()
	pdf.SetMargins(m.Left, m.Top, m.Right)
	// keep flowing content clear of the fixed code and footer
	pdf.SetAutoPageBreak(true, m.Bottom+codePt+cfg.FooterFontSize)

	w, h := pdf.GetPageSize()
	l := &layout{
		pdf:     pdf,
		sheet:   sheet,
		cfg:     cfg,
		margins: m,
		pageW:   w,
		pageH:   h,
		codePt:  codePt,
	}
	pdf.SetFooterFunc(l.footer)
	return l
}

func (l *layout) contentWidth() float64 {
	return l.pageW - l.margins.Left - l.margins.Right
}

func (l *layout) lineHeight(size float64) float64 {
	return size * lineFactor
}

func (l *layout) font(style string, size float64) {
	l.pdf.SetFont(fontFamily, style, size)
}

func boldIf(b bool) string {
	if b {
		return "B"
	}
	return ""
}

// line writes "label value" on its own line, value optionally bold
func (l *layout) line(label, value string, size float64, boldValue bool) {
	h := l.lineHeight(size)
	l.font("", size)
	lw := 0.0
	if label != "" {
		lw = l.pdf.GetStringWidth(label) + 3
		l.pdf.CellFormat(lw, h, label, "", 0, "L", false, 0, "")
	}
	l.font(boldIf(boldValue), size)
	l.pdf.CellFormat(l.contentWidth()-lw, h, value, "", 1, "L", false, 0, "")
}

func (l *layout) rule() {
	y := l.pdf.GetY() + 4
	l.pdf.SetLineWidth(0.5)
	l.pdf.Line(l.margins.Left, y, l.pageW-l.margins.Right, y)
	l.pdf.SetY(y + 6)
}

func (l *layout) header() {
	size := l.cfg.HeaderFontSize
	if l.cfg.ShowMedicName {
		top := l.pdf.GetY()
		textX := l.margins.Left
		textW := l.contentWidth()
		align := "L"
		logoH := 0.0

		if l.hasLogo {
			s := l.cfg.LogoSizePoints()
			logoH = s
			switch l.cfg.LogoPosition {
			case printconfig.LogoLeft:
				l.pdf.ImageOptions(logoImageName, l.margins.Left, top, s, s, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
				textX += s + 8
				textW -= s + 8
			case printconfig.LogoRight:
				l.pdf.ImageOptions(logoImageName, l.pageW-l.margins.Right-s, top, s, s, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
				textW -= s + 8
			case printconfig.LogoCenter:
				l.pdf.ImageOptions(logoImageName, (l.pageW-s)/2, top, s, s, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
				l.pdf.SetY(top + s + 4)
				align = "C"
				logoH = 0
			}
		}

		pr := l.sheet.Prescriber
		l.pdf.SetX(textX)
		l.font("B", size)
		l.pdf.CellFormat(textW, l.lineHeight(size), pr.Name, "", 1, align, false, 0, "")
		small := size * 0.75
		for _, s := range []string{pr.Specialization, l.sheet.Clinic.Name, l.sheet.Clinic.Address, l.sheet.Clinic.Phone} {
			if s == "" {
				continue
			}
			l.pdf.SetX(textX)
			l.font("", small)
			l.pdf.CellFormat(textW, l.lineHeight(small), s, "", 1, align, false, 0, "")
		}
		if y := top + logoH; l.pdf.GetY() < y {
			l.pdf.SetY(y)
		}
	}

	if l.cfg.ShowDate {
		size := l.cfg.PatientInfoFontSize
		l.font("", size)
		l.pdf.CellFormat(l.contentWidth(), l.lineHeight(size),
			"Fecha de emisión: "+l.sheet.Date.Format(dateLayout), "", 1, "R", false, 0, "")
	}
	l.rule()
}

func (l *layout) patient() {
	size := l.cfg.PatientInfoFontSize
	p := l.sheet.Patient

	l.line("Paciente:", p.FullName, size, l.cfg.BoldPatientName)
	if l.cfg.ShowPatientAge && p.Age != nil {
		l.line("Edad:", strconv.Itoa(*p.Age)+" años", size, false)
	}
	if l.cfg.ShowPatientBirthdate && p.BirthDate != nil {
		l.line("Fecha de nacimiento:", p.BirthDate.Format(dateLayout), size, false)
	}
	l.line("Expediente:", p.MedicalRecordNumber, size, false)
	l.line("Fecha:", l.sheet.Date.Format(dateLayout), size, false)
	l.rule()
}

func (l *layout) treatments() {
	size := l.cfg.TreatmentFontSize
	l.font("B", size+2)
	l.pdf.CellFormat(l.contentWidth(), l.lineHeight(size+2), "Prescripción", "", 1, "L", false, 0, "")
	l.pdf.Ln(2)

	perPage := l.cfg.TreatmentsPerPage
	if perPage < 1 {
		perPage = 1
	}
	for i, t := range l.sheet.Treatments {
		if i > 0 && i%perPage == 0 {
			l.pdf.AddPage()
		}
		name := t.MedicationName
		if l.cfg.NumberTreatments {
			name = strconv.Itoa(i+1) + ". " + name
		}
		l.line("", name, size, l.cfg.BoldMedicine)
		l.line("Dosis:", t.Dosage, size, false)
		l.line("Frecuencia:", t.Frequency, size, false)
		l.line("Duración:", t.Duration, size, false)
		l.line("Forma farmacéutica:", t.DosageForm, size, false)
		l.line("Concentración:", t.Strength, size, false)
		if t.Instructions != "" {
			is := l.cfg.InstructionsFontSize
			l.font("I", is)
			l.pdf.MultiCell(l.contentWidth(), l.lineHeight(is), "Indicaciones: "+t.Instructions, "", "L", false)
		}
		l.pdf.Ln(l.lineHeight(size) / 2)
	}
}

func (l *layout) indication() {
	size := l.cfg.PatientInfoFontSize
	l.font("B", size)
	label := "Indicación clínica: "
	l.pdf.CellFormat(l.pdf.GetStringWidth(label), l.lineHeight(size), label, "", 0, "L", false, 0, "")
	l.font("", size)
	l.pdf.MultiCell(0, l.lineHeight(size), l.sheet.ClinicalIndication, "", "L", false)
}

func (l *layout) longTermBanner() {
	if !l.sheet.LongTerm {
		return
	}
	size := l.cfg.TreatmentFontSize
	l.pdf.Ln(4)
	l.pdf.SetFillColor(230, 230, 230)
	l.font("B", size)
	l.pdf.CellFormat(l.contentWidth(), l.lineHeight(size)+4, "TRATAMIENTO DE LARGO PLAZO", "1", 1, "C", true, 0, "")
}

func (l *layout) signature() {
	size := l.cfg.PatientInfoFontSize
	pr := l.sheet.Prescriber
	l.pdf.Ln(l.lineHeight(size) * 3)

	w := l.contentWidth() / 2
	x := l.margins.Left + (l.contentWidth()-w)/2
	y := l.pdf.GetY()
	l.pdf.SetLineWidth(0.5)
	l.pdf.Line(x, y, x+w, y)
	l.pdf.Ln(2)

	for i, s := range []string{pr.Name, "Cédula profesional: " + pr.License, pr.Specialization} {
		if i == 2 && s == "" {
			continue
		}
		l.font(boldIf(i == 0), size)
		l.pdf.SetX(x)
		l.pdf.CellFormat(w, l.lineHeight(size), s, "", 1, "C", false, 0, "")
	}
}

// footer is called by fpdf when each page is closed
func (l *layout) footer() {
	code := l.codePt
	x := l.pageW - l.margins.Right - code
	y := l.pageH - l.margins.Bottom - code
	l.pdf.ImageOptions(codeImageName, x, y, code, code, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")

	size := l.cfg.FooterFontSize
	l.font("", size)
	l.pdf.SetXY(l.margins.Left, l.pageH-l.margins.Bottom-l.lineHeight(size))
	text := fmt.Sprintf("%s  %d/{nb}", l.sheet.Number, l.pdf.PageNo())
	l.pdf.CellFormat(l.contentWidth()-code, l.lineHeight(size), text, "", 0, "L", false, 0, "")
}
