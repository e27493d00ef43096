package render

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
)

const testPayload = "https://app.example.com/verify/RX-202610-0001?token=abc"

type failingEncoder struct{}

func (failingEncoder) Encode(string) ([]byte, error) { return nil, errors.New("boom") }

func testSheet(treatments int) Sheet {
	age := 34
	s := Sheet{
		Number: "RX-202610-0001",
		Date:   time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC),
		Clinic: Clinic{Name: "Clínica Central", Address: "Av. Reforma 100", Phone: "555-0100"},
		Prescriber: Prescriber{
			Name:           "Dra. Ana López",
			License:        "1234567",
			Specialization: "Psiquiatría",
		},
		Patient: Patient{
			FullName:            "Juan Pérez",
			Age:                 &age,
			MedicalRecordNumber: "MRN-0042",
		},
		ClinicalIndication: "Trastorno de ansiedad generalizada",
		LongTerm:           true,
	}
	for i := 0; i < treatments; i++ {
		s.Treatments = append(s.Treatments, Treatment{
			MedicationName: "Sertralina",
			DosageForm:     "Tableta",
			Strength:       "50 mg",
			Dosage:         "1 tableta",
			Frequency:      "cada 24 horas",
			Duration:       "30 días",
			Instructions:   "Tomar por la mañana con alimentos",
		})
	}
	return s
}

func pageCount(pdf []byte) int {
	return bytes.Count(pdf, []byte("/Type /Page\n"))
}

func TestRenderIsDeterministic(t *testing.T) {
	r := NewRenderer(verification.NewQREncoder())
	cfg := printconfig.Resolve(printconfig.Default(), nil, nil)

	a, err := r.Render(testSheet(1), cfg, testPayload)
	require.NoError(t, err)
	b, err := r.Render(testSheet(1), cfg, testPayload)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(a, []byte("%PDF-")))
	assert.Equal(t, a, b)
	assert.Equal(t, 1, pageCount(a))
}

func TestRenderPaginatesTreatments(t *testing.T) {
	r := NewRenderer(verification.NewQREncoder())
	cfg := printconfig.Resolve(printconfig.Default(), nil, &printconfig.Config{
		TreatmentsPerPage: printconfig.Int(3),
		NumberTreatments:  printconfig.Bool(true),
	})

	out, err := r.Render(testSheet(4), cfg, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 2, pageCount(out))
}

func TestRenderMissingFields(t *testing.T) {
	r := NewRenderer(verification.NewQREncoder())
	cfg := printconfig.Resolve(printconfig.Default(), nil, nil)

	tests := []struct {
		name   string
		mutate func(*Sheet)
	}{
		{name: "clinical indication", mutate: func(s *Sheet) { s.ClinicalIndication = "  " }},
		{name: "patient name", mutate: func(s *Sheet) { s.Patient.FullName = "" }},
		{name: "dosage", mutate: func(s *Sheet) { s.Treatments[0].Dosage = "" }},
		{name: "no treatments", mutate: func(s *Sheet) { s.Treatments = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSheet(1)
			tt.mutate(&s)
			_, err := r.Render(s, cfg, testPayload)
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestRenderEncoderFailure(t *testing.T) {
	r := NewRenderer(failingEncoder{})
	_, err := r.Render(testSheet(1), printconfig.Resolve(nil, nil, nil), testPayload)
	assert.Error(t, err)
}

// plainRenderer leaves content streams uncompressed so text can be searched
func plainRenderer() *Renderer {
	r := NewRenderer(verification.NewQREncoder())
	r.compress = false
	return r
}

// pdfText encodes s the way a UTF-8 font writes it into a content stream
func pdfText(s string) []byte {
	var b []byte
	for _, u := range utf16.Encode([]rune(s)) {
		b = append(b, byte(u>>8), byte(u))
	}
	b = bytes.ReplaceAll(b, []byte(`\`), []byte(`\\`))
	b = bytes.ReplaceAll(b, []byte("("), []byte(`\(`))
	b = bytes.ReplaceAll(b, []byte(")"), []byte(`\)`))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte(`\r`))
	return b
}

// hasCell reports whether s was written as one text cell
func hasCell(pdf []byte, s string) bool {
	cell := append([]byte("("), pdfText(s)...)
	return bytes.Contains(pdf, append(cell, ')'))
}

func hasText(pdf []byte, s string) bool {
	return bytes.Contains(pdf, pdfText(s))
}

func TestRenderSections(t *testing.T) {
	birth := time.Date(1992, 3, 4, 0, 0, 0, 0, time.UTC)
	sheet := func(longTerm bool, instructions string) Sheet {
		s := testSheet(1)
		s.Patient.BirthDate = &birth
		s.LongTerm = longTerm
		s.Treatments[0].Instructions = instructions
		return s
	}
	shown := printconfig.Resolve(printconfig.Default(), nil, &printconfig.Config{
		ShowMedicName:        printconfig.Bool(true),
		ShowDate:             printconfig.Bool(true),
		ShowPatientAge:       printconfig.Bool(true),
		ShowPatientBirthdate: printconfig.Bool(true),
	})
	hidden := printconfig.Resolve(printconfig.Default(), nil, &printconfig.Config{
		ShowMedicName:        printconfig.Bool(false),
		ShowDate:             printconfig.Bool(false),
		ShowPatientAge:       printconfig.Bool(false),
		ShowPatientBirthdate: printconfig.Bool(false),
	})
	r := plainRenderer()

	t.Run("toggles on", func(t *testing.T) {
		out, err := r.Render(sheet(true, "Tomar con alimentos"), shown, testPayload)
		require.NoError(t, err)

		assert.True(t, hasCell(out, "Clínica Central"))
		assert.True(t, hasCell(out, "Av. Reforma 100"))
		assert.True(t, hasCell(out, "555-0100"))
		assert.True(t, hasCell(out, "Fecha de emisión: 16/10/2026"))
		assert.True(t, hasCell(out, "34 años"))
		assert.True(t, hasCell(out, "04/03/1992"))
		assert.True(t, hasCell(out, "Indicaciones: Tomar con alimentos"))
		assert.True(t, hasCell(out, "TRATAMIENTO DE LARGO PLAZO"))
	})

	t.Run("toggles off", func(t *testing.T) {
		out, err := r.Render(sheet(false, ""), hidden, testPayload)
		require.NoError(t, err)

		assert.False(t, hasText(out, "Clínica Central"))
		assert.False(t, hasText(out, "Av. Reforma 100"))
		assert.False(t, hasText(out, "Fecha de emisión"))
		assert.False(t, hasText(out, "Edad:"))
		assert.False(t, hasText(out, "Fecha de nacimiento:"))
		assert.False(t, hasText(out, "Indicaciones"))
		assert.False(t, hasText(out, "LARGO PLAZO"))
	})

	for name, cfg := range map[string]printconfig.Effective{"shown": shown, "hidden": hidden} {
		t.Run("always "+name, func(t *testing.T) {
			out, err := r.Render(sheet(false, ""), cfg, testPayload)
			require.NoError(t, err)

			assert.True(t, hasCell(out, "Juan Pérez"))
			assert.True(t, hasCell(out, "Expediente:"))
			assert.True(t, hasCell(out, "MRN-0042"))
			assert.True(t, hasCell(out, "Fecha:"))
			assert.True(t, hasCell(out, "16/10/2026"))
			assert.True(t, hasCell(out, "Trastorno de ansiedad generalizada"))
		})
	}
}

var (
	textAt  = regexp.MustCompile(`BT ([\d.]+) ([\d.]+) Td \(`)
	imageAt = regexp.MustCompile(`q ([\d.]+) 0 0 ([\d.]+) ([\d.]+) ([\d.]+) cm /I\w+ Do Q`)
)

func floats(t *testing.T, ss ...[]byte) []float64 {
	t.Helper()
	out := make([]float64, len(ss))
	for i, s := range ss {
		f, err := strconv.ParseFloat(string(s), 64)
		require.NoError(t, err)
		out[i] = f
	}
	return out
}

func TestRenderFixedPositions(t *testing.T) {
	cfg := printconfig.Resolve(printconfig.Default(), nil, nil)
	m := cfg.MarginsPoints()
	pageW, _ := fpdf.New("P", "pt", string(cfg.PageSize), "").GetPageSize()

	out, err := plainRenderer().Render(testSheet(1), cfg, testPayload)
	require.NoError(t, err)

	// number footer, bottom left
	footer := append([]byte("("), pdfText("RX-202610-0001  1/1")...)
	idx := bytes.Index(out, append(footer, ')'))
	require.Positive(t, idx)
	starts := textAt.FindAllSubmatchIndex(out[:idx+1], -1)
	require.NotEmpty(t, starts)
	last := starts[len(starts)-1]
	pos := floats(t, out[last[2]:last[3]], out[last[4]:last[5]])
	assert.InDelta(t, m.Left, pos[0], 5)
	assert.Less(t, pos[1], m.Bottom+cfg.FooterFontSize*2)

	// verification code, bottom right
	matches := imageAt.FindAllSubmatch(out, -1)
	require.Len(t, matches, 1)
	img := floats(t, matches[0][1], matches[0][2], matches[0][3], matches[0][4])
	assert.InDelta(t, defaultQRSizePt, img[0], 0.01)
	assert.InDelta(t, pageW-m.Right, img[2]+img[0], 0.01)
	assert.InDelta(t, m.Bottom, img[3], 0.01)
}

func TestRenderNonLatinText(t *testing.T) {
	r := plainRenderer()
	cfg := printconfig.Resolve(printconfig.Default(), nil, nil)

	for _, name := range []string{"Nguyễn Văn An", "Łukasz Wałęsa"} {
		s := testSheet(1)
		s.Patient.FullName = name
		out, err := r.Render(s, cfg, testPayload)
		require.NoError(t, err)
		assert.True(t, hasCell(out, name), name)
	}
}

func TestRenderRejectsUnprintableText(t *testing.T) {
	r := NewRenderer(verification.NewQREncoder())
	cfg := printconfig.Resolve(printconfig.Default(), nil, nil)

	tests := []struct {
		name   string
		mutate func(*Sheet)
	}{
		{name: "patient name", mutate: func(s *Sheet) { s.Patient.FullName = "李雷" }},
		{name: "medication name", mutate: func(s *Sheet) { s.Treatments[0].MedicationName = "Sertralina 💊" }},
		{name: "instructions", mutate: func(s *Sheet) { s.Treatments[0].Instructions = "朝食後" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSheet(1)
			tt.mutate(&s)
			_, err := r.Render(s, cfg, testPayload)
			require.ErrorIs(t, err, ErrUnprintable)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestRenderLetterAndLogoPositions(t *testing.T) {
	r := NewRenderer(verification.NewQREncoder())
	logo, err := verification.NewQREncoder().Encode("logo")
	require.NoError(t, err)

	for _, pos := range []printconfig.LogoPosition{printconfig.LogoLeft, printconfig.LogoCenter, printconfig.LogoRight, printconfig.LogoNone} {
		t.Run(string(pos), func(t *testing.T) {
			s := testSheet(1)
			s.Clinic.Logo = logo
			cfg := printconfig.Resolve(printconfig.Default(), nil, &printconfig.Config{
				LogoPosition: printconfig.Logo(pos),
				PageSize:     printconfig.Page(printconfig.PageLetter),
			})
			out, err := r.Render(s, cfg, testPayload)
			require.NoError(t, err)
			assert.Equal(t, 1, pageCount(out))
		})
	}
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "prescripcion_RX-202610-0001.pdf", testSheet(1).Filename())
}
