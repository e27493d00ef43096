package render

import (
	"embed"
	"errors"
	"fmt"
	"sync"
	"unicode"

	"golang.org/x/image/font/sfnt"
)

// ErrUnprintable is returned when a field holds characters the document font
// has no glyph for
var ErrUnprintable = errors.New("text not printable")

//go:embed fonts/*.ttf
var fontFS embed.FS

const fontFamily = "DejaVu"

type face struct {
	style string
	file  string
	data  []byte
	font  *sfnt.Font
}

var (
	facesOnce sync.Once
	faces     []*face
	facesErr  error
)

// loadFaces parses the embedded fonts once per process
func loadFaces() ([]*face, error) {
	facesOnce.Do(func() {
		for _, f := range []*face{
			{style: "", file: "fonts/DejaVuSansCondensed.ttf"},
			{style: "B", file: "fonts/DejaVuSansCondensed-Bold.ttf"},
			{style: "I", file: "fonts/DejaVuSansCondensed-Oblique.ttf"},
		} {
			data, err := fontFS.ReadFile(f.file)
			if err != nil {
				facesErr = fmt.Errorf("read %s: %w", f.file, err)
				return
			}
			parsed, err := sfnt.Parse(data)
			if err != nil {
				facesErr = fmt.Errorf("parse %s: %w", f.file, err)
				return
			}
			f.data = data
			f.font = parsed
			faces = append(faces, f)
		}
	})
	return faces, facesErr
}

// printable reports the first rune of s that some face cannot draw.
// Control characters are layout, not glyphs. Text is written as UTF-16
// without surrogates, so runes beyond the BMP never print.
func printable(faces []*face, s string) (rune, bool) {
	var buf sfnt.Buffer
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if r > 0xFFFF {
			return r, false
		}
		for _, f := range faces {
			idx, err := f.font.GlyphIndex(&buf, r)
			if err != nil || idx == 0 {
				return r, false
			}
		}
	}
	return 0, true
}

// checkPrintable fails on the first field holding a rune without a glyph
func checkPrintable(faces []*face, s Sheet) error {
	fields := []struct{ name, value string }{
		{"patient name", s.Patient.FullName},
		{"medical record number", s.Patient.MedicalRecordNumber},
		{"clinical indication", s.ClinicalIndication},
		{"prescriber name", s.Prescriber.Name},
		{"prescriber license", s.Prescriber.License},
		{"prescriber specialization", s.Prescriber.Specialization},
		{"clinic name", s.Clinic.Name},
		{"clinic address", s.Clinic.Address},
		{"clinic phone", s.Clinic.Phone},
		{"prescription number", s.Number},
	}
	for _, t := range s.Treatments {
		fields = append(fields,
			struct{ name, value string }{"medication name", t.MedicationName},
			struct{ name, value string }{"dosage form", t.DosageForm},
			struct{ name, value string }{"strength", t.Strength},
			struct{ name, value string }{"dosage", t.Dosage},
			struct{ name, value string }{"frequency", t.Frequency},
			struct{ name, value string }{"duration", t.Duration},
			struct{ name, value string }{"instructions", t.Instructions},
		)
	}
	for _, f := range fields {
		if r, ok := printable(faces, f.value); !ok {
			return fmt.Errorf("%w: %s contains %q (U+%04X)", ErrUnprintable, f.name, r, r)
		}
	}
	return nil
}
