package prescription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreen(t *testing.T) {
	candidate := &Medication{
		GenericName:  "Ibuprofen",
		Interactions: []string{"Concurrent ANTICOAGULANT use raises bleeding risk", "ssri"},
	}
	warfarin := &Medication{GenericName: "Warfarin", TherapeuticClass: "Anticoagulant"}
	sertraline := &Medication{GenericName: "Sertraline", TherapeuticClass: "SSRI"}
	metformin := &Medication{GenericName: "Metformin", TherapeuticClass: "biguanide"}
	unclassified := &Medication{GenericName: "Compound"}

	warnings := Screen(candidate, []*Medication{warfarin, metformin, sertraline, unclassified})
	require.Len(t, warnings, 2)
	assert.Equal(t, "Warfarin", warnings[0].MedicationName)
	assert.Equal(t, "Sertraline", warnings[1].MedicationName)
	for _, w := range warnings {
		assert.Equal(t, SeverityModerate, w.Severity)
		assert.Contains(t, w.Description, "Ibuprofen")
	}
}

func TestScreenOneWarningPerMedication(t *testing.T) {
	candidate := &Medication{
		GenericName:  "Aspirin",
		Interactions: []string{"anticoagulant", "anticoagulants potentiate"},
	}
	warnings := Screen(candidate, []*Medication{{GenericName: "Warfarin", TherapeuticClass: "anticoagulant"}})
	assert.Len(t, warnings, 1)
}

func TestScreenEmpty(t *testing.T) {
	current := []*Medication{{GenericName: "Warfarin", TherapeuticClass: "anticoagulant"}}

	w := Screen(&Medication{GenericName: "Paracetamol"}, current)
	assert.NotNil(t, w)
	assert.Empty(t, w)

	w = Screen(&Medication{GenericName: "Ibuprofen", Interactions: []string{"anticoagulant"}}, nil)
	assert.NotNil(t, w)
	assert.Empty(t, w)

	assert.Empty(t, Screen(nil, current))
}
