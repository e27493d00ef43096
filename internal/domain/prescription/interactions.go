package prescription

import (
	"fmt"
	"strings"
)

// Screen compares the candidate's interaction descriptors against the
// therapeutic class of each current medication. A descriptor that contains the
// class name (case-insensitive) yields one moderate warning naming the current
// medication.
//
// This is a text heuristic and not a clinical safety guarantee. Interactions
// whose descriptors do not spell out the class name are missed.
func Screen(candidate *Medication, current []*Medication) []InteractionWarning {
	warnings := []InteractionWarning{}
	if candidate == nil || len(candidate.Interactions) == 0 {
		return warnings
	}

	descriptors := make([]string, 0, len(candidate.Interactions))
	for _, d := range candidate.Interactions {
		if d = strings.TrimSpace(d); d != "" {
			descriptors = append(descriptors, strings.ToLower(d))
		}
	}

	for _, med := range current {
		if med == nil {
			continue
		}
		class := strings.ToLower(strings.TrimSpace(med.TherapeuticClass))
		if class == "" {
			continue
		}
		for _, d := range descriptors {
			if strings.Contains(d, class) {
				warnings = append(warnings, InteractionWarning{
					Severity:       SeverityModerate,
					MedicationName: med.GenericName,
					Description: fmt.Sprintf("%s may interact with %s (%s)",
						candidate.GenericName, med.GenericName, med.TherapeuticClass),
				})
				break
			}
		}
	}
	return warnings
}
