package prescription

import "sort"

// SetOp is an active-medication set operation
type SetOp string

const (
	SetAdd    SetOp = "add"
	SetRemove SetOp = "remove"
)

// MedicationSet is a sorted, duplicate-free set of medication identifiers
type MedicationSet []string

// NewMedicationSet builds a set from ids
func NewMedicationSet(ids ...string) MedicationSet {
	var s MedicationSet
	for _, id := range ids {
		s = s.Apply(SetAdd, id)
	}
	return s
}

// Contains reports membership
func (s MedicationSet) Contains(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// Apply returns the set after op. Adding a member or removing a non-member
// returns an equal set. s is never modified.
func (s MedicationSet) Apply(op SetOp, id string) MedicationSet {
	i := sort.SearchStrings(s, id)
	present := i < len(s) && s[i] == id

	switch {
	case op == SetAdd && !present:
		out := make(MedicationSet, 0, len(s)+1)
		out = append(out, s[:i]...)
		out = append(out, id)
		return append(out, s[i:]...)
	case op == SetRemove && present:
		out := make(MedicationSet, 0, len(s)-1)
		out = append(out, s[:i]...)
		return append(out, s[i+1:]...)
	}
	return append(MedicationSet(nil), s...)
}
