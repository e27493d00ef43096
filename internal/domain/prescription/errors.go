package prescription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a patient, medication, prescriber or
	// prescription does not exist
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for missing required fields and malformed identifiers
	ErrValidation = errors.New("validation failed")
	// ErrNumberConflict is returned by stores when the prescription number is taken
	ErrNumberConflict = errors.New("prescription number conflict")
	// ErrPersistence is returned when a transaction aborts
	ErrPersistence = errors.New("persistence failure")
	// ErrRendering is returned when a document cannot be produced
	ErrRendering = errors.New("rendering failure")
)

// Kind is a stable name for an error category
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation_failed"
	KindNumberConflict Kind = "number_conflict"
	KindPersistence    Kind = "persistence_failure"
	KindRendering      Kind = "rendering_failure"
	KindUnknown        Kind = "unknown"
)

// KindOf classifies err
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNumberConflict):
		return KindNumberConflict
	case errors.Is(err, ErrRendering):
		return KindRendering
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// checkID rejects identifiers that are not UUIDs
func checkID(field, id string) error {
	if id == "" {
		return invalid("%s is required", field)
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("%s %q is not a valid identifier", field, id)
	}
	return nil
}
