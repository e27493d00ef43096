package prescription

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: numberConstraint}
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup), numberConstraint))

	other := &pgconn.PgError{Code: "23505", ConstraintName: "prescriptions_pkey"}
	assert.False(t, isUniqueViolation(other, numberConstraint))

	fk := &pgconn.PgError{Code: "23503", ConstraintName: numberConstraint}
	assert.False(t, isUniqueViolation(fk, numberConstraint))

	assert.False(t, isUniqueViolation(errors.New("boom"), numberConstraint))
}

func TestEncodeSnapshots(t *testing.T) {
	p := &Prescription{PrintConfig: &printconfig.Config{ShowDate: printconfig.Bool(false)}}

	cfg, warnings, err := encodeSnapshots(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"showDate":false}`, string(cfg))
	assert.JSONEq(t, `[]`, string(warnings))
}
