// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package postgres

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scadaflow/scadaflow/pkg/store"
)

func TestClassifyConnectionErrorsAreTransient(t *testing.T) {
	for _, code := range []string{"08000", "08006", "57P01"} {
		err := classify(&pgconn.PgError{Code: code})
		assert.True(t, store.IsTransient(err), code)
	}
}

func TestClassifyUniqueViolationIsValidation(t *testing.T) {
	// The open-alarm partial index refuses a second open alarm per
	// (rule, device, tag); the engine adopts the existing row on this signal.
	err := classify(&pgconn.PgError{Code: "23505", ConstraintName: "alarm_open_idx"})
	require.True(t, store.IsValidation(err))
	assert.Contains(t, err.Error(), "alarm_open_idx")

	// Also when the driver error arrives wrapped.
	err = classify(errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert alarm"))
	assert.True(t, store.IsValidation(err))
}

func TestClassifyNoRowsIsNotFound(t *testing.T) {
	assert.Equal(t, store.ErrNotFound, classify(sql.ErrNoRows))
}

func TestClassifyLeavesOtherErrorsAlone(t *testing.T) {
	err := fmt.Errorf("syntax error")
	assert.Equal(t, err, classify(err))
	assert.False(t, store.IsTransient(classify(&pgconn.PgError{Code: "42601"})))
	assert.Nil(t, classify(nil))
}
