package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsInvalidID(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "malformed uuid", err: &pgconn.PgError{Code: pgInvalidTextRep}, want: true},
		{name: "wrapped as from rows.Err", err: fmt.Errorf("iterate services: %w", &pgconn.PgError{Code: pgInvalidTextRep}), want: true},
		{name: "foreign key", err: &pgconn.PgError{Code: pgForeignKeyViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isInvalidID(tt.err))
		})
	}
}

func TestForeignKeyConstraint(t *testing.T) {
	name, ok := foreignKeyConstraint(fmt.Errorf("insert: %w", &pgconn.PgError{
		Code:           pgForeignKeyViolation,
		ConstraintName: "incidents_service_id_fkey",
	}))
	assert.True(t, ok)
	assert.Equal(t, "incidents_service_id_fkey", name)

	_, ok = foreignKeyConstraint(&pgconn.PgError{Code: pgInvalidTextRep})
	assert.False(t, ok)
}
