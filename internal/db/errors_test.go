package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(err) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if IsForeignKeyViolation(err) {
		t.Error("23505 is not a foreign key violation")
	}
	if IsUniqueViolation(errors.New("23505")) {
		t.Error("plain error must not match")
	}
	if !IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 should be a foreign key violation")
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		start, n int
		want     string
	}{
		{1, 1, "$1"},
		{1, 3, "$1, $2, $3"},
		{2, 2, "$2, $3"},
		{1, 0, ""},
	}
	for _, tt := range tests {
		if got := Placeholders(tt.start, tt.n); got != tt.want {
			t.Errorf("Placeholders(%d, %d) = %q, want %q", tt.start, tt.n, got, tt.want)
		}
	}
}
