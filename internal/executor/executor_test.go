package executor

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cmnspore/agent-first-psql/internal/execerr"
)

func TestMapPgErrorClassifiesStructuredError(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:     "23505",
		Message:  "duplicate key value violates unique constraint",
		Detail:   "Key (id)=(1) already exists.",
		Position: 42,
	}
	got := mapPgError(pgErr)
	if got.Kind != execerr.KindSQL {
		t.Fatalf("expected KindSQL, got %v", got.Kind)
	}
	if got.SQL.SQLState != "23505" {
		t.Fatalf("expected sqlstate 23505, got %q", got.SQL.SQLState)
	}
	if got.SQL.Detail == nil || *got.SQL.Detail != "Key (id)=(1) already exists." {
		t.Fatalf("expected detail to carry through, got %+v", got.SQL.Detail)
	}
	if got.SQL.Position == nil || *got.SQL.Position != "42" {
		t.Fatalf("expected position 42, got %+v", got.SQL.Position)
	}
}

func TestMapPgErrorFallsBackToInternal(t *testing.T) {
	got := mapPgError(errors.New("connection reset by peer"))
	if got.Kind != execerr.KindInternal {
		t.Fatalf("expected KindInternal, got %v", got.Kind)
	}
}

func TestDecodeFallbackValueNaNBecomesPlaceholder(t *testing.T) {
	nan := float64(0)
	nan = nan / nan
	got := decodeFallbackValue(nan, pgtype.Float8OID)
	s, ok := got.(string)
	if !ok {
		t.Fatalf("expected NaN to fall back to a placeholder string, got %#v", got)
	}
	if s != "<unhandled_type:float8>" {
		t.Fatalf("unexpected placeholder: %q", s)
	}
}

func TestDecodeFallbackValueJSONBBytes(t *testing.T) {
	got := decodeFallbackValue([]byte(`{"a":1}`), pgtype.JSONBOID)
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded map, got %#v", got)
	}
	if m["a"] != float64(1) {
		t.Fatalf("expected a=1, got %+v", m)
	}
}

func TestDecodeFallbackValuePassesThroughPlainTypes(t *testing.T) {
	if got := decodeFallbackValue(int32(5), pgtype.Int4OID); got != int32(5) {
		t.Fatalf("expected int32 passthrough, got %#v", got)
	}
	if got := decodeFallbackValue("hello", pgtype.TextOID); got != "hello" {
		t.Fatalf("expected string passthrough, got %#v", got)
	}
}
