// Package params coerces positional JSON values into typed bind
// parameters for a prepared statement (C3), driven by the statement's
// declared parameter OIDs as reported by pgx. Grounded exactly on db.rs's
// build_params/parse_bool/parse_i16/parse_i32/parse_i64/parse_f32/
// parse_f64/parse_text/validate_param_count, including its exact error
// messages and its "string holding NaN/Inf parses through" quirk.
package params

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cmnspore/agent-first-psql/internal/execerr"
)

// ValidateCount enforces that the request supplied exactly as many
// params as the statement declares placeholders for.
func ValidateCount(expected, actual int) *execerr.Error {
	if expected == actual {
		return nil
	}
	return execerr.InvalidParams("placeholder count mismatch: sql requires %d, params provided %d", expected, actual)
}

// Build coerces values into bind parameters suitable for pgx, one per
// value, typed according to paramOIDs[i] (falling back to TEXT for any
// index beyond the declared parameter list).
func Build(values []any, paramOIDs []uint32) ([]any, *execerr.Error) {
	out := make([]any, len(values))
	for idx, v := range values {
		oid := pgtype.TextOID
		if idx < len(paramOIDs) {
			oid = paramOIDs[idx]
		}
		pos := idx + 1

		if v == nil {
			// A plain Go nil always binds as SQL NULL regardless of
			// the column's declared type, mirroring db.rs's AnyNull
			// sentinel (IsNull::Yes, accepts() always true).
			out[idx] = nil
			continue
		}

		switch oid {
		case pgtype.JSONOID, pgtype.JSONBOID:
			out[idx] = v
			continue
		}

		switch x := v.(type) {
		case map[string]any, []any:
			if oid == pgtype.JSONOID || oid == pgtype.JSONBOID {
				out[idx] = x
				continue
			}
		}

		switch oid {
		case pgtype.BoolOID:
			b, err := parseBool(v, pos)
			if err != nil {
				return nil, err
			}
			out[idx] = b
		case pgtype.Int2OID:
			n, err := parseInt64(v, pos)
			if err != nil {
				return nil, err
			}
			if n < -32768 || n > 32767 {
				return nil, execerr.InvalidParams("param $%d out of range for int2", pos)
			}
			out[idx] = int16(n)
		case pgtype.Int4OID:
			n, err := parseInt64(v, pos)
			if err != nil {
				return nil, err
			}
			if n < -2147483648 || n > 2147483647 {
				return nil, execerr.InvalidParams("param $%d out of range for int4", pos)
			}
			out[idx] = int32(n)
		case pgtype.Int8OID:
			n, err := parseInt64(v, pos)
			if err != nil {
				return nil, err
			}
			out[idx] = n
		case pgtype.Float4OID:
			f, err := parseFloat64(v, pos)
			if err != nil {
				return nil, err
			}
			out[idx] = float32(f)
		case pgtype.Float8OID, pgtype.NumericOID:
			f, err := parseFloat64(v, pos)
			if err != nil {
				return nil, err
			}
			out[idx] = f
		default:
			out[idx] = parseText(v)
		}
	}
	return out, nil
}

func parseBool(v any, pos int) (bool, *execerr.Error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, execerr.InvalidParams("param $%d cannot parse as bool", pos)
		}
		return b, nil
	default:
		return false, execerr.InvalidParams("param $%d cannot parse as bool", pos)
	}
}

func parseInt64(v any, pos int) (int64, *execerr.Error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		if f, err := x.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), nil
		}
		return 0, execerr.InvalidParams("param $%d cannot parse as int8", pos)
	case float64:
		if x != float64(int64(x)) {
			return 0, execerr.InvalidParams("param $%d cannot parse as int8", pos)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, execerr.InvalidParams("param $%d cannot parse as int8", pos)
		}
		return n, nil
	default:
		return 0, execerr.InvalidParams("param $%d cannot parse as int8", pos)
	}
}

func parseFloat64(v any, pos int) (float64, *execerr.Error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, execerr.InvalidParams("param $%d cannot parse as float8", pos)
		}
		return f, nil
	case float64:
		return x, nil
	case string:
		// strconv.ParseFloat accepts "NaN"/"Inf"/"-Inf" like the
		// upstream Rust f64::from_str, so a string holding a special
		// value passes through rather than failing as text.
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, execerr.InvalidParams("param $%d cannot parse as float8", pos)
		}
		return f, nil
	default:
		return 0, execerr.InvalidParams("param $%d cannot parse as float8", pos)
	}
}

func parseText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
