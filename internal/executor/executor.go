// Package executor implements the query execution pipeline (C4): acquire
// a pooled connection, open a transaction, apply per-query settings,
// prepare the statement, coerce parameters against its declared types,
// then either run it directly (no output columns) or wrap it in a
// to_jsonb CTE inside a savepoint to preserve PostgreSQL's own JSON
// serialization, falling back to a best-effort per-column decode for
// statements that cannot be wrapped (e.g. SHOW, utility commands).
// Grounded exactly on db.rs's PostgresExecutor::execute/map_pg_error/
// apply_query_settings/row_to_json_fallback/decode_row_value_fallback,
// adapted from database/sql+lib/pq to pgx/v5 so that declared
// parameter types and structured PgError detail/hint/position are
// available without wire-level hacking.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cmnspore/agent-first-psql/internal/execerr"
	"github.com/cmnspore/agent-first-psql/internal/params"
	"github.com/cmnspore/agent-first-psql/internal/types"
)

// Outcome is the result of a successful Execute call: exactly one of Rows
// (output-column statements) or Affected (zero-output-column statements,
// e.g. INSERT/UPDATE/DELETE without RETURNING) is meaningful.
type Outcome struct {
	Rows     []any
	Affected int64
	HasRows  bool
}

// Execute runs sql with params against the session's pool inside its own
// transaction, returning either the decoded output rows or the affected
// row count. opts controls statement/lock timeouts and read-only mode.
func Execute(ctx context.Context, pool *pgxpool.Pool, sql string, rawParams []any, opts types.ResolvedOptions) (Outcome, *execerr.Error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return Outcome{}, execerr.Connect("get connection failed: %v", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return Outcome{}, mapPgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if execErr := applyQuerySettings(ctx, tx, opts); execErr != nil {
		return Outcome{}, execErr
	}

	stmtName := "afpsql_stmt"
	stmt, err := conn.Conn().Prepare(ctx, stmtName, sql)
	if err != nil {
		return Outcome{}, mapPgError(err)
	}
	if execErr := params.ValidateCount(len(stmt.ParamOIDs), len(rawParams)); execErr != nil {
		return Outcome{}, execErr
	}
	bindParams, execErr := params.Build(rawParams, stmt.ParamOIDs)
	if execErr != nil {
		return Outcome{}, execErr
	}

	if len(stmt.Fields) == 0 {
		tag, err := tx.Exec(ctx, stmtName, bindParams...)
		if err != nil {
			return Outcome{}, mapPgError(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Outcome{}, mapPgError(err)
		}
		committed = true
		return Outcome{Affected: tag.RowsAffected()}, nil
	}

	rows, execErr := executeWrapped(ctx, tx, conn, sql, rawParams, bindParams, stmt)
	if execErr != nil {
		return Outcome{}, execErr
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, mapPgError(err)
	}
	committed = true
	return Outcome{Rows: rows, HasRows: true}, nil
}

// executeWrapped performs the CTE/to_jsonb/savepoint dance. On success it
// returns decoded JSON rows. On an invalid-params failure inside the
// wrapped attempt it surfaces that error directly (no fallback). On any
// other wrapped-attempt failure it rolls back to the savepoint and
// re-runs the original unwrapped statement, decoding each row
// column-by-column.
func executeWrapped(ctx context.Context, tx pgx.Tx, conn *pgxpool.Conn, sql string, rawParams, bindParams []any, stmt *pgconn.StatementDescription) ([]any, *execerr.Error) {
	if _, err := tx.Exec(ctx, "savepoint afpsql_wrap"); err != nil {
		return nil, mapPgError(err)
	}

	wrapped := fmt.Sprintf(
		"with __afpsql_rows as (%s) select to_jsonb(__afpsql_rows) as row_json from __afpsql_rows",
		sql,
	)

	rows, wrapErr := func() ([]any, *execerr.Error) {
		wrappedStmt, err := conn.Conn().Prepare(ctx, "afpsql_wrapped", wrapped)
		if err != nil {
			return nil, mapPgError(err)
		}
		// The wrapped statement is prepared separately, so the raw
		// values are re-validated and re-coerced against its own
		// declared parameter types.
		if execErr := params.ValidateCount(len(wrappedStmt.ParamOIDs), len(rawParams)); execErr != nil {
			return nil, execErr
		}
		wrappedParams, execErr := params.Build(rawParams, wrappedStmt.ParamOIDs)
		if execErr != nil {
			return nil, execErr
		}
		return queryJSONColumn(ctx, tx, "afpsql_wrapped", wrappedParams)
	}()

	if wrapErr == nil {
		if _, err := tx.Exec(ctx, "release savepoint afpsql_wrap"); err != nil {
			return nil, mapPgError(err)
		}
		return rows, nil
	}

	if wrapErr.Kind == execerr.KindInvalidParams {
		_, _ = tx.Exec(ctx, "rollback to savepoint afpsql_wrap")
		_, _ = tx.Exec(ctx, "release savepoint afpsql_wrap")
		return nil, wrapErr
	}

	// Some utility statements (e.g. SHOW) cannot be wrapped in a CTE.
	// Roll back the wrapper failure and fall back to a direct decode.
	if _, err := tx.Exec(ctx, "rollback to savepoint afpsql_wrap"); err != nil {
		return nil, mapPgError(err)
	}
	if _, err := tx.Exec(ctx, "release savepoint afpsql_wrap"); err != nil {
		return nil, mapPgError(err)
	}
	return queryFallback(ctx, tx, stmt.Name, bindParams)
}

func queryJSONColumn(ctx context.Context, tx pgx.Tx, stmtName string, bindParams []any) ([]any, *execerr.Error) {
	rows, err := tx.Query(ctx, stmtName, bindParams...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, execerr.Internal("decode row_json: %v", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, execerr.Internal("decode row_json: %v", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// queryFallback runs the original unwrapped statement and decodes each
// row into a JSON-safe map, column by column, mirroring
// row_to_json_fallback/decode_row_value_fallback.
func queryFallback(ctx context.Context, tx pgx.Tx, stmtName string, bindParams []any) ([]any, *execerr.Error) {
	rows, err := tx.Query(ctx, stmtName, bindParams...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, execerr.Internal("decode row: %v", err)
		}
		obj := make(map[string]any, len(fields))
		for i, f := range fields {
			obj[string(f.Name)] = decodeFallbackValue(vals[i], f.DataTypeOID)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// decodeFallbackValue converts a pgx-decoded column value into a
// JSON-marshalable value. pgx already decodes bool/int2/int4/int8/
// float4/float8/jsonb into native Go types for us; this just normalizes
// floats (NaN/Inf cannot round-trip through encoding/json, matching the
// original's Number::from_f64 rejection) and falls back to a type-name
// placeholder for anything encoding/json cannot represent.
func decodeFallbackValue(v any, oid uint32) any {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case float32:
		return safeFloat(float64(x), oid)
	case float64:
		return safeFloat(x, oid)
	case []byte:
		if oid == pgtype.JSONOID || oid == pgtype.JSONBOID {
			var parsed any
			if err := json.Unmarshal(x, &parsed); err == nil {
				return parsed
			}
		}
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		if _, err := json.Marshal(x); err == nil {
			return x
		}
		return unhandledPlaceholder(oid)
	}
}

func safeFloat(f float64, oid uint32) any {
	if f != f || f > 1.7e308 || f < -1.7e308 {
		return unhandledPlaceholder(oid)
	}
	return f
}

// unhandledPlaceholder renders "<unhandled_type:NAME>" using pgx's
// registered name for oid, or the numeric OID when pgx does not know it.
func unhandledPlaceholder(oid uint32) string {
	if t, ok := pgtype.NewMap().TypeForOID(oid); ok {
		return fmt.Sprintf("<unhandled_type:%s>", t.Name)
	}
	return fmt.Sprintf("<unhandled_type:%d>", oid)
}

// applyQuerySettings sets SET LOCAL statement_timeout/lock_timeout via
// set_config(..., true) scoped to tx, and SET LOCAL TRANSACTION READ ONLY
// when requested.
func applyQuerySettings(ctx context.Context, tx pgx.Tx, opts types.ResolvedOptions) *execerr.Error {
	statementTimeout := fmt.Sprintf("%dms", opts.StatementTimeoutMs)
	if _, err := tx.Exec(ctx, "select set_config('statement_timeout', $1, true)", statementTimeout); err != nil {
		return mapPgError(err)
	}
	lockTimeout := fmt.Sprintf("%dms", opts.LockTimeoutMs)
	if _, err := tx.Exec(ctx, "select set_config('lock_timeout', $1, true)", lockTimeout); err != nil {
		return mapPgError(err)
	}
	if opts.ReadOnly {
		if _, err := tx.Exec(ctx, "set local transaction read only"); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

// mapPgError classifies a pgx error into a KindSQL error when it carries
// a structured PgError (SQLSTATE/message/detail/hint/position), else a
// KindInternal error.
func mapPgError(err error) *execerr.Error {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return execerr.SQL(execerr.SQLDetail{
			SQLState: pgErr.Code,
			Message:  pgErr.Message,
			Detail:   nonEmpty(pgErr.Detail),
			Hint:     nonEmpty(pgErr.Hint),
			Position: positionString(pgErr),
		})
	}
	return execerr.Internal("%v", err)
}

func asPgError(err error, target **pgconn.PgError) bool {
	type pgErrorUnwrapper interface {
		Unwrap() error
	}
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(pgErrorUnwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func positionString(pgErr *pgconn.PgError) *string {
	if pgErr.Position != 0 {
		s := fmt.Sprintf("%d", pgErr.Position)
		return &s
	}
	if pgErr.InternalPosition != 0 {
		s := fmt.Sprintf("%d", pgErr.InternalPosition)
		return &s
	}
	return nil
}
