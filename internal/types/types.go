// Package types holds the wire-level data model shared by every front end:
// the pipe protocol's Input/Output events, the runtime configuration and
// its patch shape, and the per-query option resolution result.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Input is one line of the pipe protocol's request stream. Exactly one of
// the Query/Config/Cancel/Describe/Ping/Close branches is populated,
// selected by Code.
type Input struct {
	Code string `json:"code"`

	// query
	ID      string          `json:"id,omitempty"`
	Session *string         `json:"session,omitempty"`
	SQL     string          `json:"sql,omitempty"`
	Params  []any           `json:"params,omitempty"`
	Options QueryOptions    `json:"options,omitempty"`

	// config (flattened ConfigPatch)
	Patch ConfigPatch `json:"-"`

	// describe
	Kind  string `json:"kind,omitempty"`
	Table string `json:"table,omitempty"`
}

// UnmarshalNumberPreserving decodes data into v the same as json.Unmarshal,
// except numbers land as json.Number instead of float64. Bind parameters
// (C3) round-trip int8 values outside float64's exact-integer range
// (beyond 2^53), so every params-array decode — pipe-protocol "query"
// Input and the tool-server's psql_query arguments alike — must go
// through this instead of encoding/json's default float64 decoding.
func UnmarshalNumberPreserving(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// UnmarshalJSON decodes the tagged Input union. An unknown code is
// returned as an "unknown input code" error (Code is still set), which the
// pipe front end reports as an invalid_request parse error.
func (in *Input) UnmarshalJSON(data []byte) error {
	var head struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	in.Code = head.Code

	switch head.Code {
	case "query":
		var q struct {
			ID      string       `json:"id"`
			Session *string      `json:"session"`
			SQL     string       `json:"sql"`
			Params  []any        `json:"params"`
			Options QueryOptions `json:"options"`
		}
		if err := UnmarshalNumberPreserving(data, &q); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		in.ID = q.ID
		in.Session = q.Session
		in.SQL = q.SQL
		in.Params = q.Params
		in.Options = q.Options
	case "config":
		var patch ConfigPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		in.Patch = patch
	case "cancel":
		var c struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		in.ID = c.ID
	case "describe":
		var d struct {
			ID      string  `json:"id"`
			Session *string `json:"session"`
			Kind    string  `json:"kind"`
			Table   string  `json:"table"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("describe: %w", err)
		}
		in.ID = d.ID
		in.Session = d.Session
		in.Kind = d.Kind
		in.Table = d.Table
	case "ping", "close":
		// no payload fields
	default:
		return fmt.Errorf("unknown input code: %q", head.Code)
	}
	return nil
}

// QueryOptions are the per-request overrides accepted on a query Input.
// Pointer fields distinguish "not supplied" from the type's zero value, so
// config.ResolveOptions can fall back correctly.
type QueryOptions struct {
	StreamRows         bool    `json:"stream_rows,omitempty"`
	BatchRows          *uint64 `json:"batch_rows,omitempty"`
	BatchBytes         *uint64 `json:"batch_bytes,omitempty"`
	StatementTimeoutMs *uint64 `json:"statement_timeout_ms,omitempty"`
	LockTimeoutMs      *uint64 `json:"lock_timeout_ms,omitempty"`
	ReadOnly           *bool   `json:"read_only,omitempty"`
	InlineMaxRows      *uint64 `json:"inline_max_rows,omitempty"`
	InlineMaxBytes     *uint64 `json:"inline_max_bytes,omitempty"`
}

// ColumnInfo describes one inferred output column. TypeName is always
// "json": column types are inferred from the first result row's JSON keys,
// never from the database's own column type metadata (see package shaper).
type ColumnInfo struct {
	Name     string `json:"name"`
	TypeName string `json:"type"`
}

// Trace carries per-request timing/size telemetry attached to most Output
// events.
type Trace struct {
	DurationMs   uint64  `json:"duration_ms"`
	RowCount     *uint64 `json:"row_count,omitempty"`
	PayloadBytes *uint64 `json:"payload_bytes,omitempty"`
}

// OnlyDuration builds a Trace carrying just the elapsed time, used for
// error paths where no row/payload accounting applies.
func OnlyDuration(durationMs uint64) Trace {
	return Trace{DurationMs: durationMs}
}

// PongTrace is the payload of a pong Output event.
type PongTrace struct {
	UptimeS       uint64 `json:"uptime_s"`
	RequestsTotal uint64 `json:"requests_total"`
	InFlight      uint64 `json:"in_flight"`
}

// CloseTrace is the payload of the terminal close Output event.
type CloseTrace struct {
	UptimeS       uint64 `json:"uptime_s"`
	RequestsTotal uint64 `json:"requests_total"`
}

// Output is one line of the pipe protocol's response stream. The Code
// field is the tag; callers build one of the New* constructors below
// rather than populating the struct by hand, since only a subset of
// fields is meaningful per code.
type Output struct {
	Code string `json:"code"`

	ID      *string `json:"id,omitempty"`
	Session *string `json:"session,omitempty"`

	CommandTag string       `json:"command_tag,omitempty"`
	Columns    []ColumnInfo `json:"columns,omitempty"`
	Rows       []any        `json:"rows,omitempty"`
	RowCount   *uint64      `json:"row_count,omitempty"`

	RowsBatchCount *uint64 `json:"rows_batch_count,omitempty"`

	SQLState string  `json:"sqlstate,omitempty"`
	Message  string  `json:"message,omitempty"`
	Detail   *string `json:"detail,omitempty"`
	Hint     *string `json:"hint,omitempty"`
	Position *string `json:"position,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`

	Config *RuntimeConfig `json:"-"`

	DescribeResult any `json:"-"`

	PongTraceV  *PongTrace  `json:"-"`
	CloseTraceV *CloseTrace `json:"-"`

	Event       string  `json:"event,omitempty"`
	RequestID   *string `json:"request_id,omitempty"`
	LogCommand  *string `json:"command_tag_log,omitempty"`

	Trace Trace `json:"trace"`
}

// MarshalJSON renders Output in the tagged-union shape the protocol
// expects: exactly the fields relevant to Code are present.
func (o Output) MarshalJSON() ([]byte, error) {
	m := map[string]any{"code": o.Code}
	switch o.Code {
	case "result":
		m["id"] = o.ID
		m["session"] = o.Session
		m["command_tag"] = o.CommandTag
		m["columns"] = nonNilColumns(o.Columns)
		m["rows"] = nonNilRows(o.Rows)
		m["row_count"] = o.RowCount
		m["trace"] = o.Trace
	case "result_start":
		m["id"] = derefStr(o.ID)
		m["session"] = o.Session
		m["columns"] = nonNilColumns(o.Columns)
	case "result_rows":
		m["id"] = derefStr(o.ID)
		m["rows"] = nonNilRows(o.Rows)
		m["rows_batch_count"] = o.RowsBatchCount
	case "result_end":
		m["id"] = derefStr(o.ID)
		m["session"] = o.Session
		m["command_tag"] = o.CommandTag
		m["trace"] = o.Trace
	case "sql_error":
		m["id"] = o.ID
		m["session"] = o.Session
		m["sqlstate"] = o.SQLState
		m["message"] = o.Message
		m["detail"] = o.Detail
		m["hint"] = o.Hint
		m["position"] = o.Position
		m["trace"] = o.Trace
	case "error":
		m["id"] = o.ID
		m["error_code"] = o.ErrorCode
		m["error"] = o.Error
		m["retryable"] = derefBool(o.Retryable)
		m["trace"] = o.Trace
	case "config":
		m["default_session"] = o.Config.DefaultSession
		m["sessions"] = o.Config.Sessions
		m["inline_max_rows"] = o.Config.InlineMaxRows
		m["inline_max_bytes"] = o.Config.InlineMaxBytes
		m["statement_timeout_ms"] = o.Config.StatementTimeoutMs
		m["lock_timeout_ms"] = o.Config.LockTimeoutMs
		m["log"] = o.Config.Log
	case "describe":
		m["id"] = o.ID
		m["result"] = o.DescribeResult
	case "pong":
		m["trace"] = o.PongTraceV
	case "close":
		m["message"] = o.Message
		m["trace"] = o.CloseTraceV
	case "log":
		m["event"] = o.Event
		m["request_id"] = o.RequestID
		m["session"] = o.Session
		m["error_code"] = emptyToNil(o.ErrorCode)
		m["command_tag"] = o.LogCommand
		m["trace"] = o.Trace
	}
	// Absent optional fields are omitted rather than rendered as null.
	for k, v := range m {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			delete(m, k)
		}
	}
	return json.Marshal(m)
}

func nonNilColumns(c []ColumnInfo) []ColumnInfo {
	if c == nil {
		return []ColumnInfo{}
	}
	return c
}

func nonNilRows(r []any) []any {
	if r == nil {
		return []any{}
	}
	return r
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NewResultOutput builds a "result" Output event (inline, non-streamed).
func NewResultOutput(id, session *string, commandTag string, columns []ColumnInfo, rows []any, rowCount uint64, trace Trace) Output {
	return Output{Code: "result", ID: id, Session: session, CommandTag: commandTag, Columns: columns, Rows: rows, RowCount: &rowCount, Trace: trace}
}

// NewResultStartOutput builds a "result_start" Output event.
func NewResultStartOutput(id string, session *string, columns []ColumnInfo) Output {
	return Output{Code: "result_start", ID: &id, Session: session, Columns: columns}
}

// NewResultRowsOutput builds a "result_rows" batch Output event.
func NewResultRowsOutput(id string, rows []any) Output {
	n := uint64(len(rows))
	return Output{Code: "result_rows", ID: &id, Rows: rows, RowsBatchCount: &n}
}

// NewResultEndOutput builds the terminal "result_end" Output event of a
// streamed result.
func NewResultEndOutput(id string, session *string, commandTag string, trace Trace) Output {
	return Output{Code: "result_end", ID: &id, Session: session, CommandTag: commandTag, Trace: trace}
}

// NewSQLErrorOutput builds a "sql_error" Output event from a classified
// database error.
func NewSQLErrorOutput(id, session *string, sqlstate, message string, detail, hint, position *string, trace Trace) Output {
	return Output{Code: "sql_error", ID: id, Session: session, SQLState: sqlstate, Message: message, Detail: detail, Hint: hint, Position: position, Trace: trace}
}

// NewErrorOutput builds an "error" Output event.
func NewErrorOutput(id *string, code, message string, retryable bool, trace Trace) Output {
	return Output{Code: "error", ID: id, ErrorCode: code, Error: message, Retryable: &retryable, Trace: trace}
}

// NewConfigOutput builds a "config" Output event carrying a full runtime
// configuration snapshot.
func NewConfigOutput(cfg RuntimeConfig) Output {
	return Output{Code: "config", Config: &cfg}
}

// NewDescribeOutput builds a "describe" Output event carrying result,
// the schema/routine admin data returned by internal/introspect for one
// describe request (a table list, a TableDescription, etc).
func NewDescribeOutput(id *string, result any) Output {
	return Output{Code: "describe", ID: id, DescribeResult: result}
}

// NewPongOutput builds a "pong" Output event.
func NewPongOutput(trace PongTrace) Output {
	return Output{Code: "pong", PongTraceV: &trace}
}

// NewCloseOutput builds the terminal "close" Output event.
func NewCloseOutput(message string, trace CloseTrace) Output {
	return Output{Code: "close", Message: message, CloseTraceV: &trace}
}

// NewLogOutput builds a "log" Output event, subject to the live config's
// log filter (see config.LogEnabled).
func NewLogOutput(event string, requestID, session *string, errorCode, commandTag string, trace Trace) Output {
	return Output{Code: "log", Event: event, RequestID: requestID, Session: session, ErrorCode: errorCode, LogCommand: emptyToNil(commandTag), Trace: trace}
}
