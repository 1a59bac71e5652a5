// Package execerr defines the classified error shape shared across the
// connection resolver, pool registry, parameter coercer, and query
// executor, grounded on the original system's ExecError enum
// (Connect/InvalidParams/Sql/Internal) and its retryability mapping.
package execerr

import "fmt"

// Kind classifies why a query execution failed.
type Kind int

const (
	// KindConnect covers session resolution and pool acquisition
	// failures. Reported as connect_failed, retryable.
	KindConnect Kind = iota
	// KindInvalidParams covers parameter-count mismatches and coercion
	// failures. Reported as invalid_params, not retryable.
	KindInvalidParams
	// KindSQL covers a structured database error surfaced by the
	// server (SQLSTATE/message/detail/hint/position). Reported as a
	// dedicated sql_error event, not an error event.
	KindSQL
	// KindInternal covers anything else: driver/runtime errors with no
	// SQLSTATE. Reported as invalid_request, not retryable.
	KindInternal
)

// SQLDetail carries the structured fields of a server-reported error.
type SQLDetail struct {
	SQLState string
	Message  string
	Detail   *string
	Hint     *string
	Position *string
}

// Error is the classified execution error returned by conn/dbpool/params/
// executor. Exactly one of Message (Connect/InvalidParams/Internal) or
// SQL (KindSQL) is meaningful, selected by Kind.
type Error struct {
	Kind    Kind
	Message string
	SQL     SQLDetail
}

func (e *Error) Error() string {
	if e.Kind == KindSQL {
		return e.SQL.Message
	}
	return e.Message
}

// Retryable reports whether the dispatcher should mark the corresponding
// error Output as retryable. Only connection failures are retryable;
// everything else reflects a request the caller must fix before retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnect
}

// Code returns the protocol-level error_code string for non-SQL errors.
func (e *Error) Code() string {
	switch e.Kind {
	case KindConnect:
		return "connect_failed"
	case KindInvalidParams:
		return "invalid_params"
	default:
		return "invalid_request"
	}
}

// Connect builds a KindConnect error.
func Connect(format string, args ...any) *Error {
	return &Error{Kind: KindConnect, Message: sprintf(format, args...)}
}

// InvalidParams builds a KindInvalidParams error.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParams, Message: sprintf(format, args...)}
}

// Internal builds a KindInternal error.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: sprintf(format, args...)}
}

// SQL builds a KindSQL error from a server-reported SQLSTATE/message plus
// optional detail/hint/position.
func SQL(detail SQLDetail) *Error {
	return &Error{Kind: KindSQL, SQL: detail}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
