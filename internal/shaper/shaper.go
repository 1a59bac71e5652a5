// Package shaper implements the result-shaping policy (C5): a single
// inline result by default, streamed result_start/result_rows/result_end
// when the caller asks for streaming, and a result_too_large rejection
// when an inline result would exceed the configured limits (an oversized
// inline result is rejected, not switched to streaming). Grounded exactly on handler.rs's
// emit_rows_result/infer_columns, including its byte-counting-per-flush
// batching rule.
package shaper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

// InferColumns derives column metadata from the first row's JSON-object
// keys. Every inferred column is reported with type "json": column
// typing comes from PostgreSQL's own to_jsonb serialization, not from
// driver column metadata.
func InferColumns(rows []any) []types.ColumnInfo {
	if len(rows) == 0 {
		return nil
	}
	first, ok := rows[0].(map[string]any)
	if !ok {
		return nil
	}
	cols := make([]types.ColumnInfo, 0, len(first))
	for k := range first {
		cols = append(cols, types.ColumnInfo{Name: k, TypeName: "json"})
	}
	return cols
}

// Status reports whether EmitRows succeeded or rejected the result as
// too large for an inline response.
type Status struct {
	Trace    types.Trace
	TooLarge bool
}

// EmitRows shapes a completed query's rows into one or more Output
// events via emit, honoring opts.StreamRows, and enforces
// inline_max_rows/inline_max_bytes on the non-streaming path.
func EmitRows(emit func(types.Output), id, session *string, rows []any, start time.Time, opts types.ResolvedOptions) Status {
	if opts.StreamRows {
		return emitStreamed(emit, id, session, rows, start, opts)
	}
	return emitInline(emit, id, session, rows, start, opts)
}

func emitStreamed(emit func(types.Output), id, session *string, rows []any, start time.Time, opts types.ResolvedOptions) Status {
	reqID := "cli"
	if id != nil {
		reqID = *id
	}
	columns := InferColumns(rows)
	emit(types.NewResultStartOutput(reqID, session, columns))

	var batch []any
	batchBytes := uint64(0)
	totalBytes := uint64(0)
	rowCount := uint64(0)

	for _, row := range rows {
		sz := jsonSize(row)
		batchBytes += sz
		totalBytes += sz
		rowCount++
		batch = append(batch, row)

		if uint64(len(batch)) >= opts.BatchRows || batchBytes >= opts.BatchBytes {
			emit(types.NewResultRowsOutput(reqID, batch))
			batch = nil
			batchBytes = 0
		}
	}
	if len(batch) > 0 {
		emit(types.NewResultRowsOutput(reqID, batch))
	}

	trace := types.Trace{
		DurationMs:   uint64(time.Since(start).Milliseconds()),
		RowCount:     &rowCount,
		PayloadBytes: &totalBytes,
	}
	emit(types.NewResultEndOutput(reqID, session, fmt.Sprintf("ROWS %d", rowCount), trace))
	return Status{Trace: trace}
}

func emitInline(emit func(types.Output), id, session *string, rows []any, start time.Time, opts types.ResolvedOptions) Status {
	columns := InferColumns(rows)
	payloadBytes := uint64(0)
	for _, row := range rows {
		payloadBytes += jsonSize(row)
	}

	rowCount := uint64(len(rows))
	if rowCount > opts.InlineMaxRows || payloadBytes > opts.InlineMaxBytes {
		trace := types.Trace{
			DurationMs:   uint64(time.Since(start).Milliseconds()),
			RowCount:     &rowCount,
			PayloadBytes: &payloadBytes,
		}
		emit(types.NewErrorOutput(id, "result_too_large", "result exceeds inline limits; retry with stream_rows=true", false, trace))
		return Status{Trace: trace, TooLarge: true}
	}

	trace := types.Trace{
		DurationMs:   uint64(time.Since(start).Milliseconds()),
		RowCount:     &rowCount,
		PayloadBytes: &payloadBytes,
	}
	emit(types.NewResultOutput(id, session, fmt.Sprintf("ROWS %d", rowCount), columns, rows, rowCount, trace))
	return Status{Trace: trace}
}

func jsonSize(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return uint64(len(b))
}
