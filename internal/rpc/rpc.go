// Package rpc implements the tool-server front end: a minimal JSON-RPC 2.0
// adapter exposing initialize/ping/tools/list/tools/call/shutdown/exit over
// the same dispatcher.App core used by pipe mode. Grounded on
// original_source/src/mcp.rs's run_mcp/handle_tool_call.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sivaosorg/loggy"

	"github.com/cmnspore/agent-first-psql/internal/dispatcher"
	"github.com/cmnspore/agent-first-psql/internal/types"
)

// Version is reported in the initialize response's serverInfo.
const Version = "0.1.0"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Run reads one JSON-RPC request object per line from r and writes one
// JSON-RPC response object per line to w, until an "exit" method arrives
// or r reaches EOF. app's query runner executes psql_query tool calls
// synchronously; its config patches back psql_config tool calls.
func Run(app *dispatcher.App, r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)

	writeJSON := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			loggy.Errorf("[afpsql.rpc] marshal failed: %v", err)
			return
		}
		bw.Write(b)
		bw.WriteByte('\n')
		bw.Flush()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeJSON(jsonrpcError(nil, -32700, fmt.Sprintf("parse error: %v", err)))
			continue
		}

		var hasID bool
		var id json.RawMessage
		if len(req.ID) > 0 {
			hasID = true
			id = req.ID
		}

		switch req.Method {
		case "initialize":
			if hasID {
				writeJSON(jsonrpcResult(id, map[string]any{
					"protocolVersion": "2024-11-05",
					"serverInfo":      map[string]any{"name": "afpsql", "version": Version},
					"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
				}))
			}
		case "notifications/initialized":
			// no response
		case "ping":
			if hasID {
				writeJSON(jsonrpcResult(id, map[string]any{"trace": app.PingTrace()}))
			}
		case "tools/list":
			if hasID {
				writeJSON(jsonrpcResult(id, toolsList()))
			}
		case "tools/call":
			if hasID {
				writeJSON(jsonrpcResult(id, handleToolCall(app, req.Params)))
			}
		case "shutdown":
			if hasID {
				writeJSON(jsonrpcResult(id, map[string]any{}))
			}
		case "exit":
			bw.Flush()
			return
		default:
			if hasID {
				writeJSON(jsonrpcError(id, -32601, fmt.Sprintf("method not found: %s", req.Method)))
			}
		}
	}

	trace := app.CloseTrace()
	writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "afpsql/closed",
		"params": map[string]any{
			"message": "shutdown",
			"trace":   trace,
		},
	})
	bw.Flush()
}

func handleToolCall(app *dispatcher.App, rawParams json.RawMessage) map[string]any {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &call); err != nil {
			return toolError(fmt.Sprintf("invalid params: %v", err))
		}
	}
	if call.Name == "" {
		return toolError("missing tool name")
	}

	switch call.Name {
	case "psql_query":
		return handlePsqlQuery(app, call.Arguments)
	case "psql_config":
		return handlePsqlConfig(app, call.Arguments)
	case "psql_describe":
		return handlePsqlDescribe(app, call.Arguments)
	default:
		return toolError(fmt.Sprintf("unknown tool: %s", call.Name))
	}
}

func handlePsqlQuery(app *dispatcher.App, rawArgs json.RawMessage) map[string]any {
	var args struct {
		ID      *string `json:"id"`
		Session *string `json:"session"`
		SQL     *string `json:"sql"`
		Params  []any   `json:"params"`
	}
	var opts types.QueryOptions
	if len(rawArgs) > 0 {
		// types.UnmarshalNumberPreserving (not plain json.Unmarshal) so
		// args.Params keeps int8 values outside float64's exact-integer
		// range intact as json.Number instead of a silently rounded
		// float64.
		if err := types.UnmarshalNumberPreserving(rawArgs, &args); err != nil {
			return toolError(fmt.Sprintf("invalid arguments: %v", err))
		}
		if err := json.Unmarshal(rawArgs, &opts); err != nil {
			return toolError(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	if args.SQL == nil || *args.SQL == "" {
		return toolError("missing required argument: sql")
	}
	id := "mcp"
	if args.ID != nil && *args.ID != "" {
		id = *args.ID
	}

	app.RunQuerySync(context.Background(), id, args.Session, *args.SQL, args.Params, opts)
	events := app.DrainOutputs()
	return toolOK(map[string]any{"events": events})
}

func handlePsqlConfig(app *dispatcher.App, rawArgs json.RawMessage) map[string]any {
	if len(rawArgs) == 0 || string(rawArgs) == "null" {
		rawArgs = []byte("{}")
	}
	var probe map[string]any
	if err := json.Unmarshal(rawArgs, &probe); err != nil {
		return toolError("arguments must be an object")
	}

	var patch types.ConfigPatch
	if err := json.Unmarshal(rawArgs, &patch); err != nil {
		return toolError(fmt.Sprintf("invalid config patch: %v", err))
	}
	if len(probe) > 0 {
		app.HandleConfig(patch)
		app.DrainOutputs() // the resulting "config" Output is redundant with the snapshot below
		return toolOK(map[string]any{"config": app.ConfigSnapshot()})
	}
	return toolOK(map[string]any{"config": app.ConfigSnapshot()})
}

// handlePsqlDescribe runs one schema/routine introspection request
// synchronously, mirroring handlePsqlQuery's RunQuerySync+DrainOutputs
// shape: the tool-server front end awaits the result directly rather than
// treating it as a fire-and-forget dispatcher event.
func handlePsqlDescribe(app *dispatcher.App, rawArgs json.RawMessage) map[string]any {
	var args struct {
		ID      *string `json:"id"`
		Session *string `json:"session"`
		Kind    string  `json:"kind"`
		Table   string  `json:"table"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return toolError(fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	if args.Kind == "" {
		return toolError("missing required argument: kind")
	}
	id := "mcp"
	if args.ID != nil && *args.ID != "" {
		id = *args.ID
	}

	app.RunDescribeSync(context.Background(), id, args.Session, args.Kind, args.Table)
	events := app.DrainOutputs()
	return toolOK(map[string]any{"events": events})
}

func toolsList() map[string]any {
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        "psql_query",
				"description": "Execute one SQL statement with positional bind parameters.",
				"inputSchema": map[string]any{
					"type":     "object",
					"required": []string{"sql"},
					"properties": map[string]any{
						"id":                    map[string]any{"type": "string"},
						"session":               map[string]any{"type": "string"},
						"sql":                   map[string]any{"type": "string"},
						"params":                map[string]any{"type": "array"},
						"stream_rows":           map[string]any{"type": "boolean"},
						"batch_rows":            map[string]any{"type": "integer"},
						"batch_bytes":           map[string]any{"type": "integer"},
						"statement_timeout_ms":  map[string]any{"type": "integer"},
						"lock_timeout_ms":       map[string]any{"type": "integer"},
						"read_only":             map[string]any{"type": "boolean"},
						"inline_max_rows":       map[string]any{"type": "integer"},
						"inline_max_bytes":      map[string]any{"type": "integer"},
					},
				},
			},
			{
				"name":        "psql_config",
				"description": "Read/update runtime config.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"default_session":      map[string]any{"type": "string"},
						"sessions":             map[string]any{"type": "object"},
						"inline_max_rows":      map[string]any{"type": "integer"},
						"inline_max_bytes":     map[string]any{"type": "integer"},
						"statement_timeout_ms": map[string]any{"type": "integer"},
						"lock_timeout_ms":      map[string]any{"type": "integer"},
						"log":                  map[string]any{"type": "array"},
					},
				},
			},
			{
				"name":        "psql_describe",
				"description": "Introspect schema/routine metadata for a session: tables, functions, procedures, or (given a table) its columns, keys, or DDL.",
				"inputSchema": map[string]any{
					"type":     "object",
					"required": []string{"kind"},
					"properties": map[string]any{
						"id":      map[string]any{"type": "string"},
						"session": map[string]any{"type": "string"},
						"kind":    map[string]any{"type": "string", "enum": []string{"tables", "functions", "procedures", "columns", "keys", "ddl"}},
						"table":   map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func toolOK(value map[string]any) map[string]any {
	text, _ := json.Marshal(value)
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(text)}},
		"structuredContent": value,
		"isError":           false,
	}
}

func toolError(message string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": message}},
		"isError": true,
	}
}

func jsonrpcResult(id json.RawMessage, result any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": rawOrNil(id), "result": result}
}

func jsonrpcError(id json.RawMessage, code int, message string) map[string]any {
	out := map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": message},
	}
	if id != nil {
		out["id"] = rawOrNil(id)
	}
	return out
}

func rawOrNil(id json.RawMessage) any {
	if len(id) == 0 {
		return nil
	}
	var v any
	_ = json.Unmarshal(id, &v)
	return v
}
