// Command afpsql is the agent-first PostgreSQL gateway's entrypoint: it
// parses process arguments into a run mode (cli/pipe/mcp) and wires the
// dispatcher core to the matching front end. Grounded on
// original_source/src/main.rs's main/run_cli/run_pipe.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sivaosorg/loggy"

	"github.com/cmnspore/agent-first-psql/internal/audit"
	"github.com/cmnspore/agent-first-psql/internal/clifront"
	"github.com/cmnspore/agent-first-psql/internal/dbpool"
	"github.com/cmnspore/agent-first-psql/internal/dispatcher"
	"github.com/cmnspore/agent-first-psql/internal/rpc"
	"github.com/cmnspore/agent-first-psql/internal/types"
	"github.com/cmnspore/agent-first-psql/internal/writer"
)

func main() {
	req, err := clifront.Parse(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"code":"error","error_code":"invalid_request","error":%q}`+"\n", err.Error())
		os.Exit(2)
	}

	registry := dbpool.NewRegistry()
	defer registry.CloseAll()
	runner := dispatcher.NewPoolRunner(registry)

	switch req.Mode {
	case clifront.ModeCLI:
		os.Exit(runCLI(req, runner))
	case clifront.ModePipe:
		runPipe(req, runner)
	case clifront.ModeMCP:
		runMCP(req, runner)
	}
}

// runCLI runs the one-shot request synchronously and renders every
// emitted Output event to stdout, one JSON object per line, exiting 1 if
// any error/sql_error event was emitted.
func runCLI(req clifront.Request, runner dispatcher.Runner) int {
	cfg := types.DefaultRuntimeConfig()
	cfg.Sessions[cfg.DefaultSession] = req.Session
	if len(req.Log) > 0 {
		cfg.Log = req.Log
	}

	app := dispatcher.NewApp(cfg, runner)
	if req.Describe {
		app.RunDescribeSync(context.Background(), "", nil, req.DescribeKind, req.DescribeTable)
	} else {
		app.RunQuerySync(context.Background(), "", nil, req.SQL, req.Params, req.Options)
	}

	hadError := false
	bw := bufio.NewWriter(os.Stdout)
	for _, o := range app.DrainOutputs() {
		if o.Code == "error" || o.Code == "sql_error" {
			hadError = true
		}
		b, err := json.Marshal(o)
		if err != nil {
			continue
		}
		bw.Write(b)
		bw.WriteByte('\n')
	}
	bw.Flush()

	if hadError {
		return 1
	}
	return 0
}

// runPipe boots the line-delimited bidirectional pipe protocol: one JSON
// Input per stdin line, one JSON Output per stdout line, until a close
// Input is read and its drain completes.
func runPipe(req clifront.Request, runner dispatcher.Runner) {
	cfg := types.DefaultRuntimeConfig()
	if req.Session.HasOverride() {
		cfg.Sessions[cfg.DefaultSession] = req.Session
	}
	if len(req.Log) > 0 {
		cfg.Log = req.Log
	}

	app := dispatcher.NewApp(cfg, runner)
	app.SetAuditBus(newAuditBus())
	go writer.Run(app.Output(), os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var in types.Input
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			app.InvalidRequest(fmt.Sprintf("parse error: %v", err))
			continue
		}

		switch in.Code {
		case "query":
			app.HandleQuery(context.Background(), in.ID, in.Session, in.SQL, in.Params, in.Options)
		case "config":
			app.HandleConfig(in.Patch)
		case "describe":
			app.HandleDescribe(context.Background(), in.ID, in.Session, in.Kind, in.Table)
		case "cancel":
			app.HandleCancel(in.ID)
		case "ping":
			app.HandlePing()
		case "close":
			app.HandleClose()
			time.Sleep(50 * time.Millisecond)
			return
		default:
			app.InvalidRequest(fmt.Sprintf("unknown input code: %q", in.Code))
		}
	}
}

// runMCP boots the JSON-RPC tool-server front end on stdin/stdout.
func runMCP(req clifront.Request, runner dispatcher.Runner) {
	cfg := types.DefaultRuntimeConfig()
	if req.Session.HasOverride() {
		cfg.Sessions[cfg.DefaultSession] = req.Session
	}
	if len(req.Log) > 0 {
		cfg.Log = req.Log
	}

	app := dispatcher.NewApp(cfg, runner)
	app.SetAuditBus(newAuditBus())
	rpc.Run(app, os.Stdin, os.Stdout)
}

// newAuditBus builds the audit bus every long-running front end (pipe,
// mcp) attaches to its dispatcher.App, with the ready-made structured-log
// subscriber wired in. The one-shot CLI front end skips this: a single
// request's lifecycle is already fully rendered by runCLI's own output
// drain, so a second async log subscriber would add noise, not signal.
func newAuditBus() *audit.Bus {
	bus := audit.NewBus()
	bus.SubscribeAsync(audit.TopicAll, audit.DefaultLogSubscriber())
	return bus
}

func init() {
	loggy.Infof("[afpsql.main] starting")
}
