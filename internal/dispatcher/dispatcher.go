// Package dispatcher implements the per-request event loop (C6): one
// worker goroutine per in-flight query id, a config/cancel/ping/close
// control plane (live config behind an RWMutex, the in-flight table behind
// its own mutex), and a drain-then-close
// shutdown sequence. Grounded exactly on main.rs's run_pipe/run_cli event
// loop and handler.rs's App/execute_query orchestration, adapted from
// tokio tasks + JoinHandle to goroutines + context.CancelFunc so that
// per-id cancellation (C6's in-flight invariant) is expressible without
// a shared worker-pool job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmnspore/agent-first-psql/internal/audit"
	"github.com/cmnspore/agent-first-psql/internal/config"
	"github.com/cmnspore/agent-first-psql/internal/conn"
	"github.com/cmnspore/agent-first-psql/internal/dbpool"
	"github.com/cmnspore/agent-first-psql/internal/execerr"
	"github.com/cmnspore/agent-first-psql/internal/executor"
	"github.com/cmnspore/agent-first-psql/internal/introspect"
	"github.com/cmnspore/agent-first-psql/internal/shaper"
	"github.com/cmnspore/agent-first-psql/internal/types"
)

// OutputChannelCapacity is the output channel's buffer size, matching
// the original system's OUTPUT_CHANNEL_CAPACITY.
const OutputChannelCapacity = 4096

// drainGracePeriod bounds how long Close waits for in-flight queries to
// finish before forcing the terminal close event.
const drainGracePeriod = 5 * time.Second

// Runner executes one resolved query against a session's pool. The real
// implementation (NewPoolRunner) wraps a dbpool.Registry and
// executor.Execute; tests can substitute a fake to exercise the
// dispatcher without a live database.
type Runner interface {
	Run(ctx context.Context, session string, sessionCfg types.SessionConfig, sql string, params []any, opts types.ResolvedOptions) (executor.Outcome, *execerr.Error)
}

type poolRunner struct {
	pools *dbpool.Registry
}

// NewPoolRunner builds the production Runner: pool acquisition via
// registry, execution via the pgx-backed executor.
func NewPoolRunner(registry *dbpool.Registry) Runner {
	return &poolRunner{pools: registry}
}

func (r *poolRunner) Run(ctx context.Context, session string, sessionCfg types.SessionConfig, sql string, params []any, opts types.ResolvedOptions) (executor.Outcome, *execerr.Error) {
	pool, err := r.pools.Acquire(ctx, session, sessionCfg)
	if err != nil {
		return executor.Outcome{}, err
	}
	return executor.Execute(ctx, pool, sql, params, opts)
}

type inFlightEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// App is one dispatcher instance: live config, query runner, output
// sink, and the in-flight id->worker table. One App is created per
// pipe/CLI/tool-server session.
type App struct {
	cfgMu  sync.RWMutex
	cfg    types.RuntimeConfig
	runner Runner
	out    chan types.Output

	flightMu sync.Mutex
	inFlight map[string]*inFlightEntry

	requestsTotal atomic.Uint64
	startTime     time.Time

	auditMu sync.RWMutex
	audit   *audit.Bus
}

// NewApp builds a dispatcher App with the given initial config and
// runner, and an output channel of OutputChannelCapacity.
func NewApp(cfg types.RuntimeConfig, runner Runner) *App {
	return &App{
		cfg:      cfg,
		runner:   runner,
		out:      make(chan types.Output, OutputChannelCapacity),
		inFlight: make(map[string]*inFlightEntry),
		startTime: time.Now(),
	}
}

// Output returns the app's output event channel. Front ends (CLI/pipe/
// rpc) drain this to render each Output event.
func (a *App) Output() <-chan types.Output {
	return a.out
}

func (a *App) emit(o types.Output) {
	select {
	case a.out <- o:
	default:
		// Backpressure: a full, bounded multi-producer channel drops
		// the event rather than blocking a worker indefinitely. The
		// writer front end is expected to keep pace; a dropped event
		// here indicates the consumer has stalled.
	}
}

func (a *App) liveConfig() types.RuntimeConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg.Clone()
}

// HandleQuery dispatches a "query" Input: registers a worker under id in
// the in-flight table before yielding control, then runs the query
// asynchronously. Per C6's invariant, at most one worker may be
// registered per id at a time; a duplicate id silently replaces the
// table entry (the superseded goroutine still runs to completion but is
// no longer cancellable by id).
func (a *App) HandleQuery(parent context.Context, id string, session *string, sql string, rawParams []any, options types.QueryOptions) {
	a.requestsTotal.Add(1)
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	a.flightMu.Lock()
	a.inFlight[id] = &inFlightEntry{cancel: cancel, done: done}
	a.flightMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		a.executeQuery(ctx, &id, session, sql, rawParams, options)
		a.flightMu.Lock()
		if entry, ok := a.inFlight[id]; ok && entry.done == done {
			delete(a.inFlight, id)
		}
		a.flightMu.Unlock()
	}()

	a.sweep()
}

// sweep removes any in-flight entries whose worker has already finished.
// Called after every dispatched event, mirroring main.rs's
// in_flight.retain(|_, h| !h.is_finished()) pass at the bottom of the
// read loop.
func (a *App) sweep() {
	a.flightMu.Lock()
	defer a.flightMu.Unlock()
	for id, entry := range a.inFlight {
		select {
		case <-entry.done:
			delete(a.inFlight, id)
		default:
		}
	}
}

// executeQuery runs the resolved query pipeline for one request: session/
// option resolution, execution, result shaping, and conditional log
// emission. Grounded exactly on handler.rs's execute_query.
func (a *App) executeQuery(ctx context.Context, id *string, session *string, sql string, rawParams []any, options types.QueryOptions) {
	start := time.Now()
	cfg := a.liveConfig()
	resolvedSession := config.ResolveSessionName(cfg, session)
	resolvedOpts := config.ResolveOptions(cfg, options)

	sessionCfg, ok := cfg.Sessions[resolvedSession]
	if !ok {
		trace := types.OnlyDuration(elapsedMs(start))
		a.emit(types.NewErrorOutput(id, "connect_failed", fmt.Sprintf("unknown session: %s", resolvedSession), true, trace))
		a.emitLog(cfg, "query.error", id, &resolvedSession, "connect_failed", "", trace)
		return
	}

	outcome, execErr := a.runner.Run(ctx, resolvedSession, sessionCfg, sql, rawParams, resolvedOpts)
	if ctx.Err() != nil {
		// Cancelled: HandleCancel has already emitted this id's terminal
		// "cancelled" event, so nothing further is emitted for it.
		return
	}
	if execErr != nil {
		a.handleExecError(cfg, execErr, id, resolvedSession, start)
		return
	}

	if outcome.HasRows {
		status := shaper.EmitRows(a.emit, id, &resolvedSession, outcome.Rows, start, resolvedOpts)
		if status.TooLarge {
			a.emitLog(cfg, "query.error", id, &resolvedSession, "result_too_large", "", status.Trace)
		} else {
			a.emitLog(cfg, "query.result", id, &resolvedSession, "", "SELECT", status.Trace)
			a.publishQuerySQL(id, resolvedSession, sql, rawParams)
		}
		return
	}

	commandTag := fmt.Sprintf("EXECUTE %d", outcome.Affected)
	zero := uint64(0)
	trace := types.Trace{DurationMs: elapsedMs(start), RowCount: &zero, PayloadBytes: &zero}
	a.emit(types.NewResultOutput(id, &resolvedSession, commandTag, nil, []any{}, 0, trace))
	a.emitLog(cfg, "query.result", id, &resolvedSession, "", "EXECUTE", trace)
	a.publishQuerySQL(id, resolvedSession, sql, rawParams)
}

// publishQuerySQL publishes the interpolated SQL text for a successfully
// executed query as a "query.sql" audit event, independent of and in
// addition to emitLog's own "query.result" publish. The interpolation runs
// whenever an audit bus is attached; subscribers of "query.sql", "query.*"
// and "*" all receive the event.
func (a *App) publishQuerySQL(id *string, session, sql string, rawParams []any) {
	a.auditMu.RLock()
	bus := a.audit
	a.auditMu.RUnlock()
	if bus == nil {
		return
	}
	reqID := ""
	if id != nil {
		reqID = *id
	}
	e := audit.NewEvent("query.sql", reqID, session, nil).
		WithMetadata("interpolated_sql", audit.InterpolateSQL(sql, rawParams))
	bus.Publish(e)
}

// HandleDescribe runs a schema/routine introspection request (tables,
// functions, procedures, a table's columns, keys, or DDL) against the
// named session and emits a "describe" Output, or an error Output if the
// session is unknown or the introspection connection/query fails. Runs
// on its own goroutine, uncancellable and untracked in the in-flight
// table: these are short, read-only diagnostic queries, not part of the
// query-cancel invariant C6 otherwise enforces.
func (a *App) HandleDescribe(ctx context.Context, id string, session *string, kind, table string) {
	a.requestsTotal.Add(1)
	go a.runDescribe(ctx, id, session, kind, table)
	a.sweep()
}

func (a *App) runDescribe(ctx context.Context, id string, session *string, kind, table string) {
	start := time.Now()
	cfg := a.liveConfig()
	resolvedSession := config.ResolveSessionName(cfg, session)

	sessionCfg, ok := cfg.Sessions[resolvedSession]
	if !ok {
		a.emit(types.NewErrorOutput(&id, "connect_failed", fmt.Sprintf("unknown session: %s", resolvedSession), true, types.OnlyDuration(elapsedMs(start))))
		return
	}
	connString, err := conn.ResolveConnString(sessionCfg)
	if err != nil {
		a.emit(types.NewErrorOutput(&id, "connect_failed", err.Error(), true, types.OnlyDuration(elapsedMs(start))))
		return
	}

	client, err := introspect.NewClient(ctx, connString)
	if err != nil {
		a.emit(types.NewErrorOutput(&id, "connect_failed", err.Error(), true, types.OnlyDuration(elapsedMs(start))))
		return
	}
	defer client.Close()

	var result any
	switch kind {
	case "tables":
		result, err = client.ListTables(ctx)
	case "functions":
		result, err = client.ListFunctions(ctx)
	case "procedures":
		result, err = client.ListProcedures(ctx)
	case "columns":
		result, err = client.DescribeTable(ctx, table)
	case "keys":
		result, err = client.TableKeys(ctx, table)
	case "ddl":
		result, err = client.TableDDL(ctx, table)
	default:
		err = fmt.Errorf("unknown describe kind: %q", kind)
	}
	if err != nil {
		a.emit(types.NewErrorOutput(&id, "describe_failed", err.Error(), false, types.OnlyDuration(elapsedMs(start))))
		return
	}
	a.emit(types.NewDescribeOutput(&id, result))
}

// PingTrace builds the uptime/requests_total/in_flight trace a ping
// response reports, without emitting a pong Output event. Used by the
// tool-server front end, which returns the trace as a JSON-RPC result
// rather than as a pipe-protocol Output. Per the tool-server's inherited
// quirk (documented in DESIGN.md), in_flight is always reported as 0
// here, unlike pipe mode's HandlePing.
func (a *App) PingTrace() types.PongTrace {
	return types.PongTrace{
		UptimeS:       uint64(time.Since(a.startTime).Seconds()),
		RequestsTotal: a.requestsTotal.Load(),
		InFlight:      0,
	}
}

// CloseTrace builds the uptime/requests_total trace for the tool-server
// front end's terminal afpsql/closed notification.
func (a *App) CloseTrace() types.CloseTrace {
	return types.CloseTrace{
		UptimeS:       uint64(time.Since(a.startTime).Seconds()),
		RequestsTotal: a.requestsTotal.Load(),
	}
}

// ConfigSnapshot returns a deep-enough copy of the live runtime config.
// Used by the tool-server front end's psql_config tool, which returns
// the config directly as a JSON-RPC result rather than as a pipe-
// protocol "config" Output.
func (a *App) ConfigSnapshot() types.RuntimeConfig {
	return a.liveConfig()
}

// RunDescribeSync runs one describe request to completion on the calling
// goroutine, mirroring RunQuerySync. Used by the one-shot CLI front end's
// "describe" mode, which needs the result before it can drain and render
// output and exit.
func (a *App) RunDescribeSync(ctx context.Context, id string, session *string, kind, table string) {
	a.requestsTotal.Add(1)
	a.runDescribe(ctx, id, session, kind, table)
}

// RunQuerySync runs one query to completion on the calling goroutine,
// without registering it in the in-flight/cancel table. Used by the
// tool-server front end, which awaits a psql_query tool call directly
// rather than dispatching it as a fire-and-forget worker (mirroring
// mcp.rs's direct handler::execute_query(...).await call).
func (a *App) RunQuerySync(ctx context.Context, id string, session *string, sql string, rawParams []any, options types.QueryOptions) {
	a.requestsTotal.Add(1)
	a.executeQuery(ctx, &id, session, sql, rawParams, options)
}

// DrainOutputs non-blockingly collects every Output currently buffered on
// the output channel. Used by the tool-server front end to gather the
// events produced by one RunQuerySync call into a single tool result.
func (a *App) DrainOutputs() []types.Output {
	var out []types.Output
	for {
		select {
		case o := <-a.out:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (a *App) handleExecError(cfg types.RuntimeConfig, execErr *execerr.Error, id *string, resolvedSession string, start time.Time) {
	trace := types.OnlyDuration(elapsedMs(start))
	if execErr.Kind == execerr.KindSQL {
		a.emit(types.NewSQLErrorOutput(id, &resolvedSession, execErr.SQL.SQLState, execErr.SQL.Message, execErr.SQL.Detail, execErr.SQL.Hint, execErr.SQL.Position, trace))
		a.emitLog(cfg, "query.sql_error", id, &resolvedSession, execErr.SQL.SQLState, "", trace)
		return
	}
	a.emit(types.NewErrorOutput(id, execErr.Code(), execErr.Error(), execErr.Retryable(), trace))
	a.emitLog(cfg, "query.error", id, &resolvedSession, execErr.Code(), "", trace)
}

func (a *App) emitLog(cfg types.RuntimeConfig, event string, requestID, session *string, errorCode, commandTag string, trace types.Trace) {
	a.publishAudit(event, requestID, session, errorCode, commandTag)
	if !config.LogEnabled(cfg.Log, event) {
		return
	}
	a.emit(types.NewLogOutput(event, requestID, session, errorCode, commandTag, trace))
}

// SetAuditBus attaches an audit.Bus that every emitted log event (query
// lifecycle, errors, sql errors) is also published onto, independent of
// the pipe protocol's own --log filter. A nil bus disables publishing.
// This is additive and does not change NewApp's signature: a host process
// opts in by calling SetAuditBus after construction.
func (a *App) SetAuditBus(bus *audit.Bus) {
	a.auditMu.Lock()
	a.audit = bus
	a.auditMu.Unlock()
}

func (a *App) publishAudit(event string, requestID, session *string, errorCode, commandTag string) {
	a.auditMu.RLock()
	bus := a.audit
	a.auditMu.RUnlock()
	if bus == nil {
		return
	}
	id, sess := "", ""
	if requestID != nil {
		id = *requestID
	}
	if session != nil {
		sess = *session
	}
	e := audit.NewEvent(audit.Topic(event), id, sess, nil)
	if errorCode != "" {
		e = e.WithMetadata("error_code", errorCode)
	}
	if commandTag != "" {
		e = e.WithMetadata("command_tag", commandTag)
	}
	bus.Publish(e)
}

// HandleConfig applies a config patch and emits the resulting full
// config snapshot.
func (a *App) HandleConfig(patch types.ConfigPatch) {
	a.cfgMu.Lock()
	config.ApplyUpdate(&a.cfg, patch)
	snapshot := a.cfg.Clone()
	a.cfgMu.Unlock()
	a.emit(types.NewConfigOutput(snapshot))
	a.sweep()
}

// HandleCancel best-effort cancels the in-flight query registered under
// id. No database-level cancel is issued and no partial work is rolled
// back; the running goroutine's context is simply cancelled, which the
// executor observes on its next blocking database call at the latest.
func (a *App) HandleCancel(id string) {
	a.flightMu.Lock()
	entry, ok := a.inFlight[id]
	if ok {
		delete(a.inFlight, id)
	}
	a.flightMu.Unlock()

	if !ok {
		a.emit(types.NewErrorOutput(&id, "invalid_request", "no in-flight query with this id", false, types.OnlyDuration(0)))
		a.sweep()
		return
	}
	entry.cancel()
	a.emit(types.NewErrorOutput(&id, "cancelled", "query cancelled", false, types.OnlyDuration(0)))
	a.sweep()
}

// HandlePing emits a pong event carrying uptime/requests_total/in_flight
// telemetry.
func (a *App) HandlePing() {
	a.flightMu.Lock()
	inFlight := uint64(len(a.inFlight))
	a.flightMu.Unlock()

	a.emit(types.NewPongOutput(types.PongTrace{
		UptimeS:       uint64(time.Since(a.startTime).Seconds()),
		RequestsTotal: a.requestsTotal.Load(),
		InFlight:      inFlight,
	}))
	a.sweep()
}

// HandleClose drains every in-flight query (bounded by drainGracePeriod
// in total, not per-query), then emits the terminal close event. The
// dispatcher's caller must stop reading further Input lines before
// calling this and must treat close as the absolute final Output event.
func (a *App) HandleClose() {
	a.flightMu.Lock()
	entries := make([]*inFlightEntry, 0, len(a.inFlight))
	for _, entry := range a.inFlight {
		entries = append(entries, entry)
	}
	a.inFlight = make(map[string]*inFlightEntry)
	a.flightMu.Unlock()

	deadline := time.Now().Add(drainGracePeriod)
	for _, entry := range entries {
		remain := time.Until(deadline)
		if remain <= 0 {
			break
		}
		select {
		case <-entry.done:
		case <-time.After(remain):
		}
	}

	a.emit(types.NewCloseOutput("shutdown", types.CloseTrace{
		UptimeS:       uint64(time.Since(a.startTime).Seconds()),
		RequestsTotal: a.requestsTotal.Load(),
	}))
}

// InvalidRequest emits an "error" Output for a malformed input line
// (unparseable JSON or unknown code), without interrupting the read
// loop.
func (a *App) InvalidRequest(message string) {
	a.emit(types.NewErrorOutput(nil, "invalid_request", message, false, types.OnlyDuration(0)))
	a.sweep()
}

func elapsedMs(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}
