package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/cmnspore/agent-first-psql/internal/audit"
	"github.com/cmnspore/agent-first-psql/internal/execerr"
	"github.com/cmnspore/agent-first-psql/internal/executor"
	"github.com/cmnspore/agent-first-psql/internal/types"
)

type fakeRunner struct {
	outcome executor.Outcome
	err     *execerr.Error
	delay   time.Duration
	calls   chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, session string, sessionCfg types.SessionConfig, sql string, params []any, opts types.ResolvedOptions) (executor.Outcome, *execerr.Error) {
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return executor.Outcome{}, execerr.Internal("cancelled")
		}
	}
	return f.outcome, f.err
}

func drain(t *testing.T, out <-chan types.Output, n int) []types.Output {
	t.Helper()
	events := make([]types.Output, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case o := <-out:
			events = append(events, o)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(events), events)
		}
	}
	return events
}

func testConfig() types.RuntimeConfig {
	cfg := types.DefaultRuntimeConfig()
	cfg.Log = []string{"all"}
	return cfg
}

func TestHandleQueryCommandResult(t *testing.T) {
	runner := &fakeRunner{outcome: executor.Outcome{Affected: 3}}
	app := NewApp(testConfig(), runner)

	app.HandleQuery(context.Background(), "r1", nil, "delete from t", nil, types.QueryOptions{})
	events := drain(t, app.Output(), 2)

	if events[0].Code != "result" || events[0].CommandTag != "EXECUTE 3" {
		t.Fatalf("expected EXECUTE 3 result, got %+v", events[0])
	}
	if events[1].Code != "log" || events[1].Event != "query.result" {
		t.Fatalf("expected query.result log, got %+v", events[1])
	}
}

func TestHandleQueryRowsResult(t *testing.T) {
	runner := &fakeRunner{outcome: executor.Outcome{HasRows: true, Rows: []any{map[string]any{"id": float64(1)}}}}
	app := NewApp(testConfig(), runner)

	app.HandleQuery(context.Background(), "r1", nil, "select 1", nil, types.QueryOptions{})
	events := drain(t, app.Output(), 2)

	if events[0].Code != "result" {
		t.Fatalf("expected result event, got %+v", events[0])
	}
	if events[1].Code != "log" || events[1].Event != "query.result" {
		t.Fatalf("expected query.result log, got %+v", events[1])
	}
}

func TestHandleQueryUnknownSession(t *testing.T) {
	runner := &fakeRunner{}
	app := NewApp(testConfig(), runner)
	other := "ghost"

	app.HandleQuery(context.Background(), "r1", &other, "select 1", nil, types.QueryOptions{})
	events := drain(t, app.Output(), 2)

	if events[0].Code != "error" || events[0].ErrorCode != "connect_failed" {
		t.Fatalf("expected connect_failed error, got %+v", events[0])
	}
}

func TestHandleQuerySQLError(t *testing.T) {
	runner := &fakeRunner{err: execerr.SQL(execerr.SQLDetail{SQLState: "42601", Message: "syntax error"})}
	app := NewApp(testConfig(), runner)

	app.HandleQuery(context.Background(), "r1", nil, "bogus sql", nil, types.QueryOptions{})
	events := drain(t, app.Output(), 2)

	if events[0].Code != "sql_error" || events[0].SQLState != "42601" {
		t.Fatalf("expected sql_error 42601, got %+v", events[0])
	}
	if events[1].Event != "query.sql_error" {
		t.Fatalf("expected query.sql_error log, got %+v", events[1])
	}
}

func TestHandleConfigMergesAndSnapshots(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{})
	rows := uint64(50)
	app.HandleConfig(types.ConfigPatch{InlineMaxRows: &rows})
	events := drain(t, app.Output(), 1)

	if events[0].Code != "config" || events[0].Config.InlineMaxRows != 50 {
		t.Fatalf("expected config snapshot with inline_max_rows=50, got %+v", events[0])
	}
}

func TestHandleCancelUnknownID(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{})
	app.HandleCancel("missing")
	events := drain(t, app.Output(), 1)
	if events[0].Code != "error" || events[0].ErrorCode != "invalid_request" {
		t.Fatalf("expected invalid_request error, got %+v", events[0])
	}
}

func TestHandleCancelInFlight(t *testing.T) {
	calls := make(chan struct{}, 1)
	runner := &fakeRunner{outcome: executor.Outcome{Affected: 1}, delay: time.Second, calls: calls}
	app := NewApp(testConfig(), runner)

	app.HandleQuery(context.Background(), "r1", nil, "select pg_sleep(1)", nil, types.QueryOptions{})
	<-calls // wait until the worker is actually running

	app.HandleCancel("r1")
	events := drain(t, app.Output(), 1)
	if events[0].Code != "error" || events[0].ErrorCode != "cancelled" {
		t.Fatalf("expected cancelled error, got %+v", events[0])
	}
}

func TestHandlePingReportsInFlight(t *testing.T) {
	calls := make(chan struct{}, 1)
	app := NewApp(testConfig(), &fakeRunner{outcome: executor.Outcome{Affected: 1}, delay: time.Second, calls: calls})
	app.HandleQuery(context.Background(), "r1", nil, "select pg_sleep(1)", nil, types.QueryOptions{})
	<-calls // the query is now running and registered in flight

	app.HandlePing()
	events := drain(t, app.Output(), 1)
	if events[0].Code != "pong" {
		t.Fatalf("expected pong event, got %+v", events[0])
	}
	if events[0].PongTraceV == nil || events[0].PongTraceV.InFlight != 1 {
		t.Fatalf("expected in_flight=1, got %+v", events[0].PongTraceV)
	}
}

func TestHandleCloseIsFinalEvent(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{outcome: executor.Outcome{Affected: 1}})
	app.HandleQuery(context.Background(), "r1", nil, "delete from t", nil, types.QueryOptions{})
	drain(t, app.Output(), 2) // result + log, let the query finish

	app.HandleClose()
	events := drain(t, app.Output(), 1)
	if events[0].Code != "close" {
		t.Fatalf("expected close event, got %+v", events[0])
	}
}

func TestSetAuditBusPublishesQueryLifecycleEvents(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{outcome: executor.Outcome{Affected: 1}})

	bus := audit.NewBus()
	defer bus.Shutdown()
	// A successful query publishes both query.result and query.sql, and
	// both match "query.*"; their delivery order across bus workers is
	// not fixed.
	received := make(chan audit.Event, 2)
	bus.Subscribe("query.*", func(e audit.Event) {
		received <- e
	})
	app.SetAuditBus(bus)

	app.HandleQuery(context.Background(), "r1", nil, "delete from t", nil, types.QueryOptions{})
	drain(t, app.Output(), 2)

	byTopic := map[audit.Topic]string{}
	for len(byTopic) < 2 {
		select {
		case e := <-received:
			byTopic[e.Topic()] = e.RequestID()
		case <-time.After(2 * time.Second):
			t.Fatalf("expected query.result and query.sql audit events, got %v", byTopic)
		}
	}
	requestID, ok := byTopic[audit.TopicQueryResult]
	if !ok {
		t.Fatalf("expected query.result audit event, got %v", byTopic)
	}
	if requestID != "r1" {
		t.Fatalf("expected request id r1, got %q", requestID)
	}
}

func TestAuditBusPublishesInterpolatedSQLOnRowResult(t *testing.T) {
	rows := []any{map[string]any{"id": int64(1)}}
	app := NewApp(testConfig(), &fakeRunner{outcome: executor.Outcome{HasRows: true, Rows: rows}})

	bus := audit.NewBus()
	defer bus.Shutdown()
	received := make(chan audit.Event, 1)
	bus.Subscribe("query.sql", func(e audit.Event) { received <- e })
	app.SetAuditBus(bus)

	app.HandleQuery(context.Background(), "r1", nil, "select * from t where id = $1", []any{int64(7)}, types.QueryOptions{})
	drain(t, app.Output(), 2)

	select {
	case e := <-received:
		sql, _ := e.Metadata()["interpolated_sql"].(string)
		if sql != "select * from t where id = 7" {
			t.Fatalf("expected interpolated sql, got %q", sql)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a query.sql audit event")
	}
}

func TestNilAuditBusIsNoop(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{outcome: executor.Outcome{Affected: 1}})
	app.HandleQuery(context.Background(), "r1", nil, "delete from t", nil, types.QueryOptions{})
	drain(t, app.Output(), 2)
}

func TestHandleDescribeUnknownSession(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{})
	other := "ghost"

	app.HandleDescribe(context.Background(), "d1", &other, "tables", "")
	events := drain(t, app.Output(), 1)

	if events[0].Code != "error" || events[0].ErrorCode != "connect_failed" {
		t.Fatalf("expected connect_failed error, got %+v", events[0])
	}
	if events[0].ID == nil || *events[0].ID != "d1" {
		t.Fatalf("expected id d1 on error output, got %+v", events[0].ID)
	}
}

func TestRunDescribeSyncUnknownSession(t *testing.T) {
	app := NewApp(testConfig(), &fakeRunner{})
	other := "ghost"

	app.RunDescribeSync(context.Background(), "d1", &other, "columns", "accounts")
	out := app.DrainOutputs()
	if len(out) != 1 || out[0].Code != "error" || out[0].ErrorCode != "connect_failed" {
		t.Fatalf("expected one connect_failed error output, got %+v", out)
	}
}
