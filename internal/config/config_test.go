package config

import (
	"testing"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

func strp(s string) *string   { return &s }
func u64p(v uint64) *uint64   { return &v }

func TestApplyUpdateScalarAndSessionMerge(t *testing.T) {
	cfg := types.DefaultRuntimeConfig()
	cfg.Sessions["reporting"] = types.SessionConfig{Host: strp("db1")}

	patch := types.ConfigPatch{
		InlineMaxRows: u64p(50),
		Sessions: map[string]types.SessionConfigPatch{
			"reporting": {Port: func() *uint16 { p := uint16(5433); return &p }()},
		},
	}
	ApplyUpdate(&cfg, patch)

	if cfg.InlineMaxRows != 50 {
		t.Fatalf("expected inline_max_rows=50, got %d", cfg.InlineMaxRows)
	}
	entry := cfg.Sessions["reporting"]
	if entry.Host == nil || *entry.Host != "db1" {
		t.Fatalf("expected untouched host field to survive merge, got %+v", entry)
	}
	if entry.Port == nil || *entry.Port != 5433 {
		t.Fatalf("expected port field to be set, got %+v", entry)
	}
}

func TestApplyUpdateRestoresDefaultSessionInvariant(t *testing.T) {
	cfg := types.DefaultRuntimeConfig()
	patch := types.ConfigPatch{DefaultSession: strp("ghost")}
	ApplyUpdate(&cfg, patch)

	if _, ok := cfg.Sessions["ghost"]; !ok {
		t.Fatalf("expected default_session %q to exist in sessions map after patch", cfg.DefaultSession)
	}
}

func TestParseLogFiltersDedupesAndNormalizes(t *testing.T) {
	got := ParseLogFilters([]string{" Query ", "query", "", "ALL"})
	want := []string{"query", "all"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestLogEnabled(t *testing.T) {
	cases := []struct {
		filters []string
		event   string
		want    bool
	}{
		{nil, "query.result", false},
		{[]string{"all"}, "query.result", true},
		{[]string{"query"}, "query.result", true},
		{[]string{"config"}, "query.result", false},
		{[]string{"query.result"}, "query.result", true},
	}
	for _, c := range cases {
		if got := LogEnabled(c.filters, c.event); got != c.want {
			t.Fatalf("LogEnabled(%v, %q) = %v, want %v", c.filters, c.event, got, c.want)
		}
	}
}

func TestResolveOptionsFloors(t *testing.T) {
	cfg := types.DefaultRuntimeConfig()
	opts := ResolveOptions(cfg, types.QueryOptions{BatchRows: u64p(0), BatchBytes: u64p(10)})
	if opts.BatchRows != 1 {
		t.Fatalf("expected batch_rows floored to 1, got %d", opts.BatchRows)
	}
	if opts.BatchBytes != 1024 {
		t.Fatalf("expected batch_bytes floored to 1024, got %d", opts.BatchBytes)
	}
}

func TestResolveOptionsDefaultsFromConfig(t *testing.T) {
	cfg := types.DefaultRuntimeConfig()
	cfg.StatementTimeoutMs = 9999
	opts := ResolveOptions(cfg, types.QueryOptions{})
	if opts.StatementTimeoutMs != 9999 {
		t.Fatalf("expected statement_timeout_ms inherited from config, got %d", opts.StatementTimeoutMs)
	}
	if opts.BatchRows != 1000 || opts.BatchBytes != 262_144 {
		t.Fatalf("expected engine defaults, got %+v", opts)
	}
}

func TestResolveSessionName(t *testing.T) {
	cfg := types.DefaultRuntimeConfig()
	cfg.DefaultSession = "primary"
	if got := ResolveSessionName(cfg, nil); got != "primary" {
		t.Fatalf("expected primary, got %q", got)
	}
	if got := ResolveSessionName(cfg, strp("other")); got != "other" {
		t.Fatalf("expected other, got %q", got)
	}
}
