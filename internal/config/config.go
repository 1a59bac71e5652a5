// Package config implements runtime-configuration patching and per-query
// option resolution (C7), adapted from the teacher's fluent RConf
// setter idiom (builder.go) but restructured around JSON-patchable,
// per-session configuration instead of a single static connection.
package config

import (
	"strings"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

// ApplyUpdate merges patch into cfg in place: scalars replace-if-present,
// log filters are re-normalized via ParseLogFilters, sessions merge
// field-by-field (untouched fields of an existing session survive), and
// the default_session-must-exist invariant is restored last.
func ApplyUpdate(cfg *types.RuntimeConfig, patch types.ConfigPatch) {
	if patch.DefaultSession != nil {
		cfg.DefaultSession = *patch.DefaultSession
	}
	if patch.InlineMaxRows != nil {
		cfg.InlineMaxRows = *patch.InlineMaxRows
	}
	if patch.InlineMaxBytes != nil {
		cfg.InlineMaxBytes = *patch.InlineMaxBytes
	}
	if patch.StatementTimeoutMs != nil {
		cfg.StatementTimeoutMs = *patch.StatementTimeoutMs
	}
	if patch.LockTimeoutMs != nil {
		cfg.LockTimeoutMs = *patch.LockTimeoutMs
	}
	if patch.Log != nil {
		cfg.Log = ParseLogFilters(patch.Log)
	}
	if patch.Sessions != nil {
		if cfg.Sessions == nil {
			cfg.Sessions = map[string]types.SessionConfig{}
		}
		for name, p := range patch.Sessions {
			entry := cfg.Sessions[name]
			if p.DSNSecret != nil {
				entry.DSNSecret = p.DSNSecret
			}
			if p.ConninfoSecret != nil {
				entry.ConninfoSecret = p.ConninfoSecret
			}
			if p.Host != nil {
				entry.Host = p.Host
			}
			if p.Port != nil {
				entry.Port = p.Port
			}
			if p.User != nil {
				entry.User = p.User
			}
			if p.DBName != nil {
				entry.DBName = p.DBName
			}
			if p.PasswordSecret != nil {
				entry.PasswordSecret = p.PasswordSecret
			}
			cfg.Sessions[name] = entry
		}
	}
	if _, ok := cfg.Sessions[cfg.DefaultSession]; !ok {
		if cfg.Sessions == nil {
			cfg.Sessions = map[string]types.SessionConfig{}
		}
		cfg.Sessions[cfg.DefaultSession] = types.SessionConfig{}
	}
}

// ParseLogFilters lowercases, trims, deduplicates, and drops empty
// entries from a requested log-filter list. The literal filters "all"
// and "*" pass through unchanged.
func ParseLogFilters(filters []string) []string {
	seen := make(map[string]bool, len(filters))
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// ResolveSessionName picks the request's requested session name if
// present, else the live config's default_session.
func ResolveSessionName(cfg types.RuntimeConfig, requested *string) string {
	if requested != nil {
		return *requested
	}
	return cfg.DefaultSession
}

// ResolveOptions resolves one query's effective options from a
// request-supplied QueryOptions overlaid on the live RuntimeConfig,
// falling back to engine defaults, with batch_rows floored at 1 and
// batch_bytes floored at 1024.
func ResolveOptions(cfg types.RuntimeConfig, q types.QueryOptions) types.ResolvedOptions {
	batchRows := valueOr(q.BatchRows, 1000)
	if batchRows < 1 {
		batchRows = 1
	}
	batchBytes := valueOr(q.BatchBytes, 262_144)
	if batchBytes < 1024 {
		batchBytes = 1024
	}
	return types.ResolvedOptions{
		StreamRows:         q.StreamRows,
		BatchRows:          batchRows,
		BatchBytes:         batchBytes,
		StatementTimeoutMs: valueOr(q.StatementTimeoutMs, cfg.StatementTimeoutMs),
		LockTimeoutMs:      valueOr(q.LockTimeoutMs, cfg.LockTimeoutMs),
		ReadOnly:           boolOr(q.ReadOnly, false),
		InlineMaxRows:      valueOr(q.InlineMaxRows, cfg.InlineMaxRows),
		InlineMaxBytes:     valueOr(q.InlineMaxBytes, cfg.InlineMaxBytes),
	}
}

func valueOr(p *uint64, fallback uint64) uint64 {
	if p != nil {
		return *p
	}
	return fallback
}

func boolOr(p *bool, fallback bool) bool {
	if p != nil {
		return *p
	}
	return fallback
}

// LogEnabled reports whether event should be emitted as a "log" Output
// event given the live config's filter list. An empty filter list
// disables all logging; "all"/"*" enables everything; otherwise an exact
// match or a dotted-prefix match (e.g. filter "query" enables event
// "query.result") enables it.
func LogEnabled(filters []string, event string) bool {
	if len(filters) == 0 {
		return false
	}
	for _, f := range filters {
		if f == "all" || f == "*" || f == event {
			return true
		}
	}
	prefix := event
	if idx := strings.IndexByte(event, '.'); idx >= 0 {
		prefix = event[:idx]
	}
	for _, f := range filters {
		if f == prefix {
			return true
		}
	}
	return false
}
