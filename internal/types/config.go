package types

// SessionConfig is the resolvable connection configuration for one named
// session. Every field is optional; package conn supplies the fallback
// chain down to environment variables and hard defaults.
type SessionConfig struct {
	DSNSecret      *string `json:"dsn_secret,omitempty"`
	ConninfoSecret *string `json:"conninfo_secret,omitempty"`
	Host           *string `json:"host,omitempty"`
	Port           *uint16 `json:"port,omitempty"`
	User           *string `json:"user,omitempty"`
	DBName         *string `json:"dbname,omitempty"`
	PasswordSecret *string `json:"password_secret,omitempty"`
}

// HasOverride reports whether any field deviates from the zero-value
// default session. Used by the pipe and tool-server front ends to decide
// whether flag/env overrides should seed a non-empty "default" session
// before the first request.
func (s SessionConfig) HasOverride() bool {
	return s.DSNSecret != nil || s.ConninfoSecret != nil || s.Host != nil ||
		s.Port != nil || s.User != nil || s.DBName != nil || s.PasswordSecret != nil
}

// SessionConfigPatch is the partial-update shape accepted for one named
// session inside a ConfigPatch.
type SessionConfigPatch struct {
	DSNSecret      *string `json:"dsn_secret,omitempty"`
	ConninfoSecret *string `json:"conninfo_secret,omitempty"`
	Host           *string `json:"host,omitempty"`
	Port           *uint16 `json:"port,omitempty"`
	User           *string `json:"user,omitempty"`
	DBName         *string `json:"dbname,omitempty"`
	PasswordSecret *string `json:"password_secret,omitempty"`
}

// RuntimeConfig is the live, patchable configuration shared by every front
// end behind a single reader/writer lock (see dispatcher.App).
type RuntimeConfig struct {
	DefaultSession     string                   `json:"default_session"`
	Sessions           map[string]SessionConfig `json:"sessions"`
	InlineMaxRows      uint64                   `json:"inline_max_rows"`
	InlineMaxBytes     uint64                   `json:"inline_max_bytes"`
	StatementTimeoutMs uint64                   `json:"statement_timeout_ms"`
	LockTimeoutMs      uint64                   `json:"lock_timeout_ms"`
	Log                []string                 `json:"log"`
}

// DefaultRuntimeConfig builds the engine's default RuntimeConfig: a single
// empty "default" session, 1000-row/1MiB inline limits, 30s statement
// timeout, 5s lock timeout, logging disabled.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DefaultSession:     "default",
		Sessions:           map[string]SessionConfig{"default": {}},
		InlineMaxRows:      1000,
		InlineMaxBytes:     1_048_576,
		StatementTimeoutMs: 30_000,
		LockTimeoutMs:      5_000,
		Log:                []string{},
	}
}

// Clone returns a deep-enough copy of cfg safe to hand to a worker as its
// dispatch-time config snapshot, unaffected by later config patches.
func (cfg RuntimeConfig) Clone() RuntimeConfig {
	sessions := make(map[string]SessionConfig, len(cfg.Sessions))
	for k, v := range cfg.Sessions {
		sessions[k] = v
	}
	log := make([]string, len(cfg.Log))
	copy(log, cfg.Log)
	out := cfg
	out.Sessions = sessions
	out.Log = log
	return out
}

// ConfigPatch is the partial-update payload of a "config" Input event.
// Present fields replace the corresponding RuntimeConfig field; absent
// (nil) fields leave it untouched.
type ConfigPatch struct {
	DefaultSession     *string                       `json:"default_session,omitempty"`
	Sessions           map[string]SessionConfigPatch `json:"sessions,omitempty"`
	InlineMaxRows      *uint64                       `json:"inline_max_rows,omitempty"`
	InlineMaxBytes     *uint64                       `json:"inline_max_bytes,omitempty"`
	StatementTimeoutMs *uint64                       `json:"statement_timeout_ms,omitempty"`
	LockTimeoutMs      *uint64                       `json:"lock_timeout_ms,omitempty"`
	Log                []string                      `json:"log,omitempty"`
}

// ResolvedOptions is the fully-resolved set of per-query options after
// every floor/default has been applied.
type ResolvedOptions struct {
	StreamRows         bool
	BatchRows          uint64
	BatchBytes         uint64
	StatementTimeoutMs uint64
	LockTimeoutMs      uint64
	ReadOnly           bool
	InlineMaxRows      uint64
	InlineMaxBytes     uint64
}
