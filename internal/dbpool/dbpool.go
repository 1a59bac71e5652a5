// Package dbpool implements the per-session connection pool registry
// (C2): one bounded pgxpool.Pool per named session, created lazily on
// first use and reused thereafter. Grounded on db.rs's
// PostgresExecutor.get_pool (deadpool_postgres, max_size(5),
// RecyclingMethod::Fast) and generalized using the teacher's
// concurrent-registry idiom from pool.go (atomic state, mutex-guarded
// transitions).
package dbpool

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sivaosorg/loggy"

	"github.com/cmnspore/agent-first-psql/internal/conn"
	"github.com/cmnspore/agent-first-psql/internal/execerr"
	"github.com/cmnspore/agent-first-psql/internal/types"
)

// MaxPoolSize is the maximum number of live connections held per session,
// mirroring the original system's deadpool max_size(5).
const MaxPoolSize = 5

// Registry lazily creates and caches one bounded pool per session name.
// Safe for concurrent use: readers share an RLock on the happy path,
// writers (pool creation) briefly take the full lock.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool
}

// NewRegistry builds an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*pgxpool.Pool)}
}

// Acquire returns the pool for the named session, creating it on first
// use by resolving its connection string via package conn. Pool creation
// failures are classified connect_failed (retryable): a bad DSN/conninfo
// or an unreachable server should not poison the registry entry, so
// nothing is cached on failure.
func (r *Registry) Acquire(ctx context.Context, session string, sessionCfg types.SessionConfig) (*pgxpool.Pool, *execerr.Error) {
	r.mu.RLock()
	if p, ok := r.pools[session]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[session]; ok {
		return p, nil
	}

	connString, err := conn.ResolveConnString(sessionCfg)
	if err != nil {
		return nil, execerr.Connect("session %q: %v", session, err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, execerr.Connect("session %q: invalid connection string: %v", session, err)
	}
	poolCfg.MaxConns = MaxPoolSize

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, execerr.Connect("session %q: %v", session, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, execerr.Connect("session %q: %v", session, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[session]; ok {
		// Another request created this session's pool meanwhile.
		pool.Close()
		return p, nil
	}
	loggy.Infof("[afpsql.dbpool] session=%s | pool created | max_conns=%d", session, MaxPoolSize)
	r.pools[session] = pool
	return pool, nil
}

// CloseAll closes every pool in the registry. Called once on process
// shutdown, after the dispatcher's drain-on-close deadline elapses.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.pools {
		p.Close()
		loggy.Infof("[afpsql.dbpool] session=%s | pool closed", name)
	}
	r.pools = make(map[string]*pgxpool.Pool)
}
