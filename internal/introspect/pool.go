package introspect

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sivaosorg/loggy"
)

// PoolState is the worker pool's lifecycle stage.
type PoolState int32

const (
	PoolStateIdle PoolState = iota
	PoolStateRunning
	PoolStateStopping
	PoolStateStopped
)

func (s PoolState) String() string {
	switch s {
	case PoolStateIdle:
		return "idle"
	case PoolStateRunning:
		return "running"
	case PoolStateStopping:
		return "stopping"
	case PoolStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PoolConf configures a worker pool's concurrency and backpressure policy.
type PoolConf struct {
	Workers     int
	QueueSize   int
	DropOnFull  bool
	GracePeriod time.Duration
}

// DefaultPoolConf sizes the pool to one worker per logical CPU, a 1024-job
// queue, dropping rather than blocking on a full queue.
func DefaultPoolConf() PoolConf {
	return PoolConf{
		Workers:     runtime.NumCPU(),
		QueueSize:   1024,
		DropOnFull:  true,
		GracePeriod: 5 * time.Second,
	}
}

// PoolStats reports a pool's lifetime job counters.
type PoolStats struct {
	Submitted uint64
	Completed uint64
	Dropped   uint64
	Panics    uint64
	Pending   int
}

// Job is one unit of work submitted to a Pool.
type Job func()

// Pool is a fixed-size worker pool used by DescribeAll to fan out
// concurrent DescribeTable column queries against one introspection
// connection without unbounded goroutine growth. Adapted from the
// teacher's generic Pool/Job/Submit worker pool (pool.go), narrowed to
// this package's describe-fan-out use and re-logged under the
// introspect component's own prefix.
type Pool struct {
	conf   PoolConf
	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	state     int32
	submitted uint64
	completed uint64
	dropped   uint64
	panics    uint64
	mu        sync.Mutex
}

// NewPool builds an idle pool; call Start to begin processing.
func NewPool(conf PoolConf) *Pool {
	if conf.Workers <= 0 {
		conf.Workers = runtime.NumCPU()
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1024
	}
	if conf.GracePeriod <= 0 {
		conf.GracePeriod = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		conf:   conf,
		jobs:   make(chan Job, conf.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		state:  int32(PoolStateIdle),
	}
}

// Start launches the pool's worker goroutines. A no-op if already running.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if PoolState(atomic.LoadInt32(&p.state)) != PoolStateIdle {
		return
	}
	atomic.StoreInt32(&p.state, int32(PoolStateRunning))
	for i := 0; i < p.conf.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		}
	}
}

// drain runs any jobs still buffered in the queue at shutdown.
func (p *Pool) drain() {
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		default:
			return
		}
	}
}

func (p *Pool) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.panics, 1)
			loggy.Errorf("[afpsql.introspect.pool] panic recovered in worker: %v", r)
		}
	}()
	job()
	atomic.AddUint64(&p.completed, 1)
}

// Submit enqueues job. Returns false if the pool isn't running, or if the
// queue is full and DropOnFull is set.
func (p *Pool) Submit(job Job) bool {
	if job == nil {
		return false
	}
	if PoolState(atomic.LoadInt32(&p.state)) != PoolStateRunning {
		return false
	}
	atomic.AddUint64(&p.submitted, 1)

	if p.conf.DropOnFull {
		select {
		case p.jobs <- job:
			return true
		default:
			atomic.AddUint64(&p.dropped, 1)
			return false
		}
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.ctx.Done():
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
}

// Stop cancels the pool and waits up to GracePeriod for in-flight and
// queued jobs to finish. Returns false if the grace period elapsed first.
func (p *Pool) Stop() bool {
	p.mu.Lock()
	if PoolState(atomic.LoadInt32(&p.state)) != PoolStateRunning {
		p.mu.Unlock()
		return true
	}
	atomic.StoreInt32(&p.state, int32(PoolStateStopping))
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		atomic.StoreInt32(&p.state, int32(PoolStateStopped))
		close(p.jobs)
		return true
	case <-time.After(p.conf.GracePeriod):
		atomic.StoreInt32(&p.state, int32(PoolStateStopped))
		return false
	}
}

// Stats reports the pool's lifetime job counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Panics:    atomic.LoadUint64(&p.panics),
		Pending:   len(p.jobs),
	}
}

func (p *Pool) State() PoolState   { return PoolState(atomic.LoadInt32(&p.state)) }
func (p *Pool) IsRunning() bool    { return p.State() == PoolStateRunning }
func (p *Pool) Pending() int       { return len(p.jobs) }
