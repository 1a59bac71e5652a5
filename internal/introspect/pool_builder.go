package introspect

import "time"

// SetWorkers sets the number of worker goroutines. Adapted from the
// teacher's pool_builder.go fluent PoolConf setters.
func (c *PoolConf) SetWorkers(n int) *PoolConf {
	if n > 0 {
		c.Workers = n
	}
	return c
}

// SetQueueSize sets the job queue buffer size.
func (c *PoolConf) SetQueueSize(size int) *PoolConf {
	if size > 0 {
		c.QueueSize = size
	}
	return c
}

// SetDropOnFull configures whether Submit drops jobs on a full queue
// instead of blocking.
func (c *PoolConf) SetDropOnFull(drop bool) *PoolConf {
	c.DropOnFull = drop
	return c
}

// SetGracePeriod sets how long Stop waits for in-flight jobs to finish.
func (c *PoolConf) SetGracePeriod(d time.Duration) *PoolConf {
	if d > 0 {
		c.GracePeriod = d
	}
	return c
}
