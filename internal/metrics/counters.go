package metrics

import (
	"sync"
	"sync/atomic"
)

// Counters tracks live call counts globally and per application.
// Reads are lock-free; admission control only needs a monotonically
// consistent view, not a transactional one.
type Counters struct {
	live   atomic.Int64
	perApp sync.Map // app id -> *atomic.Int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// CallStarted records a newly created call worker for the application.
func (c *Counters) CallStarted(appID string) {
	c.live.Add(1)
	c.appCounter(appID).Add(1)
}

// CallEnded records a terminated call worker for the application.
func (c *Counters) CallEnded(appID string) {
	c.live.Add(-1)
	c.appCounter(appID).Add(-1)
}

// LiveCalls returns the number of live call workers across all applications.
func (c *Counters) LiveCalls() int64 {
	return c.live.Load()
}

// AppCalls returns the number of live call workers for one application.
func (c *Counters) AppCalls(appID string) int64 {
	if v, ok := c.perApp.Load(appID); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// PerApp returns a snapshot of live call counts keyed by application id.
func (c *Counters) PerApp() map[string]int64 {
	snap := make(map[string]int64)
	c.perApp.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n != 0 {
			snap[k.(string)] = n
		}
		return true
	})
	return snap
}

func (c *Counters) appCounter(appID string) *atomic.Int64 {
	if v, ok := c.perApp.Load(appID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.perApp.LoadOrStore(appID, &atomic.Int64{})
	return v.(*atomic.Int64)
}
