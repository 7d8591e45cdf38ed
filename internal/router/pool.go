package router

import (
	"hash/fnv"
	"log/slog"

	"github.com/callgrid/callgrid/internal/call"
	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/metrics"
)

// Pool is the static array of router shards. A call's shard is chosen by a
// stable hash of its Call-ID and never changes for the lifetime of the run.
type Pool struct {
	shards   []*Shard
	mask     uint32
	global   config.Global
	counters *metrics.Counters
	logger   *slog.Logger
}

// New creates the shard pool. The shard count comes from the global config
// snapshot and must be a power of two (validated at config load).
func New(global config.Global, apps AppSource, counters *metrics.Counters, logger *slog.Logger) *Pool {
	return NewWithFactory(global, apps, counters, call.Spawn, logger)
}

// NewWithFactory is New with a custom worker factory. Tests use it to
// control worker behavior.
func NewWithFactory(global config.Global, apps AppSource, counters *metrics.Counters, spawn WorkerFactory, logger *slog.Logger) *Pool {
	n := global.Shards
	if n < 1 {
		n = 1
	}

	p := &Pool{
		shards:   make([]*Shard, n),
		mask:     uint32(n - 1),
		global:   global,
		counters: counters,
		logger:   logger,
	}
	for i := range p.shards {
		p.shards[i] = newShard(i, global, apps, counters, spawn, logger)
	}

	logger.Info("router pool started", "shards", n, "max_calls", global.MaxCalls)
	return p
}

// ShardFor returns the shard responsible for callID. Pure: the same Call-ID
// always maps to the same shard within a run.
func (p *Pool) ShardFor(callID string) *Shard {
	return p.shards[p.ShardIndex(callID)]
}

// ShardIndex returns the shard index for callID.
func (p *Pool) ShardIndex(callID string) int {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return int(h.Sum32() & p.mask)
}

// ShardCount returns the number of shards.
func (p *Pool) ShardCount() int {
	return len(p.shards)
}

// GetAllCalls folds the registries of all shards.
func (p *Pool) GetAllCalls() []CallInfo {
	var out []CallInfo
	for _, s := range p.shards {
		out = append(out, s.Calls()...)
	}
	return out
}

// PendingWork returns the number of dispatched-but-unacknowledged
// synchronous work items across all shards.
func (p *Pool) PendingWork() int {
	n := 0
	for _, s := range p.shards {
		n += s.PendingSize()
	}
	return n
}

// PendingMsgs returns the number of messages queued in shard mailboxes.
func (p *Pool) PendingMsgs() int {
	n := 0
	for _, s := range p.shards {
		n += s.QueueLen()
	}
	return n
}

// ShardCallCounts returns per-shard registered call counts, indexed by shard
// position. Implements metrics.RouterStats.
func (p *Pool) ShardCallCounts() []int {
	out := make([]int, len(p.shards))
	for i, s := range p.shards {
		out[i] = s.CallCount()
	}
	return out
}

// ClearCalls stops every registered call worker and returns how many were
// asked to stop.
func (p *Pool) ClearCalls() int {
	n := 0
	for _, s := range p.shards {
		n += s.ClearCalls()
	}
	return n
}

// Stop shuts down all shards and their workers.
func (p *Pool) Stop() {
	for _, s := range p.shards {
		s.Stop()
	}
	p.logger.Info("router pool stopped")
}
