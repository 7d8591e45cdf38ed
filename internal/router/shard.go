package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/callgrid/callgrid/internal/call"
	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/database"
	"github.com/callgrid/callgrid/internal/metrics"
)

// AppSource resolves application options. Backed by the application
// directory in production; shards memoize results for their lifetime.
type AppSource interface {
	GetAppOptions(ctx context.Context, appID string) (database.AppOptions, error)
}

// WorkerFactory spawns a call worker bound to one call. Overridable in tests.
type WorkerFactory func(app, callID string, opts database.AppOptions, global config.Global, logger *slog.Logger) *call.Worker

// CallInfo identifies one registered call and its worker.
type CallInfo struct {
	App      string `json:"app"`
	CallID   string `json:"call_id"`
	WorkerID string `json:"worker_id"`
}

// inboxSize bounds a shard's mailbox.
const inboxSize = 1024

// appOptsTimeout bounds the synchronous call into the application directory
// on a cache miss. This is the only outbound blocking call a shard makes.
const appOptsTimeout = 5 * time.Second

type callKey struct {
	app    string
	callID string
}

// registryEntry is the reverse registry value: the call key a worker serves
// and the long-lived monitor that cleans the registry when it dies.
type registryEntry struct {
	key     callKey
	lifeRef call.MonitorRef
}

// pendingEntry records one dispatched synchronous work item until the worker
// acknowledges it or dies.
type pendingEntry struct {
	key    callKey
	work   call.Work
	origin call.Origin
	worker *call.Worker
}

// Shard messages. Producers enqueue these; the shard goroutine is the only
// reader and the only code that touches shard state.
type shardMsg interface{}

type submitSyncMsg struct {
	key    callKey
	work   call.Work
	origin call.Origin
	reply  chan error
}

type submitAsyncMsg struct {
	key  callKey
	work call.Work
}

type ackMsg struct {
	ref call.MonitorRef
}

type downMsg struct {
	d call.Down
}

type queryMsg struct {
	fn   func(*Shard)
	done chan struct{}
}

// Shard is one of N identical router units. It owns the registry, the
// pending-work table and the app-options cache for every call whose Call-ID
// hashes to it, and serializes all access through its goroutine.
//
// The app-options cache is monotonic for the shard's lifetime: entries are
// added on first reference and never invalidated. Configuration changes take
// effect by restarting the process.
type Shard struct {
	pos    int
	name   string
	inbox  chan shardMsg
	stopCh chan struct{}

	global   config.Global
	apps     AppSource
	counters *metrics.Counters
	spawn    WorkerFactory
	logger   *slog.Logger

	// State below is owned by the shard goroutine.
	nextRef  uint64
	byKey    map[callKey]*call.Worker
	byWorker map[string]registryEntry
	pending  map[call.MonitorRef]pendingEntry
	appOpts  map[string]database.AppOptions
}

func newShard(pos int, global config.Global, apps AppSource, counters *metrics.Counters, spawn WorkerFactory, logger *slog.Logger) *Shard {
	name := "router_" + strconv.Itoa(pos)
	s := &Shard{
		pos:      pos,
		name:     name,
		inbox:    make(chan shardMsg, inboxSize),
		stopCh:   make(chan struct{}),
		global:   global,
		apps:     apps,
		counters: counters,
		spawn:    spawn,
		logger:   logger.With("component", "router", "shard", name),
		byKey:    make(map[callKey]*call.Worker),
		byWorker: make(map[string]registryEntry),
		pending:  make(map[call.MonitorRef]pendingEntry),
		appOpts:  make(map[string]database.AppOptions),
	}
	go s.run()
	return s
}

// SubmitSync dispatches a work item to the responsible worker, creating it
// if needed, and records the handoff until the worker acknowledges it. The
// worker replies to origin with the work's result; this call only reports
// dispatch and admission errors.
func (s *Shard) SubmitSync(app, callID string, work call.Work, origin call.Origin) error {
	reply := make(chan error, 1)
	msg := submitSyncMsg{key: callKey{app: app, callID: callID}, work: work, origin: origin, reply: reply}

	select {
	case s.inbox <- msg:
	case <-s.stopCh:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopCh:
		return ErrStopped
	}
}

// SubmitAsync dispatches a fire-and-forget work item. Work for calls with no
// live worker is dropped with a log line; asynchronous requests never create
// workers.
func (s *Shard) SubmitAsync(app, callID string, work call.Work) {
	msg := submitAsyncMsg{key: callKey{app: app, callID: callID}, work: work}
	select {
	case s.inbox <- msg:
	case <-s.stopCh:
	}
}

// PendingSize returns the number of unacknowledged synchronous handoffs.
func (s *Shard) PendingSize() int {
	var n int
	s.query(func(sh *Shard) { n = len(sh.pending) })
	return n
}

// CallCount returns the number of registered calls.
func (s *Shard) CallCount() int {
	var n int
	s.query(func(sh *Shard) { n = len(sh.byKey) })
	return n
}

// QueueLen returns the number of messages waiting in the shard mailbox.
func (s *Shard) QueueLen() int {
	return len(s.inbox)
}

// Calls returns a snapshot of the registered calls.
func (s *Shard) Calls() []CallInfo {
	var out []CallInfo
	s.query(func(sh *Shard) {
		out = make([]CallInfo, 0, len(sh.byKey))
		for k, w := range sh.byKey {
			out = append(out, CallInfo{App: k.app, CallID: k.callID, WorkerID: w.ID})
		}
	})
	return out
}

// ClearCalls requests orderly shutdown of every registered worker and
// returns how many were asked to stop. Registry cleanup follows through the
// normal monitor path.
func (s *Shard) ClearCalls() int {
	var n int
	s.query(func(sh *Shard) {
		for _, w := range sh.byKey {
			w.Stop()
			n++
		}
	})
	return n
}

// Stop shuts the shard down. Registered workers are stopped as well.
func (s *Shard) Stop() {
	s.ClearCalls()
	close(s.stopCh)
}

// query runs fn on the shard goroutine and waits for it.
func (s *Shard) query(fn func(*Shard)) {
	done := make(chan struct{})
	select {
	case s.inbox <- queryMsg{fn: fn, done: done}:
	case <-s.stopCh:
		return
	}
	select {
	case <-done:
	case <-s.stopCh:
	}
}

// enqueue delivers an internal message without ever blocking the caller;
// worker callbacks use it from their own goroutines.
func (s *Shard) enqueue(m shardMsg) {
	select {
	case s.inbox <- m:
	default:
		go func() {
			select {
			case s.inbox <- m:
			case <-s.stopCh:
			}
		}()
	}
}

// deliverAck is handed to workers as the sync-work acknowledgement path.
func (s *Shard) deliverAck(ref call.MonitorRef) {
	s.enqueue(ackMsg{ref: ref})
}

// deliverDown is registered as every monitor's notification function.
func (s *Shard) deliverDown(d call.Down) {
	s.enqueue(downMsg{d: d})
}

// run is the shard loop; the only goroutine that mutates shard state.
func (s *Shard) run() {
	s.logger.Debug("shard started")
	for {
		select {
		case <-s.stopCh:
			s.logger.Debug("shard stopped")
			return
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

func (s *Shard) handle(msg shardMsg) {
	defer func() {
		// A panic in shard handling is a programming error; crash loudly
		// rather than continue with inconsistent tables. Worker panics never
		// reach here, they surface as monitor notices.
		if r := recover(); r != nil {
			s.logger.Error("shard panic", "panic", r)
			panic(r)
		}
	}()

	switch m := msg.(type) {
	case submitSyncMsg:
		m.reply <- s.dispatchSync(m.key, m.work, m.origin)
	case submitAsyncMsg:
		s.dispatchAsync(m.key, m.work)
	case ackMsg:
		s.handleAck(m.ref)
	case downMsg:
		s.handleDown(m.d)
	case queryMsg:
		m.fn(s)
		close(m.done)
	default:
		s.logger.Error("unexpected shard message", "msg", fmt.Sprintf("%T", msg))
	}
}

// dispatchSync looks up or creates the worker for key, opens a fresh
// per-work monitor, hands the work off and records it in pending. The
// per-work monitor is what drives replay: if the worker dies before
// acknowledging, handleDown finds the entry and redispatches.
func (s *Shard) dispatchSync(key callKey, work call.Work, origin call.Origin) error {
	w, ok := s.byKey[key]
	if !ok {
		if err := s.ensureWorker(key); err != nil {
			return err
		}
		w = s.byKey[key]
	}

	ref := s.newRef()
	s.pending[ref] = pendingEntry{key: key, work: work, origin: origin, worker: w}
	w.Monitor(ref, s.deliverDown)

	if !w.EnqueueSync(ref, s.deliverAck, work, origin) {
		// The worker is gone or saturated; the monitor just opened resolves
		// the handoff either way.
		s.logger.Debug("sync delivery failed, awaiting monitor",
			"app", key.app, "call_id", key.callID, "work", call.Name(work))
	}
	return nil
}

// dispatchAsync delivers to an existing worker. It never creates one.
func (s *Shard) dispatchAsync(key callKey, work call.Work) {
	w, ok := s.byKey[key]
	if !ok {
		if _, isResp := work.(call.IncomingResponse); isResp {
			s.logger.Info("response for unknown call dropped",
				"app", key.app, "call_id", key.callID)
		} else {
			s.logger.Info("async work for unknown call dropped",
				"app", key.app, "call_id", key.callID, "work", call.Name(work))
		}
		return
	}
	if !w.EnqueueAsync(work) {
		s.logger.Debug("async delivery failed",
			"app", key.app, "call_id", key.callID, "work", call.Name(work))
	}
}

// ensureWorker performs admission and creation. On success the registry
// holds the new worker in both directions and the long-lived monitor is
// registered.
func (s *Shard) ensureWorker(key callKey) error {
	if s.global.MaxCalls > 0 && s.counters.LiveCalls() >= int64(s.global.MaxCalls) {
		return ErrTooManyCalls
	}

	opts, ok := s.appOpts[key.app]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), appOptsTimeout)
		resolved, err := s.apps.GetAppOptions(ctx, key.app)
		cancel()
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrUnknownApp
			}
			return fmt.Errorf("resolving app options for %q: %w", key.app, err)
		}
		s.appOpts[key.app] = resolved
		opts = resolved
	}

	if opts.MaxCalls > 0 && s.counters.AppCalls(key.app) >= int64(opts.MaxCalls) {
		return ErrTooManyCalls
	}

	w := s.spawn(key.app, key.callID, opts, s.global, s.logger)
	lifeRef := s.newRef()
	s.byKey[key] = w
	s.byWorker[w.ID] = registryEntry{key: key, lifeRef: lifeRef}
	s.counters.CallStarted(key.app)
	w.Monitor(lifeRef, s.deliverDown)

	s.logger.Debug("call worker created",
		"app", key.app, "call_id", key.callID, "worker", w.ID)
	return nil
}

// handleAck clears a pending entry once the worker accepted the work. The
// long-lived registry monitor remains.
func (s *Shard) handleAck(ref call.MonitorRef) {
	entry, ok := s.pending[ref]
	if !ok {
		// Already resolved through the monitor path.
		return
	}
	delete(s.pending, ref)
	entry.worker.Demonitor(ref)
}

// handleDown processes a termination notice. Two monitor kinds share this
// path and may arrive in either order for the same worker; both branches
// are idempotent.
//
// A pending-work monitor firing means the worker died before acknowledging
// that work: the work is redispatched, creating a replacement worker if
// admission allows. This holds for abnormal exits after acceptance too;
// dispatch is at-least-once until acknowledged.
//
// The per-work and long-lived notices for one worker are unordered. When the
// per-work notice comes first, the dead worker is still registered, so the
// replay opens a new monitor on it that fires at once and queues another
// notice; the work cycles this way until the long-lived notice clears the
// registry and the counter. Admission for the replacement therefore runs
// after the dead worker's decrement. A replay that fails admission sends the
// error to the origin.
func (s *Shard) handleDown(d call.Down) {
	if entry, ok := s.pending[d.Ref]; ok {
		delete(s.pending, d.Ref)
		s.logger.Info("worker died before ack, replaying work",
			"app", entry.key.app,
			"call_id", entry.key.callID,
			"work", call.Name(entry.work),
			"reason", d.Reason,
		)
		if err := s.dispatchSync(entry.key, entry.work, entry.origin); err != nil {
			s.logger.Warn("replay failed",
				"app", entry.key.app,
				"call_id", entry.key.callID,
				"error", err,
			)
			if entry.origin != nil {
				select {
				case entry.origin <- call.Result{Err: err}:
				default:
				}
			}
		}
		return
	}

	entry, ok := s.byWorker[d.WorkerID]
	if !ok || entry.lifeRef != d.Ref {
		// Stale notice for an already-cleaned worker.
		return
	}
	delete(s.byWorker, d.WorkerID)
	if w, ok := s.byKey[entry.key]; ok && w.ID == d.WorkerID {
		delete(s.byKey, entry.key)
	}
	s.counters.CallEnded(entry.key.app)

	if d.Reason != nil {
		s.logger.Warn("call worker crashed",
			"app", entry.key.app,
			"call_id", entry.key.callID,
			"worker", d.WorkerID,
			"reason", d.Reason,
		)
	} else {
		s.logger.Debug("call ended",
			"app", entry.key.app,
			"call_id", entry.key.callID,
			"worker", d.WorkerID,
		)
	}
}

func (s *Shard) newRef() call.MonitorRef {
	s.nextRef++
	return call.MonitorRef(s.nextRef)
}
