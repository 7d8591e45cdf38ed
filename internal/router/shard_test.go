package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/callgrid/callgrid/internal/call"
	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/database"
	"github.com/callgrid/callgrid/internal/metrics"
)

// fakeAppSource serves app options from memory and counts lookups, so tests
// can verify the per-shard memoization.
type fakeAppSource struct {
	mu      sync.Mutex
	lookups int
	apps    map[string]database.AppOptions
}

func newFakeAppSource(apps ...database.AppOptions) *fakeAppSource {
	m := make(map[string]database.AppOptions)
	for _, a := range apps {
		m[a.AppID] = a
	}
	return &fakeAppSource{apps: m}
}

func (f *fakeAppSource) GetAppOptions(ctx context.Context, appID string) (database.AppOptions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	opts, ok := f.apps[appID]
	if !ok {
		return database.AppOptions{}, database.ErrNotFound
	}
	return opts, nil
}

func (f *fakeAppSource) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func testGlobal(shards, maxCalls int) config.Global {
	return config.Global{
		ID:                 "test-global",
		Shards:             shards,
		MaxCalls:           maxCalls,
		SyncTimeout:        2 * time.Second,
		TimerT1:            500 * time.Millisecond,
		TimerT2:            4 * time.Second,
		TimerT4:            5 * time.Second,
		TimerC:             180 * time.Second,
		TransactionTimeout: 32 * time.Second,
		DialogTimeout:      30 * time.Minute,
		MaxDialogTime:      24 * time.Hour,
	}
}

func newTestPool(t *testing.T, shards, maxCalls int, src AppSource) *Pool {
	t.Helper()
	pool := New(testGlobal(shards, maxCalls), src, metrics.NewCounters(), slog.Default())
	t.Cleanup(pool.Stop)
	return pool
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inviteRequest(t *testing.T, callID string) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, uri)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	return req
}

func TestSendHappyPath(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	tx, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "abc"})
	if err != nil {
		t.Fatalf("SendURI: %v", err)
	}
	if tx.Method != "INVITE" || tx.Class != "uac" {
		t.Errorf("transaction = %+v, want uac INVITE", tx)
	}

	calls := pool.GetAllCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 registered call, got %d", len(calls))
	}
	if calls[0].App != "app1" || calls[0].CallID != "abc" {
		t.Errorf("call = %+v, want app1/abc", calls[0])
	}

	// The ack clears the pending entry shortly after delivery.
	waitFor(t, "pending to drain", func() bool { return pool.PendingWork() == 0 })
}

func TestSendGeneratesCallID(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{}); err != nil {
		t.Fatalf("SendURI: %v", err)
	}

	calls := pool.GetAllCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 registered call, got %d", len(calls))
	}
	if calls[0].CallID == "" {
		t.Error("expected a generated call id")
	}
}

func TestUnknownApp(t *testing.T) {
	src := newFakeAppSource()
	pool := newTestPool(t, 4, 0, src)

	_, err := pool.SendURI("ghost", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "c1"})
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("err = %v, want ErrUnknownApp", err)
	}
	if n := len(pool.GetAllCalls()); n != 0 {
		t.Errorf("registry should be unchanged, got %d calls", n)
	}
}

func TestTooManyCalls(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 2, src)

	for _, id := range []string{"c1", "c2"} {
		if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: id}); err != nil {
			t.Fatalf("SendURI %s: %v", id, err)
		}
	}

	_, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "c3"})
	if !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("err = %v, want ErrTooManyCalls", err)
	}
	if n := len(pool.GetAllCalls()); n != 2 {
		t.Errorf("registry should hold 2 calls, got %d", n)
	}

	// Terminate c1 and retry c3.
	dialogs, err := pool.GetAllDialogs("app1", "c1")
	if err != nil || len(dialogs) != 1 {
		t.Fatalf("GetAllDialogs: %v (%d dialogs)", err, len(dialogs))
	}
	if err := pool.StopDialog("app1", "c1", dialogs[0].ID); err != nil {
		t.Fatalf("StopDialog: %v", err)
	}

	waitFor(t, "c1 to terminate", func() bool { return len(pool.GetAllCalls()) == 1 })

	if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "c3"}); err != nil {
		t.Fatalf("SendURI after capacity freed: %v", err)
	}
}

func TestPerAppLimit(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "limited", MaxCalls: 1, Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	if _, err := pool.SendURI("limited", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "c1"}); err != nil {
		t.Fatalf("SendURI c1: %v", err)
	}
	_, err := pool.SendURI("limited", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "c2"})
	if !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("err = %v, want ErrTooManyCalls", err)
	}
}

func TestAppOptionsMemoized(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	// One shard so both calls hit the same cache.
	pool := newTestPool(t, 1, 0, src)

	for _, id := range []string{"c1", "c2"} {
		if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: id}); err != nil {
			t.Fatalf("SendURI %s: %v", id, err)
		}
	}

	if n := src.Lookups(); n != 1 {
		t.Errorf("app source consulted %d times, want 1", n)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	req := inviteRequest(t, "nonexistent")
	resp := sip.NewResponseFromRequest(req, 180, "Ringing", nil)

	if err := pool.IncomingAsync("app1", resp); err != nil {
		t.Fatalf("IncomingAsync: %v", err)
	}

	// Give the shard a moment to process, then verify nothing was created.
	time.Sleep(20 * time.Millisecond)
	if n := len(pool.GetAllCalls()); n != 0 {
		t.Errorf("response must not create a worker, got %d calls", n)
	}
	if n := src.Lookups(); n != 0 {
		t.Errorf("response must not consult the app source, got %d lookups", n)
	}
}

func TestAppReplyWithoutWorker(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	if err := pool.AppReply("app1", "c1", "cb", "trans7", 200, "OK"); err != nil {
		t.Fatalf("AppReply: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(pool.GetAllCalls()); n != 0 {
		t.Errorf("async work must not create a worker, got %d calls", n)
	}
}

func TestIncomingRequestCreatesWorker(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	origin := make(chan call.Result, 1)
	if err := pool.IncomingSync("app1", inviteRequest(t, "inv-1"), origin); err != nil {
		t.Fatalf("IncomingSync: %v", err)
	}

	select {
	case res := <-origin:
		if res.Err != nil {
			t.Fatalf("worker result: %v", res.Err)
		}
		resp, ok := res.Value.(*sip.Response)
		if !ok || resp == nil {
			t.Fatalf("result value = %T, want *sip.Response", res.Value)
		}
		if resp.StatusCode != 200 {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no worker reply")
	}

	if n := len(pool.GetAllCalls()); n != 1 {
		t.Errorf("expected 1 registered call, got %d", n)
	}
}

func TestReplayOnWorkerExitRace(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})

	// The first worker is stopped the moment it is spawned, so the sync work
	// dispatched to it is never acknowledged. The router must replay it to a
	// replacement worker.
	var mu sync.Mutex
	spawned := 0
	factory := func(app, callID string, opts database.AppOptions, global config.Global, logger *slog.Logger) *call.Worker {
		w := call.Spawn(app, callID, opts, global, logger)
		mu.Lock()
		spawned++
		first := spawned == 1
		mu.Unlock()
		if first {
			w.Stop()
		}
		return w
	}

	pool := NewWithFactory(testGlobal(4, 0), src, metrics.NewCounters(), factory, slog.Default())
	t.Cleanup(pool.Stop)

	tx, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "race-1"})
	if err != nil {
		t.Fatalf("SendURI: %v", err)
	}
	if tx.Method != "INVITE" {
		t.Errorf("replayed transaction = %+v, want INVITE", tx)
	}

	mu.Lock()
	n := spawned
	mu.Unlock()
	if n != 2 {
		t.Errorf("spawned %d workers, want 2 (original + replacement)", n)
	}

	// The successor worker owns the call now.
	waitFor(t, "registry to settle", func() bool {
		calls := pool.GetAllCalls()
		return len(calls) == 1 && calls[0].CallID == "race-1"
	})
	waitFor(t, "pending to drain", func() bool { return pool.PendingWork() == 0 })
}

func TestWorkOrderingSingleCall(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	// INVITE first so the worker stays alive for the whole sequence.
	if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "ord-1"}); err != nil {
		t.Fatalf("SendURI INVITE: %v", err)
	}
	for _, m := range []sip.RequestMethod{sip.OPTIONS, sip.INFO, sip.MESSAGE} {
		if _, err := pool.SendURI("app1", m, "sip:bob@example.com", call.SendOpts{CallID: "ord-1"}); err != nil {
			t.Fatalf("SendURI %s: %v", m, err)
		}
	}

	msgs, err := pool.GetAllSipMsgs("app1", "ord-1")
	if err != nil {
		t.Fatalf("GetAllSipMsgs: %v", err)
	}
	want := []string{"INVITE", "OPTIONS", "INFO", "MESSAGE"}
	if len(msgs) != len(want) {
		t.Fatalf("recorded %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if got := m.Summary[:len(want[i])]; got != want[i] {
			t.Errorf("message %d = %q, want prefix %q", i, m.Summary, want[i])
		}
	}
}

func TestClearCalls(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: id}); err != nil {
			t.Fatalf("SendURI %s: %v", id, err)
		}
	}

	if n := pool.ClearCalls(); n != 3 {
		t.Errorf("ClearCalls = %d, want 3", n)
	}
	waitFor(t, "registry to empty", func() bool { return len(pool.GetAllCalls()) == 0 })
}

func TestSyncReplyUnknownRequest(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	if _, err := pool.SendURI("app1", sip.INVITE, "sip:bob@example.com", call.SendOpts{CallID: "sr-1"}); err != nil {
		t.Fatalf("SendURI: %v", err)
	}

	err := pool.SyncReply("app1", "sr-1", "no-such-tx", 200, "OK")
	if !errors.Is(err, call.ErrUnknownRequest) {
		t.Fatalf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestInvalidCallReference(t *testing.T) {
	src := newFakeAppSource(database.AppOptions{AppID: "app1", Enabled: true})
	pool := newTestPool(t, 4, 0, src)

	if _, err := pool.GetAllDialogs("", "c1"); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("empty app: err = %v, want ErrInvalidCall", err)
	}
	if err := pool.StopDialog("app1", "", "d-1"); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("empty call id: err = %v, want ErrInvalidCall", err)
	}
}
