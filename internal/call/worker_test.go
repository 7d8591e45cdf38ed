package call

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/database"
)

func testGlobal() config.Global {
	return config.Global{
		ID:          "test-global",
		Shards:      1,
		SyncTimeout: 2 * time.Second,
	}
}

func spawnTestWorker(t *testing.T) *Worker {
	t.Helper()
	w := Spawn("app1", "call-1", database.AppOptions{AppID: "app1"}, testGlobal(), slog.Default())
	t.Cleanup(w.Stop)
	return w
}

// downCollector records Down notices across goroutines.
type downCollector struct {
	mu    sync.Mutex
	downs []Down
}

func (c *downCollector) deliver(d Down) {
	c.mu.Lock()
	c.downs = append(c.downs, d)
	c.mu.Unlock()
}

func (c *downCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.downs)
}

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

func TestSyncWorkAckBeforeResult(t *testing.T) {
	w := spawnTestWorker(t)

	var mu sync.Mutex
	var order []string

	ack := func(ref MonitorRef) {
		mu.Lock()
		order = append(order, "ack")
		mu.Unlock()
	}
	origin := make(chan Result, 1)

	if !w.EnqueueSync(1, ack, Send{Method: sip.INVITE, URI: "sip:bob@example.com"}, origin) {
		t.Fatal("EnqueueSync refused")
	}

	select {
	case res := <-origin:
		mu.Lock()
		order = append(order, "result")
		mu.Unlock()
		if res.Err != nil {
			t.Fatalf("work failed: %v", res.Err)
		}
		tx, ok := res.Value.(TransactionInfo)
		if !ok {
			t.Fatalf("result value = %T, want TransactionInfo", res.Value)
		}
		if tx.Method != "INVITE" || tx.State != "proceeding" {
			t.Errorf("transaction = %+v", tx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "ack" || order[1] != "result" {
		t.Errorf("order = %v, want [ack result]", order)
	}
}

func TestMonitorFiresOnStop(t *testing.T) {
	w := spawnTestWorker(t)

	c := &downCollector{}
	w.Monitor(7, c.deliver)
	w.Stop()

	waitFor(t, "monitor to fire", func() bool { return c.count() == 1 })

	c.mu.Lock()
	d := c.downs[0]
	c.mu.Unlock()
	if d.Ref != 7 || d.WorkerID != w.ID || d.Reason != nil {
		t.Errorf("down = %+v, want ref 7, normal exit", d)
	}
}

func TestMonitorOnDeadWorkerFiresImmediately(t *testing.T) {
	w := spawnTestWorker(t)
	w.Stop()
	waitFor(t, "worker to exit", func() bool { return !w.EnqueueAsync(GetData{}) })

	c := &downCollector{}
	w.Monitor(9, c.deliver)
	if c.count() != 1 {
		t.Fatalf("monitor on dead worker fired %d times, want 1 (immediate)", c.count())
	}
}

func TestDemonitorSuppressesNotice(t *testing.T) {
	w := spawnTestWorker(t)

	c := &downCollector{}
	w.Monitor(3, c.deliver)
	w.Demonitor(3)
	w.Stop()

	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("demonitored ref fired %d times, want 0", c.count())
	}
}

func TestWorkerExitsWhenIdle(t *testing.T) {
	w := spawnTestWorker(t)

	c := &downCollector{}
	w.Monitor(1, c.deliver)

	// A completed non-INVITE send leaves no live state; the worker exits
	// normally after replying.
	origin := make(chan Result, 1)
	if !w.EnqueueSync(2, func(MonitorRef) {}, Send{Method: sip.MESSAGE, URI: "sip:bob@example.com"}, origin) {
		t.Fatal("EnqueueSync refused")
	}

	select {
	case res := <-origin:
		if res.Err != nil {
			t.Fatalf("work failed: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	waitFor(t, "worker to exit after going idle", func() bool { return c.count() == 1 })
}

func TestInviteKeepsWorkerAlive(t *testing.T) {
	w := spawnTestWorker(t)

	c := &downCollector{}
	w.Monitor(1, c.deliver)

	origin := make(chan Result, 1)
	w.EnqueueSync(2, func(MonitorRef) {}, Send{Method: sip.INVITE, URI: "sip:bob@example.com"}, origin)
	<-origin

	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Fatal("worker with a live dialog must not exit")
	}

	// Tearing the dialog down releases the worker.
	res := make(chan Result, 1)
	w.EnqueueSync(3, func(MonitorRef) {}, ListDialogs{}, res)
	dialogs := (<-res).Value.([]DialogInfo)
	if len(dialogs) != 1 {
		t.Fatalf("expected 1 dialog, got %d", len(dialogs))
	}

	w.EnqueueAsync(StopDialog{DialogID: dialogs[0].ID})
	waitFor(t, "worker to exit after dialog stop", func() bool { return c.count() == 1 })
}

func TestIncomingByeWithoutDialog(t *testing.T) {
	w := spawnTestWorker(t)

	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@example.com", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := sip.NewRequest(sip.BYE, uri)
	cid := sip.CallIDHeader("call-1")
	req.AppendHeader(&cid)

	origin := make(chan Result, 1)
	w.EnqueueSync(1, func(MonitorRef) {}, IncomingRequest{Req: req}, origin)

	res := <-origin
	if res.Err != nil {
		t.Fatalf("work failed: %v", res.Err)
	}
	resp := res.Value.(*sip.Response)
	if resp.StatusCode != 481 {
		t.Errorf("status = %d, want 481 for BYE without dialog", resp.StatusCode)
	}
}

func TestApplyTransactionQueries(t *testing.T) {
	w := spawnTestWorker(t)

	origin := make(chan Result, 1)
	w.EnqueueSync(1, func(MonitorRef) {}, Send{Method: sip.INVITE, URI: "sip:bob@example.com"}, origin)
	tx := (<-origin).Value.(TransactionInfo)

	res := make(chan Result, 1)
	w.EnqueueSync(2, func(MonitorRef) {}, ApplyTransaction{TransactionID: tx.ID, Query: QueryState}, res)
	if state := (<-res).Value; state != "proceeding" {
		t.Errorf("state = %v, want proceeding", state)
	}

	res2 := make(chan Result, 1)
	w.EnqueueSync(3, func(MonitorRef) {}, ApplyTransaction{TransactionID: "bogus", Query: QueryState}, res2)
	if err := (<-res2).Err; !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("err = %v, want ErrUnknownTransaction", err)
	}
}

func TestGetDataSnapshot(t *testing.T) {
	w := spawnTestWorker(t)

	origin := make(chan Result, 1)
	w.EnqueueSync(1, func(MonitorRef) {}, Send{Method: sip.INVITE, URI: "sip:bob@example.com"}, origin)
	<-origin

	res := make(chan Result, 1)
	w.EnqueueSync(2, func(MonitorRef) {}, GetData{}, res)
	data := (<-res).Value.(Data)

	if data.App != "app1" || data.CallID != "call-1" || data.WorkerID != w.ID {
		t.Errorf("data identity = %+v", data)
	}
	if data.GlobalID != "test-global" {
		t.Errorf("global id = %q, want test-global", data.GlobalID)
	}
	if len(data.Dialogs) != 1 || len(data.Transactions) != 1 {
		t.Errorf("data holds %d dialogs, %d transactions; want 1, 1",
			len(data.Dialogs), len(data.Transactions))
	}
}
