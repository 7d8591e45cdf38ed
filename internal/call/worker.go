package call

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/database"
)

// MonitorRef identifies one monitor registration on a worker. Refs are
// allocated by the router shard and never reused.
type MonitorRef uint64

// Down is the termination notice delivered to every registered monitor
// exactly once. A nil Reason means the worker exited normally.
type Down struct {
	Ref      MonitorRef
	WorkerID string
	Reason   error
}

// DownFunc receives a Down notice. It runs on the worker goroutine (or the
// registering goroutine when the worker is already dead) and must not block.
type DownFunc func(Down)

// AckFunc is called by the worker when it dequeues a synchronous work item,
// before executing it.
type AckFunc func(MonitorRef)

// inboxSize bounds a worker's mailbox. Producers never block on a worker:
// delivery fails instead when the mailbox is full.
const inboxSize = 128

type inMsg struct {
	sync   bool
	ref    MonitorRef
	ack    AckFunc
	work   Work
	origin Origin
}

// Worker is the unit of concurrency that owns one call's dialogs,
// transactions and stored messages. It processes work items from its inbox
// one at a time and exits normally once it holds no live state.
type Worker struct {
	ID     string
	App    string
	CallID string

	opts    database.AppOptions
	global  config.Global
	inbox   chan inMsg
	stopCh  chan struct{}
	stop    sync.Once
	logger  *slog.Logger
	started time.Time

	mu         sync.Mutex
	monitors   map[MonitorRef]DownFunc
	exited     bool
	exitReason error

	// Call state, owned by the worker goroutine.
	seq          uint64
	dialogs      map[string]*DialogInfo
	transactions map[string]*TransactionInfo
	msgs         []MsgInfo
}

// DialogInfo is the observable record of one dialog.
type DialogInfo struct {
	ID      string    `json:"id"`
	CallID  string    `json:"call_id"`
	Method  string    `json:"method"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
}

// TransactionInfo is the observable record of one transaction.
type TransactionInfo struct {
	ID      string    `json:"id"`
	Class   string    `json:"class"` // "uac" or "uas"
	Method  string    `json:"method"`
	Status  int       `json:"status"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
}

// MsgInfo is the observable record of one SIP message seen by the call.
type MsgInfo struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"` // "in" or "out"
	Summary   string    `json:"summary"`
	Received  time.Time `json:"received"`
}

// Data is the worker's opaque per-call state snapshot for observability.
type Data struct {
	App          string            `json:"app"`
	CallID       string            `json:"call_id"`
	WorkerID     string            `json:"worker_id"`
	GlobalID     string            `json:"global_id"`
	Started      time.Time         `json:"started"`
	Dialogs      []DialogInfo      `json:"dialogs"`
	Transactions []TransactionInfo `json:"transactions"`
	Msgs         []MsgInfo         `json:"msgs"`
}

// Spawn creates a worker bound to (app, callID, opts, global) and starts its
// goroutine.
func Spawn(app, callID string, opts database.AppOptions, global config.Global, logger *slog.Logger) *Worker {
	w := &Worker{
		ID:           uuid.NewString(),
		App:          app,
		CallID:       callID,
		opts:         opts,
		global:       global,
		inbox:        make(chan inMsg, inboxSize),
		stopCh:       make(chan struct{}),
		started:      time.Now(),
		monitors:     make(map[MonitorRef]DownFunc),
		dialogs:      make(map[string]*DialogInfo),
		transactions: make(map[string]*TransactionInfo),
	}
	w.logger = logger.With("component", "call", "app", app, "call_id", callID, "worker", w.ID)

	go w.run()
	return w
}

// Monitor registers a termination notice for ref. If the worker has already
// exited, the notice fires immediately on the calling goroutine. This is
// what makes dispatch/termination races resolvable: a monitor opened on a
// dead worker is never lost.
func (w *Worker) Monitor(ref MonitorRef, fn DownFunc) {
	w.mu.Lock()
	if w.exited {
		reason := w.exitReason
		w.mu.Unlock()
		fn(Down{Ref: ref, WorkerID: w.ID, Reason: reason})
		return
	}
	w.monitors[ref] = fn
	w.mu.Unlock()
}

// Demonitor removes a monitor registration. Unknown refs are ignored.
func (w *Worker) Demonitor(ref MonitorRef) {
	w.mu.Lock()
	delete(w.monitors, ref)
	w.mu.Unlock()
}

// EnqueueSync delivers a synchronous work item. The worker calls ack when it
// dequeues the item, then executes it and replies to origin. Returns false
// if the item could not be accepted; the caller's monitor on ref resolves
// the handoff either way.
func (w *Worker) EnqueueSync(ref MonitorRef, ack AckFunc, work Work, origin Origin) bool {
	w.mu.Lock()
	dead := w.exited
	w.mu.Unlock()
	if dead {
		return false
	}
	select {
	case w.inbox <- inMsg{sync: true, ref: ref, ack: ack, work: work, origin: origin}:
		return true
	default:
		return false
	}
}

// EnqueueAsync delivers a fire-and-forget work item. Returns false if the
// worker is dead or its mailbox is full.
func (w *Worker) EnqueueAsync(work Work) bool {
	w.mu.Lock()
	dead := w.exited
	w.mu.Unlock()
	if dead {
		return false
	}
	select {
	case w.inbox <- inMsg{work: work}:
		return true
	default:
		return false
	}
}

// Stop requests orderly shutdown. Queued work that has not been dequeued is
// abandoned; per-work monitors held by the shard resolve it.
func (w *Worker) Stop() {
	w.stop.Do(func() { close(w.stopCh) })
}

// run is the worker loop. It exits when stopped, or normally once the call
// holds no live dialog or transaction after processing a work item.
func (w *Worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("call worker panic", "panic", r)
			w.exit(fmt.Errorf("worker panic: %v", r))
			return
		}
		w.exit(nil)
	}()

	w.logger.Debug("call worker started")

	for {
		// Stop wins over queued work so shutdown is prompt and deterministic.
		select {
		case <-w.stopCh:
			w.logger.Debug("call worker stopping")
			return
		default:
		}

		select {
		case <-w.stopCh:
			w.logger.Debug("call worker stopping")
			return
		case m := <-w.inbox:
			if m.sync && m.ack != nil {
				m.ack(m.ref)
			}
			res := w.execute(m.work)
			if m.origin != nil {
				select {
				case m.origin <- res:
				default:
				}
			}
			if !w.live() {
				w.logger.Debug("call finished, worker exiting")
				return
			}
		}
	}
}

// exit publishes termination to all monitors exactly once.
func (w *Worker) exit(reason error) {
	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return
	}
	w.exited = true
	w.exitReason = reason
	fired := w.monitors
	w.monitors = make(map[MonitorRef]DownFunc)
	w.mu.Unlock()

	for ref, fn := range fired {
		fn(Down{Ref: ref, WorkerID: w.ID, Reason: reason})
	}
	w.logger.Debug("call worker exited", "reason", reason)
}

// live reports whether the call still holds an active dialog or an in-flight
// transaction.
func (w *Worker) live() bool {
	for _, d := range w.dialogs {
		if d.State != "terminated" {
			return true
		}
	}
	for _, t := range w.transactions {
		if t.State == "proceeding" {
			return true
		}
	}
	return false
}

func (w *Worker) nextID(prefix string) string {
	w.seq++
	return prefix + "-" + strconv.FormatUint(w.seq, 10)
}

// execute interprets one work item against the call state.
func (w *Worker) execute(work Work) Result {
	switch wk := work.(type) {
	case Send:
		return w.execSend(string(wk.Method), wk.URI)
	case SendRequest:
		if wk.Req == nil {
			return Result{Err: fmt.Errorf("send: %w", ErrUnknownRequest)}
		}
		uri := wk.Req.Recipient.String()
		return w.execSend(string(wk.Req.Method), uri)
	case SendDialog:
		return w.execSendDialog(wk)
	case Cancel:
		return w.execCancel(wk)
	case SyncReply:
		return w.execSyncReply(wk)
	case AppReply:
		return w.execAppReply(wk)
	case StopDialog:
		return w.execStopDialog(wk)
	case ApplyDialog:
		return w.execApplyDialog(wk)
	case ApplySipMsg:
		return w.execApplySipMsg(wk)
	case ApplyTransaction:
		return w.execApplyTransaction(wk)
	case IncomingRequest:
		return w.execIncomingRequest(wk)
	case IncomingResponse:
		return w.execIncomingResponse(wk)
	case ListDialogs:
		return Result{Value: w.snapshotDialogs()}
	case ListTransactions:
		return Result{Value: w.snapshotTransactions()}
	case ListSipMsgs:
		return Result{Value: append([]MsgInfo(nil), w.msgs...)}
	case GetData:
		return Result{Value: w.snapshotData()}
	default:
		w.logger.Error("unexpected work", "work", Name(work))
		return Result{Err: fmt.Errorf("unexpected work %s", Name(work))}
	}
}

// execSend opens a client transaction for a new out-of-dialog request.
// INVITE additionally opens a dialog that keeps the call alive until it is
// stopped or terminated by BYE.
func (w *Worker) execSend(method, uri string) Result {
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err != nil {
		return Result{Err: fmt.Errorf("parsing request uri: %w", err)}
	}

	now := time.Now()
	w.recordMsg("out", method+" "+uri)

	tx := &TransactionInfo{
		ID:      w.nextID("t"),
		Class:   "uac",
		Method:  method,
		State:   "completed",
		Created: now,
	}
	if method == string(sip.INVITE) {
		tx.State = "proceeding"
		d := &DialogInfo{
			ID:      w.nextID("d"),
			CallID:  w.CallID,
			Method:  method,
			State:   "proceeding",
			Created: now,
		}
		w.dialogs[d.ID] = d
	}
	w.transactions[tx.ID] = tx

	return Result{Value: *tx}
}

func (w *Worker) execSendDialog(wk SendDialog) Result {
	d, ok := w.dialogs[wk.DialogID]
	if !ok || d.State == "terminated" {
		return Result{Err: ErrUnknownDialog}
	}

	method := string(wk.Method)
	w.recordMsg("out", method+" (in-dialog "+d.ID+")")

	tx := &TransactionInfo{
		ID:      w.nextID("t"),
		Class:   "uac",
		Method:  method,
		State:   "completed",
		Created: time.Now(),
	}
	w.transactions[tx.ID] = tx

	if wk.Method == sip.BYE {
		d.State = "terminated"
	}
	return Result{Value: *tx}
}

func (w *Worker) execCancel(wk Cancel) Result {
	tx, ok := w.transactions[wk.RequestID]
	if !ok || tx.Class != "uac" {
		return Result{Err: ErrUnknownRequest}
	}
	if tx.State == "proceeding" {
		tx.State = "cancelled"
	}
	w.recordMsg("out", "CANCEL "+tx.ID)
	return Result{Value: *tx}
}

func (w *Worker) execSyncReply(wk SyncReply) Result {
	tx, ok := w.transactions[wk.RequestID]
	if !ok || tx.Class != "uas" {
		return Result{Err: ErrUnknownRequest}
	}
	tx.Status = wk.Status
	tx.State = "completed"
	w.recordMsg("out", fmt.Sprintf("%d %s", wk.Status, wk.Reason))
	return Result{Value: *tx}
}

func (w *Worker) execAppReply(wk AppReply) Result {
	tx, ok := w.transactions[wk.TransactionID]
	if !ok {
		w.logger.Debug("app reply for unknown transaction",
			"transaction_id", wk.TransactionID,
			"callback", wk.Callback,
		)
		return Result{Err: ErrUnknownTransaction}
	}
	tx.Status = wk.Status
	tx.State = "completed"
	w.recordMsg("out", fmt.Sprintf("%d %s", wk.Status, wk.Reason))
	return Result{Value: *tx}
}

func (w *Worker) execStopDialog(wk StopDialog) Result {
	d, ok := w.dialogs[wk.DialogID]
	if !ok {
		w.logger.Debug("stop for unknown dialog", "dialog_id", wk.DialogID)
		return Result{Err: ErrUnknownDialog}
	}
	d.State = "terminated"
	// Finish every transaction of the call that is still proceeding;
	// transactions are not tracked per dialog.
	for _, tx := range w.transactions {
		if tx.State == "proceeding" {
			tx.State = "completed"
		}
	}
	return Result{Value: *d}
}

func (w *Worker) execApplyDialog(wk ApplyDialog) Result {
	d, ok := w.dialogs[wk.DialogID]
	if !ok {
		return Result{Err: ErrUnknownDialog}
	}
	switch wk.Query {
	case QueryState:
		return Result{Value: d.State}
	default:
		return Result{Value: *d}
	}
}

func (w *Worker) execApplySipMsg(wk ApplySipMsg) Result {
	for _, m := range w.msgs {
		if m.ID == wk.MsgID {
			if wk.Query == QueryState {
				return Result{Value: m.Direction}
			}
			return Result{Value: m}
		}
	}
	return Result{Err: ErrUnknownSipMsg}
}

func (w *Worker) execApplyTransaction(wk ApplyTransaction) Result {
	tx, ok := w.transactions[wk.TransactionID]
	if !ok {
		return Result{Err: ErrUnknownTransaction}
	}
	switch wk.Query {
	case QueryState:
		return Result{Value: tx.State}
	default:
		return Result{Value: *tx}
	}
}

// execIncomingRequest handles a raw request from the transport. The result
// value is the SIP response the transport should send.
func (w *Worker) execIncomingRequest(wk IncomingRequest) Result {
	req := wk.Req
	if req == nil {
		return Result{Err: ErrUnknownSipMsg}
	}

	method := string(req.Method)
	w.recordMsg("in", method+" "+req.Recipient.String())

	// ACK is not transactional.
	if req.Method == sip.ACK {
		return Result{Value: (*sip.Response)(nil)}
	}

	now := time.Now()
	tx := &TransactionInfo{
		ID:      w.nextID("t"),
		Class:   "uas",
		Method:  method,
		Created: now,
	}
	w.transactions[tx.ID] = tx

	var res *sip.Response
	switch req.Method {
	case sip.INVITE:
		d := &DialogInfo{
			ID:      w.nextID("d"),
			CallID:  w.CallID,
			Method:  method,
			State:   "confirmed",
			Created: now,
		}
		w.dialogs[d.ID] = d
		res = sip.NewResponseFromRequest(req, 200, "OK", nil)
	case sip.BYE:
		terminated := false
		for _, d := range w.dialogs {
			if d.State != "terminated" {
				d.State = "terminated"
				terminated = true
				break
			}
		}
		if terminated {
			res = sip.NewResponseFromRequest(req, 200, "OK", nil)
		} else {
			res = sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		}
	case sip.CANCEL:
		for _, t := range w.transactions {
			if t.Class == "uas" && t.State == "proceeding" {
				t.State = "cancelled"
			}
		}
		res = sip.NewResponseFromRequest(req, 200, "OK", nil)
	default:
		res = sip.NewResponseFromRequest(req, 200, "OK", nil)
	}

	tx.Status = res.StatusCode
	tx.State = "completed"
	w.recordMsg("out", fmt.Sprintf("%d %s", res.StatusCode, res.Reason))

	return Result{Value: res}
}

// execIncomingResponse matches a raw response against the oldest in-flight
// client transaction.
func (w *Worker) execIncomingResponse(wk IncomingResponse) Result {
	resp := wk.Resp
	if resp == nil {
		return Result{Err: ErrUnknownSipMsg}
	}

	w.recordMsg("in", fmt.Sprintf("%d %s", resp.StatusCode, resp.Reason))

	var target *TransactionInfo
	for _, tx := range w.transactions {
		if tx.Class != "uac" || tx.State != "proceeding" {
			continue
		}
		if target == nil || tx.Created.Before(target.Created) {
			target = tx
		}
	}
	if target == nil {
		w.logger.Debug("response without matching client transaction",
			"status", resp.StatusCode,
		)
		return Result{Err: ErrUnknownTransaction}
	}

	target.Status = resp.StatusCode
	if resp.StatusCode >= 200 {
		target.State = "completed"
		if resp.StatusCode >= 300 {
			// Failed INVITE tears down its early dialog.
			for _, d := range w.dialogs {
				if d.State == "proceeding" {
					d.State = "terminated"
				}
			}
		} else {
			for _, d := range w.dialogs {
				if d.State == "proceeding" {
					d.State = "confirmed"
				}
			}
		}
	}
	return Result{Value: *target}
}

func (w *Worker) recordMsg(direction, summary string) {
	w.msgs = append(w.msgs, MsgInfo{
		ID:        w.nextID("m"),
		Direction: direction,
		Summary:   summary,
		Received:  time.Now(),
	})
}

func (w *Worker) snapshotDialogs() []DialogInfo {
	out := make([]DialogInfo, 0, len(w.dialogs))
	for _, d := range w.dialogs {
		out = append(out, *d)
	}
	return out
}

func (w *Worker) snapshotTransactions() []TransactionInfo {
	out := make([]TransactionInfo, 0, len(w.transactions))
	for _, t := range w.transactions {
		out = append(out, *t)
	}
	return out
}

func (w *Worker) snapshotData() Data {
	return Data{
		App:          w.App,
		CallID:       w.CallID,
		WorkerID:     w.ID,
		GlobalID:     w.global.ID,
		Started:      w.started,
		Dialogs:      w.snapshotDialogs(),
		Transactions: w.snapshotTransactions(),
		Msgs:         append([]MsgInfo(nil), w.msgs...),
	}
}
