package router

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/callgrid/callgrid/internal/call"
)

// User-facing operations. Each computes the responsible shard from the
// Call-ID and submits exactly one work item; synchronous operations wait for
// the worker's reply up to the configured sync deadline.

// Send dispatches a prebuilt request through its call. The Call-ID comes
// from the request itself.
func (p *Pool) Send(app string, req *sip.Request, opts call.SendOpts) (call.TransactionInfo, error) {
	if req == nil {
		return call.TransactionInfo{}, ErrInvalidCall
	}
	callID := headerCallID(req)
	if callID == "" {
		callID = opts.CallID
	}
	res := p.syncCall(app, callID, call.SendRequest{Req: req, Opts: opts})
	return asTransaction(res)
}

// SendURI builds and dispatches a new request from method and URI. When the
// options carry no Call-ID, a fresh locally-unique one is generated.
func (p *Pool) SendURI(app string, method sip.RequestMethod, uri string, opts call.SendOpts) (call.TransactionInfo, error) {
	if opts.CallID == "" {
		opts.CallID = uuid.NewString()
	}
	res := p.syncCall(app, opts.CallID, call.Send{Method: method, URI: uri, Opts: opts})
	return asTransaction(res)
}

// SendDialog dispatches an in-dialog request.
func (p *Pool) SendDialog(app, callID, dialogID string, method sip.RequestMethod, opts call.SendOpts) (call.TransactionInfo, error) {
	if dialogID == "" {
		return call.TransactionInfo{}, call.ErrUnknownDialog
	}
	res := p.syncCall(app, callID, call.SendDialog{DialogID: dialogID, Method: method, Opts: opts})
	return asTransaction(res)
}

// Cancel cancels a previously sent request.
func (p *Pool) Cancel(app, callID, requestID string) error {
	return p.syncCall(app, callID, call.Cancel{RequestID: requestID}).Err
}

// SyncReply answers a server transaction on behalf of the application. The
// round trip is bounded by the sync deadline; on expiry the caller sees
// ErrTimeout and must not assume delivery.
func (p *Pool) SyncReply(app, callID, requestID string, status int, reason string) error {
	return p.syncCall(app, callID, call.SyncReply{RequestID: requestID, Status: status, Reason: reason}).Err
}

// AppReply delivers an asynchronous application callback reply. Logged and
// dropped when no worker exists.
func (p *Pool) AppReply(app, callID, callback, transactionID string, status int, reason string) error {
	if app == "" || callID == "" {
		return ErrInvalidCall
	}
	p.ShardFor(callID).SubmitAsync(app, callID, call.AppReply{
		Callback:      callback,
		TransactionID: transactionID,
		Status:        status,
		Reason:        reason,
	})
	return nil
}

// StopDialog requests orderly teardown of one dialog.
func (p *Pool) StopDialog(app, callID, dialogID string) error {
	if app == "" || callID == "" {
		return ErrInvalidCall
	}
	p.ShardFor(callID).SubmitAsync(app, callID, call.StopDialog{DialogID: dialogID})
	return nil
}

// ApplyDialog runs an inspection query against one dialog in the worker.
func (p *Pool) ApplyDialog(app, callID, dialogID string, q call.Query) (any, error) {
	res := p.syncCall(app, callID, call.ApplyDialog{DialogID: dialogID, Query: q})
	return res.Value, res.Err
}

// ApplySipMsg runs an inspection query against one stored SIP message.
func (p *Pool) ApplySipMsg(app, callID, msgID string, q call.Query) (any, error) {
	res := p.syncCall(app, callID, call.ApplySipMsg{MsgID: msgID, Query: q})
	return res.Value, res.Err
}

// ApplyTransaction runs an inspection query against one transaction.
func (p *Pool) ApplyTransaction(app, callID, transactionID string, q call.Query) (any, error) {
	res := p.syncCall(app, callID, call.ApplyTransaction{TransactionID: transactionID, Query: q})
	return res.Value, res.Err
}

// GetAllDialogs enumerates one call's dialogs.
func (p *Pool) GetAllDialogs(app, callID string) ([]call.DialogInfo, error) {
	res := p.syncCall(app, callID, call.ListDialogs{})
	if res.Err != nil {
		return nil, res.Err
	}
	out, _ := res.Value.([]call.DialogInfo)
	return out, nil
}

// GetAllTransactions enumerates one call's transactions.
func (p *Pool) GetAllTransactions(app, callID string) ([]call.TransactionInfo, error) {
	res := p.syncCall(app, callID, call.ListTransactions{})
	if res.Err != nil {
		return nil, res.Err
	}
	out, _ := res.Value.([]call.TransactionInfo)
	return out, nil
}

// GetAllSipMsgs enumerates one call's stored SIP messages.
func (p *Pool) GetAllSipMsgs(app, callID string) ([]call.MsgInfo, error) {
	res := p.syncCall(app, callID, call.ListSipMsgs{})
	if res.Err != nil {
		return nil, res.Err
	}
	out, _ := res.Value.([]call.MsgInfo)
	return out, nil
}

// AllDialogs enumerates dialogs across every registered call.
func (p *Pool) AllDialogs() []call.DialogInfo {
	var out []call.DialogInfo
	for _, d := range p.GetAllData() {
		out = append(out, d.Dialogs...)
	}
	return out
}

// AllTransactions enumerates transactions across every registered call.
func (p *Pool) AllTransactions() []call.TransactionInfo {
	var out []call.TransactionInfo
	for _, d := range p.GetAllData() {
		out = append(out, d.Transactions...)
	}
	return out
}

// AllSipMsgs enumerates stored SIP messages across every registered call.
func (p *Pool) AllSipMsgs() []call.MsgInfo {
	var out []call.MsgInfo
	for _, d := range p.GetAllData() {
		out = append(out, d.Msgs...)
	}
	return out
}

// GetAllData snapshots every registered call's worker state.
func (p *Pool) GetAllData() []call.Data {
	var out []call.Data
	for _, info := range p.GetAllCalls() {
		res := p.syncCall(info.App, info.CallID, call.GetData{})
		if res.Err != nil {
			continue
		}
		if d, ok := res.Value.(call.Data); ok {
			out = append(out, d)
		}
	}
	return out
}

// IncomingSync routes a raw SIP request. Requests create the call worker if
// admission allows; the worker replies to origin with the response to send.
func (p *Pool) IncomingSync(app string, req *sip.Request, origin call.Origin) error {
	if req == nil {
		return ErrInvalidCall
	}
	callID := headerCallID(req)
	if app == "" || callID == "" {
		return ErrInvalidCall
	}
	return p.ShardFor(callID).SubmitSync(app, callID, call.IncomingRequest{Req: req}, origin)
}

// IncomingAsync routes a raw SIP response. Responses are delivered only to
// existing workers; an unmatched response is dropped, since SIP transactions
// require a matching client transaction to exist.
func (p *Pool) IncomingAsync(app string, resp *sip.Response) error {
	if resp == nil {
		return ErrInvalidCall
	}
	callID := headerCallID(resp)
	if app == "" || callID == "" {
		return ErrInvalidCall
	}
	p.ShardFor(callID).SubmitAsync(app, callID, call.IncomingResponse{Resp: resp})
	return nil
}

// Ingest routes a raw SIP message by class: requests synchronously (worker
// creation and admission apply), responses asynchronously.
func (p *Pool) Ingest(app string, msg sip.Message, origin call.Origin) error {
	switch m := msg.(type) {
	case *sip.Request:
		return p.IncomingSync(app, m, origin)
	case *sip.Response:
		return p.IncomingAsync(app, m)
	default:
		return ErrInvalidCall
	}
}

// syncCall submits work and waits for the worker's result up to the sync
// deadline. A timeout leaves the pending entry in place until the worker
// resolves or dies.
func (p *Pool) syncCall(app, callID string, work call.Work) call.Result {
	if app == "" || callID == "" {
		return call.Result{Err: ErrInvalidCall}
	}

	origin := make(chan call.Result, 1)
	if err := p.ShardFor(callID).SubmitSync(app, callID, work, origin); err != nil {
		return call.Result{Err: err}
	}

	timer := time.NewTimer(p.global.SyncTimeout)
	defer timer.Stop()
	select {
	case res := <-origin:
		return res
	case <-timer.C:
		return call.Result{Err: ErrTimeout}
	}
}

func asTransaction(res call.Result) (call.TransactionInfo, error) {
	if res.Err != nil {
		return call.TransactionInfo{}, res.Err
	}
	tx, _ := res.Value.(call.TransactionInfo)
	return tx, nil
}

// headerCallID extracts the Call-ID value from a request or response.
func headerCallID(msg sip.Message) string {
	switch m := msg.(type) {
	case *sip.Request:
		if cid := m.CallID(); cid != nil {
			return cid.Value()
		}
	case *sip.Response:
		if cid := m.CallID(); cid != nil {
			return cid.Value()
		}
	}
	return ""
}
