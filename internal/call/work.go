package call

import (
	"github.com/emiago/sipgo/sip"
)

// Work is a tagged request from an external producer (API, transport, timer)
// to be executed by a call worker. The router treats works as opaque values;
// only the worker interprets them.
type Work interface {
	workName() string
}

// Result is the outcome of a work item, delivered to the origin channel.
type Result struct {
	Value any
	Err   error
}

// Origin is the reply channel a synchronous caller waits on. Workers and
// the router send at most one Result and never block on it.
type Origin chan<- Result

// SendOpts carries per-send options for UAC requests.
type SendOpts struct {
	CallID  string // generated by Pool.SendURI when empty
	From    string
	To      string
	Headers map[string]string
}

// SendRequest dispatches a prebuilt SIP request through the call.
type SendRequest struct {
	Req  *sip.Request
	Opts SendOpts
}

// Send builds and dispatches a new UAC request from method and URI.
type Send struct {
	Method sip.RequestMethod
	URI    string
	Opts   SendOpts
}

// SendDialog dispatches an in-dialog request.
type SendDialog struct {
	DialogID string
	Method   sip.RequestMethod
	Opts     SendOpts
}

// Cancel cancels a previously sent request.
type Cancel struct {
	RequestID string
}

// SyncReply answers a server transaction on behalf of the application.
type SyncReply struct {
	RequestID string
	Status    int
	Reason    string
}

// AppReply carries an asynchronous application callback reply for a
// transaction. Fire-and-forget.
type AppReply struct {
	Callback      string
	TransactionID string
	Status        int
	Reason        string
}

// StopDialog requests orderly teardown of one dialog. Fire-and-forget.
type StopDialog struct {
	DialogID string
}

// Query selects the inspection a worker runs for Apply* works. Replaces the
// source system's shipped closures with variants the worker knows how to
// serve.
type Query int

const (
	// QuerySnapshot returns the full info record for the target entity.
	QuerySnapshot Query = iota
	// QueryState returns only the entity's state string.
	QueryState
)

// ApplyDialog runs an inspection query against one dialog.
type ApplyDialog struct {
	DialogID string
	Query    Query
}

// ApplySipMsg runs an inspection query against one stored SIP message.
type ApplySipMsg struct {
	MsgID string
	Query Query
}

// ApplyTransaction runs an inspection query against one transaction.
type ApplyTransaction struct {
	TransactionID string
	Query         Query
}

// IncomingRequest delivers a raw SIP request received by the transport.
type IncomingRequest struct {
	Req *sip.Request
}

// IncomingResponse delivers a raw SIP response received by the transport.
// Responses are only delivered to existing workers.
type IncomingResponse struct {
	Resp *sip.Response
}

// ListDialogs enumerates the call's dialogs.
type ListDialogs struct{}

// ListTransactions enumerates the call's transactions.
type ListTransactions struct{}

// ListSipMsgs enumerates the call's stored SIP messages.
type ListSipMsgs struct{}

// GetData returns the worker's opaque per-call state for observability.
type GetData struct{}

func (SendRequest) workName() string      { return "send_request" }
func (Send) workName() string             { return "send" }
func (SendDialog) workName() string       { return "send_dialog" }
func (Cancel) workName() string           { return "cancel" }
func (SyncReply) workName() string        { return "sync_reply" }
func (AppReply) workName() string         { return "app_reply" }
func (StopDialog) workName() string       { return "stop_dialog" }
func (ApplyDialog) workName() string      { return "apply_dialog" }
func (ApplySipMsg) workName() string      { return "apply_sipmsg" }
func (ApplyTransaction) workName() string { return "apply_transaction" }
func (IncomingRequest) workName() string  { return "incoming_request" }
func (IncomingResponse) workName() string { return "incoming_response" }
func (ListDialogs) workName() string      { return "get_all_dialogs" }
func (ListTransactions) workName() string { return "get_all_transactions" }
func (ListSipMsgs) workName() string      { return "get_all_sipmsgs" }
func (GetData) workName() string          { return "get_data" }

// Name returns the work's wire name for logging.
func Name(w Work) string {
	if w == nil {
		return "nil"
	}
	return w.workName()
}
