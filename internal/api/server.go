package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callgrid/callgrid/internal/api/middleware"
	"github.com/callgrid/callgrid/internal/call"
	"github.com/callgrid/callgrid/internal/router"
)

// Router is the observability surface the API exposes over HTTP.
type Router interface {
	GetAllCalls() []router.CallInfo
	GetAllDialogs(app, callID string) ([]call.DialogInfo, error)
	GetAllTransactions(app, callID string) ([]call.TransactionInfo, error)
	GetAllSipMsgs(app, callID string) ([]call.MsgInfo, error)
	GetAllData() []call.Data
	AllDialogs() []call.DialogInfo
	AllTransactions() []call.TransactionInfo
	AllSipMsgs() []call.MsgInfo
	PendingWork() int
	PendingMsgs() int
	ClearCalls() int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	mux     *chi.Mux
	rt      Router
	limiter *middleware.RateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. The prometheus
// registry may be nil to disable the /metrics endpoint.
func NewServer(rt Router, reg *prometheus.Registry) *Server {
	s := &Server{
		mux:     chi.NewRouter(),
		rt:      rt,
		limiter: middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
	}

	s.routes(reg)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(reg *prometheus.Registry) {
	r := s.mux

	r.Use(chimw.RequestID)
	r.Use(middleware.AccessLog(slog.Default()))
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Middleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/calls", s.handleGetCalls)
		r.Delete("/calls", s.handleClearCalls)
		r.Get("/calls/{app}/{callID}/dialogs", s.handleGetDialogs)
		r.Get("/calls/{app}/{callID}/transactions", s.handleGetTransactions)
		r.Get("/calls/{app}/{callID}/sipmsgs", s.handleGetSipMsgs)
		r.Get("/dialogs", s.handleAllDialogs)
		r.Get("/transactions", s.handleAllTransactions)
		r.Get("/sipmsgs", s.handleAllSipMsgs)
		r.Get("/data", s.handleGetData)
		r.Get("/pending/work", s.handlePendingWork)
		r.Get("/pending/msgs", s.handlePendingMsgs)
	})

	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleGetCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.rt.GetAllCalls()
	if calls == nil {
		calls = []router.CallInfo{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleClearCalls(w http.ResponseWriter, r *http.Request) {
	stopped := s.rt.ClearCalls()
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleGetDialogs(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	callID := chi.URLParam(r, "callID")

	dialogs, err := s.rt.GetAllDialogs(app, callID)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	if dialogs == nil {
		dialogs = []call.DialogInfo{}
	}
	writeJSON(w, http.StatusOK, dialogs)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	callID := chi.URLParam(r, "callID")

	txs, err := s.rt.GetAllTransactions(app, callID)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	if txs == nil {
		txs = []call.TransactionInfo{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleGetSipMsgs(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	callID := chi.URLParam(r, "callID")

	msgs, err := s.rt.GetAllSipMsgs(app, callID)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	if msgs == nil {
		msgs = []call.MsgInfo{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAllDialogs(w http.ResponseWriter, r *http.Request) {
	dialogs := s.rt.AllDialogs()
	if dialogs == nil {
		dialogs = []call.DialogInfo{}
	}
	writeJSON(w, http.StatusOK, dialogs)
}

func (s *Server) handleAllTransactions(w http.ResponseWriter, r *http.Request) {
	txs := s.rt.AllTransactions()
	if txs == nil {
		txs = []call.TransactionInfo{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleAllSipMsgs(w http.ResponseWriter, r *http.Request) {
	msgs := s.rt.AllSipMsgs()
	if msgs == nil {
		msgs = []call.MsgInfo{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	data := s.rt.GetAllData()
	if data == nil {
		data = []call.Data{}
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handlePendingWork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pending_work": s.rt.PendingWork()})
}

func (s *Server) handlePendingMsgs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"pending_msgs": s.rt.PendingMsgs()})
}
