package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/callgrid/callgrid/internal/call"
	"github.com/callgrid/callgrid/internal/config"
	"github.com/callgrid/callgrid/internal/router"
)

// Server wraps the sipgo SIP stack and feeds received messages into the
// router. A server instance is bound to exactly one application id; the
// application of every ingested message is the listener's, not parsed from
// the wire.
type Server struct {
	cfg    *config.Config
	appID  string
	pool   *router.Pool
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP ingest server with all handlers registered.
func NewServer(cfg *config.Config, pool *router.Pool) (*Server, error) {
	logger := slog.Default().With("component", "transport", "app", cfg.AppID)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callgrid"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		appID:  cfg.AppID,
		pool:   pool,
		ua:     ua,
		srv:    srv,
		logger: logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server. Every
// transactional request takes the same path into the router; ACK is
// non-transactional and absorbed without a response.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleRequest)
	s.srv.OnBye(s.handleRequest)
	s.srv.OnCancel(s.handleRequest)
	s.srv.OnOptions(s.handleRequest)
	s.srv.OnInfo(s.handleRequest)
	s.srv.OnAck(s.handleAck)
}

// Start begins listening on configured transports. Listener goroutines run
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	tcpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	// Start UDP listener.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	// Start TCP listener.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", tcpAddr)
		if err := s.srv.ListenAndServe(ctx, "tcp", tcpAddr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down all SIP listeners and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip transport")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip transport stopped")
}

// handleRequest routes one transactional request through the router and
// relays the worker's response onto the server transaction.
func (s *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	origin := make(chan call.Result, 1)

	if err := s.pool.IncomingSync(s.appID, req, origin); err != nil {
		s.respondError(req, tx, err)
		return
	}

	timer := time.NewTimer(s.cfg.SyncTimeout)
	defer timer.Stop()

	select {
	case res := <-origin:
		if res.Err != nil {
			s.respondError(req, tx, res.Err)
			return
		}
		response, ok := res.Value.(*sip.Response)
		if !ok || response == nil {
			return
		}
		if err := tx.Respond(response); err != nil {
			s.logger.Error("failed to respond", "method", req.Method, "error", err)
		}
	case <-timer.C:
		s.respondError(req, tx, router.ErrTimeout)
	}
}

// handleAck absorbs ACK requests. Per RFC 3261 ACK is not transactional and
// has no response; the call worker only records it.
func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	origin := make(chan call.Result, 1)
	if err := s.pool.IncomingSync(s.appID, req, origin); err != nil {
		s.logger.Debug("ack dropped", "error", err)
	}
}

// errorStatus maps router errors to SIP final status lines.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, router.ErrTooManyCalls):
		return 503, "Service Unavailable"
	case errors.Is(err, router.ErrUnknownApp):
		return 403, "Forbidden"
	case errors.Is(err, router.ErrTimeout):
		return 408, "Request Timeout"
	case errors.Is(err, router.ErrInvalidCall):
		return 400, "Bad Request"
	default:
		return 500, "Server Internal Error"
	}
}

// respondError maps router errors to SIP final responses.
func (s *Server) respondError(req *sip.Request, tx sip.ServerTransaction, err error) {
	status, reason := errorStatus(err)

	s.logger.Info("request rejected",
		"method", req.Method,
		"status", status,
		"error", err,
	)

	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond", "method", req.Method, "error", err)
	}
}
