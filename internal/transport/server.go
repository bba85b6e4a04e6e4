// Package transport serves StreamingFetch sessions over HTTP/WebSocket
// and exposes the single-RPC subscription management endpoints (§6),
// grounded on the teacher's Server.Start/handleWebSocket wiring.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/hstreamdb/hstream/internal/auth"
	"github.com/hstreamdb/hstream/internal/limits"
	"github.com/hstreamdb/hstream/internal/metrics"
	"github.com/hstreamdb/hstream/internal/registry"
	"github.com/hstreamdb/hstream/internal/session"
	"github.com/hstreamdb/hstream/internal/subscription"
	"github.com/hstreamdb/hstream/internal/subserr"
	"github.com/rs/zerolog"
)

// Server wires the subscription Registry to an HTTP listener: a
// StreamingFetch WebSocket upgrade endpoint plus the single-RPC
// management endpoints (create/delete/exists/list).
type Server struct {
	addr     string
	registry *registry.Registry
	verifier *auth.Verifier
	guard    *limits.Guard
	logger   zerolog.Logger

	// currentSessions is the same counter the guard's ShouldAccept reads
	// (§MaxSessions admission cap); it must be the one pointer shared by
	// main, the Guard and this server, or the cap silently never fires.
	// Defaults to a private counter when nil (e.g. in tests without a guard).
	currentSessions *int64
}

// New constructs a Server. guard may be nil to disable admission
// control (e.g. in tests). currentSessions must be the same counter
// passed to limits.NewGuard so ShouldAccept observes the sessions this
// server actually admits; if nil, a private counter is used (no
// MaxSessions enforcement is possible in that case beyond what guard
// itself already does with its own pointer).
func New(addr string, reg *registry.Registry, verifier *auth.Verifier, guard *limits.Guard, currentSessions *int64, logger zerolog.Logger) *Server {
	if currentSessions == nil {
		currentSessions = new(int64)
	}
	return &Server{
		addr:            addr,
		registry:        reg,
		verifier:        verifier,
		guard:           guard,
		currentSessions: currentSessions,
		logger:          logger,
	}
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fetch", s.handleStreamingFetch)
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/subscriptions/", s.handleSubscription)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.addr).Msg("subscription engine listening")
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// handleStreamingFetch upgrades the connection and runs a consumer
// session to completion (§4.5, §6), mirroring the teacher's
// handleWebSocket admission sequence: rate-limit the attempt, reject
// on overload, then upgrade.
func (s *Server) handleStreamingFetch(w http.ResponseWriter, r *http.Request) {
	clientIP := limits.ClientIP(r)

	if s.guard != nil {
		if !s.guard.AllowConnection(clientIP) {
			s.logger.Warn().Str("client_ip", clientIP).Msg("streaming fetch rejected: rate limit exceeded")
			metrics.SessionsRejected.WithLabelValues("rate_limited").Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if accept, reason := s.guard.ShouldAccept(runtime.NumGoroutine()); !accept {
			s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("streaming fetch rejected")
			metrics.SessionsRejected.WithLabelValues("overloaded").Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	atomic.AddInt64(s.currentSessions, 1)
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer func() {
		atomic.AddInt64(s.currentSessions, -1)
		metrics.SessionsActive.Dec()
	}()

	sess := session.New(conn, s.registry, s.verifier, s.logger)
	sess.Serve(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleSubscriptions implements CreateSubscription and
// ListSubscriptions (§6): POST creates, GET lists.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub subscription.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		created, err := s.registry.Create(r.Context(), sub)
		if err != nil {
			writeSubErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		subs, err := s.registry.List(r.Context())
		if err != nil {
			writeSubErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, subs)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSubscription implements DeleteSubscription and
// CheckSubscriptionExist (§6) for a single subscription id given as
// the trailing path segment.
func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/subscriptions/"):]
	if id == "" {
		http.Error(w, "missing subscription id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.registry.Delete(r.Context(), id); err != nil {
			writeSubErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead, http.MethodGet:
		exists, err := s.registry.Exists(r.Context(), id)
		if err != nil {
			writeSubErr(w, err)
			return
		}
		if !exists {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeSubErr(w http.ResponseWriter, err error) {
	code, message := subserr.Status(err)
	status := http.StatusInternalServerError
	switch code {
	case subserr.CodeNotFound, subserr.CodeStreamNotFound:
		status = http.StatusNotFound
	case subserr.CodeAlreadyExists:
		status = http.StatusConflict
	case subserr.CodeSubscriptionRemoved:
		status = http.StatusGone
	}
	writeError(w, status, code.String(), message)
}
