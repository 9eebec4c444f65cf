// Package api exposes the gateway over HTTP: the JSON-RPC endpoint AI
// clients talk to, plus a small management surface for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/mcphost/mcphost/pkg/protocol"
	"github.com/mcphost/mcphost/pkg/router"
	"github.com/mcphost/mcphost/pkg/session"
	"github.com/mcphost/mcphost/pkg/store"
	"github.com/mcphost/mcphost/pkg/supervisor"
	"github.com/mcphost/mcphost/pkg/transport"
)

// sessionIDHeaderName carries the session identifier on JSON-RPC requests.
const sessionIDHeaderName = "Mcp-Session-Id"

// AuditLog receives one entry per routed JSON-RPC request, best effort.
type AuditLog interface {
	RecordRequest(ctx context.Context, e store.RequestEntry) error
}

// Options configure the HTTP server.
type Options struct {
	Addr   string
	Logger *slog.Logger

	// AllowedOrigins feeds the CORS layer. Empty allows all origins,
	// which suits local desktop clients.
	AllowedOrigins []string

	// Audit, when set, records every /mcp request.
	Audit AuditLog
}

// Server wires the router, supervisor, and session registry to HTTP.
type Server struct {
	sup      *supervisor.Supervisor
	sessions *session.Registry
	router   *router.Router
	opts     Options
	logger   *slog.Logger
	started  time.Time
}

// NewServer builds a Server. Addr defaults to ":8700".
func NewServer(sup *supervisor.Supervisor, sessions *session.Registry, rt *router.Router, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		sup:      sup,
		sessions: sessions,
		router:   rt,
		opts:     opts,
		logger:   opts.Logger,
		started:  time.Now(),
	}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", sessionIDHeaderName},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Post("/mcp", s.handleRPC)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/servers", s.handleListProviders)
		r.Post("/servers", s.handleRegisterProvider)
		r.Route("/servers/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeregisterProvider)
			r.Post("/start", s.handleStartProvider)
			r.Post("/stop", s.handleStopProvider)
			r.Get("/capabilities", s.handleCapabilities)
		})
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Delete("/", s.handleRemoveSession)
			r.Post("/servers/{provider}", s.handleAttach)
			r.Delete("/servers/{provider}", s.handleDetach)
		})
	})
	return r
}

// Serve runs the server until ctx is canceled, then drains connections.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) corsOrigins() []string {
	if len(s.opts.AllowedOrigins) > 0 {
		return s.opts.AllowedOrigins
	}
	return []string{"*"}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := map[supervisor.Status]int{}
	snaps := s.sup.List()
	for _, snap := range snaps {
		counts[snap.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":        len(snaps),
		"providers_active": counts[supervisor.StatusActive],
		"providers_error":  counts[supervisor.StatusError],
		"sessions":         s.sessions.Len(),
	})
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

// providerRequest wraps the provider payload so the probe interval can come
// in as plain seconds.
type providerRequest struct {
	supervisor.Provider
	HealthCheckIntervalSeconds int `json:"health_check_interval,omitempty"`
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed provider payload")
		return
	}
	p := req.Provider
	if req.HealthCheckIntervalSeconds > 0 {
		p.HealthCheckInterval = time.Duration(req.HealthCheckIntervalSeconds) * time.Second
	}
	if err := s.sup.Register(p); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, supervisor.ErrAlreadyRegistered) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID})
}

func (s *Server) handleDeregisterProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Deregister(r.Context(), id); err != nil {
		s.providerError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Start(r.Context(), id); err != nil {
		s.providerError(w, id, err)
		return
	}
	snap, _ := s.sup.Get(id)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sup.Stop(r.Context(), id); err != nil {
		s.providerError(w, id, err)
		return
	}
	snap, _ := s.sup.Get(id)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sup.Has(id) {
		writeError(w, http.StatusNotFound, "unknown provider "+id)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Capabilities(r.Context(), id))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientKind string         `json:"client_kind"`
		ClientInfo map[string]any `json:"client_info"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed session payload")
			return
		}
	}
	sess := s.sessions.Create(r.Context(), req.ClientKind, req.ClientInfo)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	providerID := chi.URLParam(r, "provider")
	if err := s.sessions.Attach(r.Context(), sessionID, providerID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	sess, _ := s.sessions.Get(sessionID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	providerID := chi.URLParam(r, "provider")
	if err := s.sessions.Detach(r.Context(), sessionID, providerID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sess, _ := s.sessions.Get(sessionID)
	writeJSON(w, http.StatusOK, sess)
}

// handleRPC is the JSON-RPC endpoint AI clients POST to. The caller's
// request identifier is preserved on the response envelope verbatim.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	begin := time.Now()
	sessionID := r.Header.Get(sessionIDHeaderName)

	// The caller's identifier is carried raw so numeric and string ids
	// alike come back byte for byte.
	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPCError(w, nil, protocol.Errorf(protocol.CodeParseError, "malformed request: %v", err))
		s.audit(r.Context(), sessionID, "", "error", "parse error", begin)
		return
	}
	if req.Method == "" {
		s.writeRPCError(w, req.ID, protocol.Errorf(protocol.CodeInvalidRequest, "missing method"))
		s.audit(r.Context(), sessionID, req.Method, "error", "missing method", begin)
		return
	}

	result, err := s.router.Route(r.Context(), sessionID, req.Method, req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		s.logger.Warn("request failed", "session", sessionID, "method", req.Method, "code", rpcErr.Code, "error", err)
		s.writeRPCError(w, req.ID, rpcErr)
		s.audit(r.Context(), sessionID, req.Method, "error", err.Error(), begin)
		return
	}

	s.audit(r.Context(), sessionID, req.Method, "ok", "", begin)
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": protocol.Version,
		"id":      rawOrNull(req.ID),
		"result":  json.RawMessage(result),
	})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *protocol.Error) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": protocol.Version,
		"id":      rawOrNull(id),
		"error":   rpcErr,
	})
}

func rawOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func (s *Server) providerError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, supervisor.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown provider "+id)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) audit(ctx context.Context, sessionID, method, status, errText string, begin time.Time) {
	if s.opts.Audit == nil {
		return
	}
	entry := store.RequestEntry{
		SessionID: sessionID,
		Method:    method,
		Status:    status,
		Error:     errText,
		Duration:  time.Since(begin),
	}
	if err := s.opts.Audit.RecordRequest(ctx, entry); err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}

// toRPCError maps routing failures onto the wire error taxonomy. Provider
// errors already shaped as JSON-RPC pass through untouched.
func toRPCError(err error) *protocol.Error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, router.ErrNoSession), errors.Is(err, supervisor.ErrNotFound):
		return protocol.Errorf(protocol.CodeNotFound, "%v", err)
	case errors.Is(err, router.ErrNoProvidersAttached):
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	case errors.Is(err, router.ErrMissingTarget):
		return protocol.Errorf(protocol.CodeInvalidParams, "%v", err)
	case errors.Is(err, router.ErrCapabilityNotFound):
		return protocol.Errorf(protocol.CodeMethodNotFound, "%v", err)
	case errors.Is(err, transport.ErrTimeout):
		return protocol.Errorf(protocol.CodeTimeout, "%v", err)
	default:
		return protocol.Errorf(protocol.CodeRequestFailed, "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
