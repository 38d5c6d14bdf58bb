// Package server exposes the session manager over HTTP: probes, metrics and
// the session API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/bi-session-platform/pkg/auth"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
	httpauth "github.com/txn2/bi-session-platform/pkg/http"
	"github.com/txn2/bi-session-platform/pkg/platform"
	"github.com/txn2/bi-session-platform/pkg/session"
)

// Version is set at build time.
var Version = "dev"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server serves the platform's HTTP API.
type Server struct {
	platform *platform.Platform
	manager  *session.Manager
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a server for p.
func New(p *platform.Platform, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		platform: p,
		manager:  p.Manager(),
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// NewWithConfig loads the configuration at path and builds the platform and
// the server on top of it.
func NewWithConfig(path string, logger *slog.Logger) (*Server, *platform.Platform, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	p, err := platform.New(platform.WithConfig(cfg), platform.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	return New(p, logger), p, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	hc := s.platform.Health()
	s.mux.Handle("GET /healthz", hc.LivenessHandler())
	s.mux.Handle("GET /readyz", hc.ReadinessHandler())

	if mc := s.platform.Config().Metrics; mc.Enabled {
		s.mux.Handle("GET "+mc.Path, promhttp.HandlerFor(s.platform.Registry(), promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/sessions", s.createSession)
	api.HandleFunc("GET /v1/sessions", s.listSessions)
	api.HandleFunc("GET /v1/sessions/stats", s.sessionStats)
	api.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	api.HandleFunc("DELETE /v1/sessions/{id}", s.terminateSession)
	api.HandleFunc("POST /v1/sessions/{id}/initialize", s.initializeSession)
	api.HandleFunc("POST /v1/sessions/{id}/recover", s.recoverSession)
	api.HandleFunc("PATCH /v1/sessions/{id}/state", s.updateState)
	api.HandleFunc("POST /v1/sessions/{id}/queries", s.addQuery)
	api.HandleFunc("GET /v1/sessions/{id}/health", s.sessionHealth)
	api.HandleFunc("GET /v1/sessions/{id}/analytics", s.sessionAnalytics)
	api.HandleFunc("POST /v1/maintenance", s.runMaintenance)

	s.mux.Handle("/v1/", httpauth.OptionalAuth()(api))
}

// Run serves on the configured address until ctx is done, then drains
// in-flight requests within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	sc := s.platform.Config().Server
	ln, err := net.Listen("tcp", sc.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", sc.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sc := s.platform.Config().Server
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "address", ln.Addr().String(), "version", Version)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// createSessionRequest is the body of POST /v1/sessions.
type createSessionRequest struct {
	InitialState    map[string]any        `json:"initial_state"`
	Domains         []contextstore.Domain `json:"domains"`
	Timeout         string                `json:"timeout"`
	DisableRecovery bool                  `json:"disable_recovery"`
}

// createSession creates a session for the bearer token's user, or an
// anonymous session when the request carries no token.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	opts := session.CreateOptions{
		InitialState:    req.InitialState,
		DisableRecovery: req.DisableRecovery,
	}
	if !validDomains(w, req.Domains) {
		return
	}
	opts.Domains = req.Domains
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		opts.Timeout = d
	}

	uc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	opts.Context = uc

	res, err := s.manager.CreateSession(r.Context(), opts)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// authenticate validates the bearer token when auth is enabled. A request
// without a token yields a nil context.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*contextstore.UserContext, bool) {
	authenticator := s.platform.Authenticator()
	if authenticator == nil {
		return nil, true
	}
	uc, err := authenticator.Authenticate(r.Context())
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return nil, true
	case err != nil:
		s.logger.Debug("server: token rejected", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid bearer token")
		return nil, false
	}
	return uc, true
}

// authorize reports whether the caller may act on session id, writing the
// response when it may not. With auth enabled a user's session answers only
// to a bearer token for that user; anyone else gets 404. Anonymous sessions
// are open to every caller.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, id string) bool {
	if s.platform.Authenticator() == nil {
		return true
	}
	owner, err := s.ownerOf(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, err)
		return false
	}
	if owner == nil || owner.IsAnonymous {
		return true
	}
	uc, ok := s.authenticate(w, r)
	if !ok {
		return false
	}
	if uc == nil || uc.UserID != owner.UserID {
		s.logger.Debug("server: session owned by another user", "session_id", id)
		s.writeManagerError(w, &session.SessionNotFoundError{SessionID: id})
		return false
	}
	return true
}

// ownerOf returns the context of a registered session, falling back to the
// stored one. It returns nil when neither exists.
func (s *Server) ownerOf(ctx context.Context, id string) (*contextstore.UserContext, error) {
	if res, ok := s.manager.GetSession(id); ok {
		return res.Context, nil
	}
	uc, err := s.platform.Store().GetUserContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading session owner: %w", err)
	}
	return uc, nil
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.ActiveSessions()})
}

func (s *Server) sessionStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetSessionStats())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	res, ok := s.manager.GetSession(id)
	if !ok {
		s.writeManagerError(w, &session.SessionNotFoundError{SessionID: id})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	if _, ok := s.manager.GetSession(id); !ok {
		s.writeManagerError(w, &session.SessionNotFoundError{SessionID: id})
		return
	}
	if err := s.manager.TerminateSession(r.Context(), id, session.ReasonManual); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recoveryRequest is the body of the initialize and recover endpoints.
type recoveryRequest struct {
	FallbackToAnonymous   bool `json:"fallback_to_anonymous"`
	DisableReconstruction bool `json:"disable_reconstruction"`
	MaxRecoveryAttempts   int  `json:"max_recovery_attempts"`
}

func (r recoveryRequest) options() session.RecoveryOptions {
	return session.RecoveryOptions{
		FallbackToAnonymous:   r.FallbackToAnonymous,
		DisableReconstruction: r.DisableReconstruction,
		MaxRecoveryAttempts:   r.MaxRecoveryAttempts,
	}
}

func (s *Server) initializeSession(w http.ResponseWriter, r *http.Request) {
	s.recoverWith(w, r, s.manager.InitializeSession)
}

func (s *Server) recoverSession(w http.ResponseWriter, r *http.Request) {
	s.recoverWith(w, r, s.manager.RecoverSession)
}

func (s *Server) recoverWith(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, string, session.RecoveryOptions) (*session.Result, error),
) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	var req recoveryRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	res, err := fn(r.Context(), id, req.options())
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s could not be restored", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) updateState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	var update map[string]any
	if !decodeBody(w, r, &update, false) {
		return
	}
	var opts []session.UpdateOption
	if r.URL.Query().Get("snapshot") == "false" {
		opts = append(opts, session.WithoutSnapshot())
	}
	res, err := s.manager.UpdateSessionState(r.Context(), id, update, opts...)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// addQueryRequest is the body of POST /v1/sessions/{id}/queries.
type addQueryRequest struct {
	Query    string                `json:"query"`
	Response string                `json:"response"`
	Domains  []contextstore.Domain `json:"domains"`
	Agent    string                `json:"agent"`
	Extra    map[string]any        `json:"extra"`
}

func (s *Server) addQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	var req addQueryRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if !validDomains(w, req.Domains) {
		return
	}
	meta := &contextstore.QueryMetadata{Domains: req.Domains, Agent: req.Agent, Extra: req.Extra}
	rec, err := s.manager.AddQueryToSession(r.Context(), id, req.Query, req.Response, meta)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) sessionHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.CheckSessionHealth(r.Context(), id))
}

func (s *Server) sessionAnalytics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	a, err := s.manager.GetSessionAnalytics(id)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// maintenanceResponse is the body returned by POST /v1/maintenance.
type maintenanceResponse struct {
	Cleaned   int      `json:"cleaned"`
	Recovered int      `json:"recovered"`
	Errors    []string `json:"errors"`
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	res := s.manager.PerformMaintenanceCleanup(r.Context())
	writeJSON(w, http.StatusOK, maintenanceResponse{
		Cleaned:   res.Cleaned,
		Recovered: res.Recovered,
		Errors:    res.ErrorMessages(),
	})
}

// writeManagerError maps manager errors onto status codes.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, contextstore.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrRecoveryAttemptsExceeded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("server: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func validDomains(w http.ResponseWriter, domains []contextstore.Domain) bool {
	for _, d := range domains {
		if !d.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown domain %q", d))
			return false
		}
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
