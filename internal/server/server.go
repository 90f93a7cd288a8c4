// Package server wires together all control-plane subsystems and exposes the
// HTTP API. main() builds a Server, calls Run, done.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/auth"
	"github.com/sentryai/sentry/internal/config"
	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/llm"
	"github.com/sentryai/sentry/internal/mcpserver"
	"github.com/sentryai/sentry/internal/metrics"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/schedule"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/server/ws"
	"github.com/sentryai/sentry/internal/store"
	"github.com/sentryai/sentry/internal/tenant"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/vector"
)

// Build-time variables, set via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the control plane: REST + WebSocket + SSE + MCP over one
// listener, backed by the mission store and the execution backend.
type Server struct {
	cfg config.Config
	log *zap.Logger

	// Mission execution.
	backend Backend
	store   store.Store
	bus     *events.Bus

	// Tool schema registry.
	registry *tools.Registry

	// Authentication. Either may be nil; with both nil the API is open.
	keys     *auth.KeyStore
	verifier *tenant.Verifier
	authMW   *auth.Middleware
	quotas   *tenant.QuotaEnforcer

	// Realtime surfaces.
	hub *ws.Hub
	mcp http.Handler

	// Finding similarity. Both nil unless the configured LLM provider
	// supports embeddings.
	embedder llm.Embedder
	vectors  vector.Index

	scheduler  *schedule.Scheduler
	httpServer *http.Server

	// Gauge bookkeeping for sentry_active_missions.
	activeMu       sync.Mutex
	activeMissions map[string]bool
}

// New assembles a Server from configuration. The backend is injected so the
// caller owns the Temporal connection lifecycle and tests can substitute a
// fake.
func New(cfg config.Config, backend Backend, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:            cfg,
		log:            logger,
		backend:        backend,
		bus:            events.NewBus(events.DefaultQueueDepth, logger.Named("bus")),
		activeMissions: make(map[string]bool),
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DataDir, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	s.store = st

	reg, err := tools.Open(cfg.ToolDir(), logger.Named("tools"))
	if err != nil {
		return nil, fmt.Errorf("open tool registry: %w", err)
	}
	s.registry = reg

	s.initAuth()
	s.initSimilarity()
	s.quotas = tenant.NewQuotaEnforcer(logger.Named("quota"))
	s.scheduler = schedule.NewScheduler(st, s, s.bus, logger.Named("schedule"))
	s.hub = ws.NewHub(s.bus, s, logger.Named("ws"))
	s.mcp = mcpserver.NewHandler(&mcpCore{s: s}, logger.Named("mcp"))

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = limitBody(handler)
	if s.authMW != nil {
		handler = s.authMW.Wrap(handler)
	}
	handler = s.logRequests(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Bus exposes the event bus so the caller can attach bridges.
func (s *Server) Bus() *events.Bus { return s.bus }

// Store exposes the persistence layer for CLI-side admin commands.
func (s *Server) Store() store.Store { return s.store }

func (s *Server) initAuth() {
	keys, err := auth.NewKeyStore(filepath.Join(s.cfg.DataDir, "auth.db"))
	if err != nil {
		s.log.Warn("api key store unavailable, key auth disabled", zap.Error(err))
	} else {
		s.keys = keys
		if err := keys.EnsureBootstrap(s.cfg.APIKeyBootstrap); err != nil {
			s.log.Warn("bootstrap api key not applied", zap.Error(err))
		}
	}

	if s.cfg.JWTSecret != "" {
		v, err := tenant.NewVerifier(s.cfg.JWTSecret)
		if err != nil {
			s.log.Warn("jwt verifier unavailable, token auth disabled", zap.Error(err))
		} else {
			s.verifier = v
		}
	}

	// Auth posture is decided at startup: the middleware comes up only when
	// there is something to authenticate against. A fresh deployment with an
	// empty key store and no JWT secret runs open instead of locking every
	// caller out before a key can be minted.
	hasKeys := s.keys != nil && len(s.keys.List()) > 0
	if !hasKeys && s.verifier == nil {
		s.log.Warn("no authentication configured, api is open")
		return
	}

	mw := auth.NewMiddleware(s.keys, []string{"/healthz", "/metrics"})
	if s.verifier != nil {
		mw.SetTokenValidator(func(token string) (*auth.Identity, error) {
			claims, err := s.verifier.Parse(token)
			if err != nil {
				return nil, err
			}
			return &auth.Identity{
				TenantID: claims.TenantID,
				UserID:   claims.UserID,
				Roles:    claims.Roles,
			}, nil
		})
	}
	s.authMW = mw
}

// initSimilarity feature-detects embeddings on the configured provider.
// Anthropic has no embeddings endpoint, so similarity search is typically
// available only with the OpenAI provider.
func (s *Server) initSimilarity() {
	if !s.cfg.HasLLM() {
		return
	}
	cl, err := llm.New(llm.Config{
		Provider: s.cfg.LLM.Provider,
		BaseURL:  s.cfg.LLM.BaseURL,
		APIKey:   s.cfg.LLM.APIKey,
		Model:    s.cfg.LLM.Model,
	})
	if err != nil {
		s.log.Warn("llm client unavailable, finding similarity disabled", zap.Error(err))
		return
	}
	emb, ok := cl.(llm.Embedder)
	if !ok {
		s.log.Info("llm provider has no embeddings, finding similarity disabled",
			zap.String("provider", s.cfg.LLM.Provider))
		return
	}
	s.embedder = emb
	s.vectors = vector.NewMemory()
}

// Run starts the background consumers and serves HTTP until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.mirrorEvents(runCtx)
	if s.embedder != nil {
		go s.indexFindings(runCtx)
	}
	go s.hub.Run(runCtx)
	s.scheduler.Start(runCtx)
	defer s.scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control plane listening",
			zap.String("addr", s.cfg.ListenAddr),
			zap.String("version", Version),
			zap.Bool("auth", s.authMW != nil),
			zap.Bool("similarity", s.embedder != nil),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	s.log.Info("shutting down control plane")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases resources not tied to Run's context.
func (s *Server) Close() error {
	var errs []error
	if s.keys != nil {
		if err := s.keys.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ── Event mirror ─────────────────────────────────────────────────────

// mirrorEvents keeps the mission store and the Prometheus collectors in
// step with the event stream. Worker processes publish through Redis; the
// bridge forwards onto the bus, and this consumer is where those events
// become durable rows and scrape-able counters.
func (s *Server) mirrorEvents(ctx context.Context) {
	sub := s.bus.Subscribe("")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			metrics.RecordEventPublished(string(evt.Topic))
			switch evt.Topic {
			case mission.TopicStatus:
				s.mirrorStatus(ctx, evt)
			case mission.TopicFinding:
				s.mirrorFinding(evt)
			case mission.TopicScopeViolation:
				s.mirrorScopeViolation(evt)
			}
		}
	}
}

func (s *Server) mirrorStatus(ctx context.Context, evt mission.Event) {
	var body struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(evt.Payload, &body); err != nil || body.Status == "" {
		return
	}
	st := mission.Status(body.Status)

	errMsg := ""
	switch st {
	case mission.StatusFailed, mission.StatusKilled, mission.StatusExhausted:
		errMsg = body.Detail
	}
	if err := s.store.UpdateMissionStatus(ctx, evt.MissionID, st, errMsg); err != nil && !store.IsNotFound(err) {
		s.log.Warn("status mirror failed",
			zap.String("mission_id", evt.MissionID),
			zap.String("status", string(st)),
			zap.Error(err),
		)
	}

	s.trackActive(evt.MissionID, st)
	if st == mission.StatusExhausted {
		reason := body.Detail
		if reason == "" {
			reason = "unknown"
		}
		metrics.RecordBudgetStop(reason)
	}
	if st.Terminal() {
		s.recordMissionOutcome(ctx, evt.MissionID, st)
	}
}

// trackActive drives the sentry_active_missions gauge. A mission counts as
// active from its first non-terminal status event until a terminal one, no
// matter how many intermediate transitions it reports.
func (s *Server) trackActive(missionID string, st mission.Status) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	active := s.activeMissions[missionID]
	if st.Terminal() {
		if active {
			delete(s.activeMissions, missionID)
			metrics.ActiveMissions.Dec()
		}
		return
	}
	if !active {
		s.activeMissions[missionID] = true
		metrics.ActiveMissions.Inc()
	}
}

func (s *Server) recordMissionOutcome(ctx context.Context, missionID string, st mission.Status) {
	row, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		metrics.RecordMissionComplete(string(st), "unknown", 0, 0)
		return
	}
	var dur time.Duration
	if !row.StartedAt.IsZero() {
		end := time.Now().UTC()
		if !row.EndedAt.IsZero() {
			end = row.EndedAt
		}
		dur = end.Sub(row.StartedAt)
	}
	metrics.RecordMissionComplete(string(st), row.ScanType, dur, row.CostUSD)
}

func (s *Server) mirrorFinding(evt mission.Event) {
	var f mission.Finding
	if err := json.Unmarshal(evt.Payload, &f); err != nil || f.Severity == "" {
		return
	}
	metrics.RecordFinding(string(f.Severity))
}

func (s *Server) mirrorScopeViolation(evt mission.Event) {
	var v scope.Verdict
	if err := json.Unmarshal(evt.Payload, &v); err != nil || v.Decision == "" {
		return
	}
	metrics.RecordScopeDenial(string(v.Decision))
}

// ── Finding similarity index ─────────────────────────────────────────

func (s *Server) indexFindings(ctx context.Context) {
	sub := s.bus.Subscribe("", mission.TopicFinding)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			s.indexFinding(ctx, evt)
		}
	}
}

func (s *Server) indexFinding(ctx context.Context, evt mission.Event) {
	var f mission.Finding
	if err := json.Unmarshal(evt.Payload, &f); err != nil || f.ID == "" {
		return
	}
	text := findingText(f)

	embedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	vecs, err := s.embedder.Embed(embedCtx, []string{text})
	if err != nil || len(vecs) == 0 {
		s.log.Debug("finding embed failed", zap.String("finding_id", f.ID), zap.Error(err))
		return
	}
	ns := s.vectorNamespace(embedCtx, evt.MissionID)
	if err := s.vectors.Upsert(embedCtx, ns, f.ID, text, vecs[0]); err != nil {
		s.log.Debug("finding index failed", zap.String("finding_id", f.ID), zap.Error(err))
	}
}

func findingText(f mission.Finding) string {
	text := f.Title
	if f.Description != "" {
		text += "\n" + f.Description
	}
	return text
}

func (s *Server) vectorNamespace(ctx context.Context, missionID string) string {
	tenantID := ""
	if m, err := s.store.GetMission(ctx, missionID); err == nil {
		tenantID = m.TenantID
	}
	return tenant.NamespaceFor(tenantID).StoragePrefix()
}

// ── Middleware ───────────────────────────────────────────────────────

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusRecorder captures the response code for the request log. Flush and
// Hijack pass through so SSE streaming and WebSocket upgrades keep working
// behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// requirePermission enforces the permission model when authentication is
// configured. With no key store and no token verifier the API runs open and
// every check passes.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	if s.authMW == nil {
		return true
	}
	if !auth.IsAuthenticated(r.Context()) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return false
	}
	if !auth.HasPermissionFromContext(r.Context(), perm) {
		writeJSONError(w, http.StatusForbidden, "forbidden",
			fmt.Sprintf("insufficient permissions (required: %s)", perm))
		return false
	}
	return true
}

func (s *Server) withPermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePermission(w, r, perm) {
			return
		}
		next(w, r)
	}
}

// requestTenant resolves the tenant/user identity attached by the auth
// middleware. Unauthenticated requests run as the default tenant.
func requestTenant(ctx context.Context) (tenantID, userID string) {
	if id := auth.IdentityFromContext(ctx); id != nil {
		return id.TenantID, id.UserID
	}
	if key := auth.FromContext(ctx); key != nil {
		return "", "api:" + key.Name
	}
	return "", ""
}
