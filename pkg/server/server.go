// Package server exposes the agent registry and lifecycle operations over an
// HTTP/JSON API for orchestrators and dashboards.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/lifecycle"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/presenter"
	"github.com/jingkaihe/agentry/pkg/tracker"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// History is the read side of the modification tracker.
type History interface {
	History(ctx context.Context, agent string, limit int) ([]agenttypes.ModificationRecord, error)
	Stats(ctx context.Context) (tracker.Stats, error)
}

// Config holds the listen address of the API server
type Config struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Server serves the agent API
type Server struct {
	router    *mux.Router
	registry  *agents.Registry
	lifecycle *lifecycle.Manager
	history   History
	config    *Config
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. history may be nil when tracking is disabled.
func New(config *Config, registry *agents.Registry, manager *lifecycle.Manager, history History) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	if registry == nil || manager == nil {
		return nil, errors.New("server needs a registry and a lifecycle manager")
	}

	s := &Server{
		router:    mux.NewRouter(),
		registry:  registry,
		lifecycle: manager,
		history:   history,
		config:    config,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents", s.handleCreateAgent).Methods("POST")
	api.HandleFunc("/agents/{name}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/agents/{name}", s.handleUpdateAgent).Methods("PUT")
	api.HandleFunc("/agents/{name}", s.handleDeleteAgent).Methods("DELETE")
	api.HandleFunc("/agents/{name}/tiers", s.handleGetAgentTiers).Methods("GET")
	api.HandleFunc("/agents/{name}/state", s.handleGetAgentState).Methods("GET")
	api.HandleFunc("/agents/{name}/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/agents/{name}/restore", s.handleRestoreAgent).Methods("POST")
	api.HandleFunc("/agents/{name}/resolve", s.handleResolveConflict).Methods("POST")
	api.HandleFunc("/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/hybrids", s.handleHybrids).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/schema", s.handleSchema).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleListAgents handles GET /api/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := agents.Filter{
		Type:          query.Get("type"),
		Tier:          agenttypes.TierKind(query.Get("tier")),
		HybridOnly:    query.Get("hybrid") == "true",
		ValidatedOnly: query.Get("validated") == "true",
	}
	if v := query.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid min_score", err)
			return
		}
		filter.MinScore = score
	}

	list, err := s.registry.ListAgents(r.Context(), filter)
	if err != nil {
		s.writeError(w, "failed to list agents", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"agents": list, "total": len(list)})
}

// handleGetAgent handles GET /api/agents/{name}
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	meta, err := s.registry.GetAgent(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, "failed to get agent", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, meta)
}

func (s *Server) handleGetAgentTiers(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.GetAgentTiers(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, "failed to get agent tiers", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"tiers": records})
}

func (s *Server) handleGetAgentState(w http.ResponseWriter, r *http.Request) {
	state, err := s.lifecycle.GetAgentState(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, "failed to get agent state", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, state)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "modification history is disabled", nil)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	records, err := s.history.History(r.Context(), mux.Vars(r)["name"], limit)
	if err != nil {
		s.writeError(w, "failed to get history", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"records": records, "total": len(records)})
}

// AgentRequest is the body of create and update calls. Content wins over
// Header and Body when both are given.
type AgentRequest struct {
	Name     string                      `json:"name,omitempty"`
	Content  string                      `json:"content,omitempty"`
	Header   *agenttypes.DeclaredFields  `json:"header,omitempty"`
	Body     string                      `json:"body,omitempty"`
	Tier     agenttypes.TierKind         `json:"tier,omitempty"`
	Strategy agenttypes.WriteStrategy    `json:"strategy,omitempty"`
	Conflict agenttypes.ConflictStrategy `json:"conflict,omitempty"`
	BaseHash string                      `json:"base_hash,omitempty"`
	EditedAt time.Time                   `json:"edited_at,omitempty"`
}

func (req AgentRequest) content() ([]byte, error) {
	if req.Content != "" || req.Header == nil {
		return []byte(req.Content), nil
	}
	return agents.Render(*req.Header, req.Body)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" && req.Header != nil {
		req.Name = req.Header.Name
	}
	content, err := req.content()
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid agent header", err)
		return
	}

	out, err := s.lifecycle.CreateAgent(r.Context(), lifecycle.CreateRequest{
		Name:     req.Name,
		Content:  content,
		Tier:     req.Tier,
		Strategy: req.Strategy,
	})
	if err != nil {
		s.writeError(w, "failed to create agent", err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, out)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	content, err := req.content()
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid agent header", err)
		return
	}

	out, err := s.lifecycle.UpdateAgent(r.Context(), lifecycle.UpdateRequest{
		Name:     mux.Vars(r)["name"],
		Content:  content,
		Tier:     req.Tier,
		Strategy: req.Strategy,
		Conflict: req.Conflict,
		BaseHash: req.BaseHash,
		EditedAt: req.EditedAt,
	})
	if err != nil {
		s.writeError(w, "failed to update agent", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	tier := agenttypes.TierKind(r.URL.Query().Get("tier"))
	out, err := s.lifecycle.DeleteAgent(r.Context(), mux.Vars(r)["name"], tier)
	if err != nil {
		s.writeError(w, "failed to delete agent", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

type restoreRequest struct {
	BackupRef string `json:"backup_ref,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
}

func (s *Server) handleRestoreAgent(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	var (
		out *lifecycle.Outcome
		err error
	)
	if req.RecordID != "" {
		out, err = s.lifecycle.RestoreFromRecord(r.Context(), req.RecordID)
	} else {
		out, err = s.lifecycle.RestoreAgent(r.Context(), mux.Vars(r)["name"], req.BackupRef)
	}
	if err != nil {
		s.writeError(w, "failed to restore agent", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

type resolveRequest struct {
	Resolution persistence.Resolution `json:"resolution"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.lifecycle.ResolveConflict(r.Context(), mux.Vars(r)["name"], req.Resolution)
	if err != nil {
		s.writeError(w, "failed to resolve conflict", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, out)
}

// handleSearch handles GET /api/search with exactly one of capability,
// framework, domain, role or specialization.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	searches := []struct {
		key string
		fn  func(context.Context, string) ([]agenttypes.AgentMetadata, error)
	}{
		{"capability", s.registry.SearchByCapability},
		{"framework", s.registry.SearchByFramework},
		{"domain", s.registry.SearchByDomain},
		{"role", s.registry.SearchByRole},
		{"specialization", s.registry.SearchBySpecialization},
	}

	for _, search := range searches {
		value := query.Get(search.key)
		if value == "" {
			continue
		}
		list, err := search.fn(r.Context(), value)
		if err != nil {
			s.writeError(w, "failed to search agents", err)
			return
		}
		s.writeJSONResponse(w, http.StatusOK, map[string]any{"agents": list, "total": len(list)})
		return
	}
	s.writeErrorResponse(w, http.StatusBadRequest,
		"one of capability, framework, domain, role or specialization is required", nil)
}

func (s *Server) handleHybrids(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.GetHybridAgents(r.Context())
	if err != nil {
		s.writeError(w, "failed to list hybrid agents", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{"agents": list, "total": len(list)})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Registry *agents.Stats  `json:"registry"`
	History  *tracker.Stats `json:"history,omitempty"`
	Pending  int            `json:"pending_conflicts"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp, err := s.stats(ctx)
	if err != nil {
		s.writeError(w, "failed to compute statistics", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) stats(ctx context.Context) (*StatsResponse, error) {
	registryStats, err := s.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatsResponse{Registry: registryStats, Pending: len(s.lifecycle.Pending())}
	if s.history != nil {
		historyStats, err := s.history.Stats(ctx)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to read history statistics")
		} else {
			resp.History = &historyStats
		}
	}
	return resp, nil
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, agents.HeaderSchema())
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Agents     int     `json:"agents"`
	Validated  int     `json:"validated"`
	CacheHit   float64 `json:"cache_hit_rate"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := HealthResponse{
		Status:     "ok",
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	stats, err := s.registry.Stats(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("health check could not read the registry")
		health.Status = "degraded"
	} else {
		health.Agents = stats.Total
		health.Validated = stats.Validated
		if stats.Cache != nil {
			health.CacheHit = stats.Cache.HitRate
		}
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			health.RSSBytes = mem.RSS
		}
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSONResponse(w, status, health)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agenttypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agenttypes.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, agenttypes.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agenttypes.ErrReadOnly):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, err error) {
	s.writeErrorResponse(w, statusFor(err), message, err)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	}
	if err != nil {
		response["details"] = err.Error()
		entry := logger.G(context.TODO()).WithError(err)
		if statusCode >= http.StatusInternalServerError {
			entry.Error(message)
		} else {
			entry.Debug(message)
		}
	}

	var conflict *agenttypes.ConflictError
	if errors.As(err, &conflict) {
		response["operation_id"] = conflict.OperationID
		response["current_hash"] = conflict.CurrentHash
	}
	var validation *agenttypes.ValidationError
	if errors.As(err, &validation) && validation.MinScore > 0 {
		response["score"] = validation.Score
		response["min_score"] = validation.MinScore
	}

	s.writeJSONResponse(w, statusCode, response)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Serving the agent API on http://%s", address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "agent API server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Stop closes the listener immediately.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
