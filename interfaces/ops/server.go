// Package ops serves the internal operational surface: health probes,
// Prometheus metrics, projection checkpoints, the dead-letter queue, breaker
// state, graph resync, and consolidation settings. It binds to the private
// ops address and carries no tenant resolution or auth; tenancy is explicit
// in the ops endpoints that need it.
package ops

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cartograph-backend/application/consolidation"
	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/errors"
	"cartograph-backend/internal/metrics"
)

const (
	readyCheckTimeout  = 5 * time.Second
	defaultDLQLimit    = 50
	maxDLQLimit        = 500
	defaultResyncLimit = 100
	maxResyncLimit     = 1000
)

// HealthCheck is one readiness probe. Checks are closures so the wiring
// layer can hand in driver pings without this package importing drivers.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the stores and services the ops endpoints read from.
type Deps struct {
	Collector   *metrics.Collector
	Events      ports.EventStore
	Projections ports.ProjectionStore
	DLQ         ports.DLQStore
	Breaker     ports.CircuitBreaker
	Entities    ports.EntityRepository
	Writer      ports.EntityWriter
	Graph       ports.GraphStore
	Settings    *consolidation.SettingsService
	Checks      []HealthCheck
	Logger      *zap.Logger
}

// Server is the ops HTTP server.
type Server struct {
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server
}

func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("ops")}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. A closed-server return is not an error.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.deps.Collector.Registry(), promhttp.HandlerOpts{}))

	router.Route("/ops", func(r chi.Router) {
		r.Get("/checkpoints", s.handleCheckpoints)
		r.Get("/dlq", s.handleDLQList)
		r.Post("/dlq/{id}/resolve", s.handleDLQResolve)
		r.Get("/breaker", s.handleBreaker)
		r.Post("/graph/resync", s.handleGraphResync)
		r.Get("/consolidation/settings", s.handleSettingsGet)
		r.Put("/consolidation/settings", s.handleSettingsPut)
	})
	return router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz runs every registered dependency ping. Any failure makes
// the instance not ready; the failing checks are named in the body.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	failures := map[string]string{}
	for _, check := range s.deps.Checks {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type checkpointView struct {
	Projection      string    `json:"projection"`
	Position        int64     `json:"position"`
	Lag             int64     `json:"lag"`
	EventsProcessed int64     `json:"events_processed"`
	LastEventID     string    `json:"last_event_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	head, err := s.deps.Events.Head(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	checkpoints, err := s.deps.Projections.Checkpoints(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}

	views := make([]checkpointView, 0, len(checkpoints))
	for _, cp := range checkpoints {
		lag := head - cp.Position
		if lag < 0 {
			lag = 0
		}
		views = append(views, checkpointView{
			Projection:      cp.ProjectionName,
			Position:        cp.Position,
			Lag:             lag,
			EventsProcessed: cp.EventsProcessed,
			LastEventID:     cp.LastEventID,
			UpdatedAt:       cp.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": head, "checkpoints": views})
}

type dlqEntryView struct {
	ID             int64      `json:"id"`
	Projection     string     `json:"projection"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	GlobalPosition int64      `json:"global_position"`
	Error          string     `json:"error"`
	RetryCount     int        `json:"retry_count"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastFailedAt   time.Time  `json:"last_failed_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	projection := r.URL.Query().Get("projection")
	status := r.URL.Query().Get("status")
	if status == "" {
		status = ports.DLQPending
	}
	limit := queryInt(r, "limit", defaultDLQLimit, maxDLQLimit)

	entries, err := s.deps.DLQ.List(r.Context(), projection, status, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	pending, err := s.deps.DLQ.CountPending(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}

	views := make([]dlqEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, dlqEntryView{
			ID:             entry.ID,
			Projection:     entry.ProjectionName,
			EventID:        entry.EventID,
			EventType:      entry.EventType,
			GlobalPosition: entry.GlobalPosition,
			Error:          entry.ErrorMessage,
			RetryCount:     entry.RetryCount,
			Status:         entry.Status,
			CreatedAt:      entry.CreatedAt,
			LastFailedAt:   entry.LastFailedAt,
			ResolvedAt:     entry.ResolvedAt,
			ResolvedBy:     entry.ResolvedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views, "pending": pending})
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, errors.Validation("DLQ_BAD_ID", "dlq id must be an integer").Build())
		return
	}
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "ops"
	}

	if err := s.deps.DLQ.Resolve(r.Context(), id, body.ResolvedBy); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Info("dlq entry resolved",
		zap.Int64("id", id),
		zap.String("resolved_by", body.ResolvedBy))
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "id": id})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Breaker.State(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	retryAfter, err := s.deps.Breaker.RetryAfter(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":               state,
		"retry_after_seconds": retryAfter.Seconds(),
	})
}

// handleGraphResync re-mirrors entities whose graph write was missed,
// sweeping rows flagged unsynced. Failures are reported per entity and do
// not abort the sweep; the flag stays set so the next run retries them.
func (s *Server) handleGraphResync(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.respondError(w, errors.Validation("RESYNC_TENANT_REQUIRED", "tenant query parameter is required").Build())
		return
	}
	limit := queryInt(r, "limit", defaultResyncLimit, maxResyncLimit)

	entities, err := s.deps.Entities.ListUnsynced(r.Context(), tenantID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resynced := 0
	failed := []string{}
	for _, entity := range entities {
		nodeID, err := s.deps.Graph.UpsertEntity(r.Context(), entity)
		if err != nil {
			s.logger.Warn("graph resync upsert failed",
				zap.String("tenant_id", tenantID),
				zap.String("entity_id", entity.ID),
				zap.Error(err))
			failed = append(failed, entity.ID)
			continue
		}
		if err := s.deps.Writer.MarkSynced(r.Context(), tenantID, entity.ID, nodeID); err != nil {
			s.logger.Warn("graph resync write-back failed",
				zap.String("tenant_id", tenantID),
				zap.String("entity_id", entity.ID),
				zap.Error(err))
			failed = append(failed, entity.ID)
			continue
		}
		resynced++
	}

	s.logger.Info("graph resync swept",
		zap.String("tenant_id", tenantID),
		zap.Int("scanned", len(entities)),
		zap.Int("resynced", resynced),
		zap.Int("failed", len(failed)))
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":  len(entities),
		"resynced": resynced,
		"failed":   failed,
	})
}

type settingsView struct {
	TenantID           string             `json:"tenant_id"`
	AutoMergeThreshold float64            `json:"auto_merge_threshold"`
	ReviewThreshold    float64            `json:"review_threshold"`
	RejectThreshold    float64            `json:"reject_threshold"`
	FeatureWeights     map[string]float64 `json:"feature_weights"`
	EnableEmbedding    bool               `json:"enable_embedding"`
	EnableGraph        bool               `json:"enable_graph"`
	MaxBlockSize       int                `json:"max_block_size"`
	UpdatedBy          string             `json:"updated_by,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	ctx, ok := s.tenantScope(w, r)
	if !ok {
		return
	}
	settings, err := s.deps.Settings.Get(ctx)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(settings))
}

type settingsUpdateBody struct {
	AutoMergeThreshold *float64           `json:"auto_merge_threshold"`
	ReviewThreshold    *float64           `json:"review_threshold"`
	RejectThreshold    *float64           `json:"reject_threshold"`
	FeatureWeights     map[string]float64 `json:"feature_weights"`
	EnableEmbedding    *bool              `json:"enable_embedding"`
	EnableGraph        *bool              `json:"enable_graph"`
	MaxBlockSize       *int               `json:"max_block_size"`
	UpdatedBy          string             `json:"updated_by"`
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	ctx, ok := s.tenantScope(w, r)
	if !ok {
		return
	}
	var body settingsUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, errors.Validation("SETTINGS_BAD_BODY", "request body must be a settings update").Build())
		return
	}
	if body.UpdatedBy == "" {
		body.UpdatedBy = "ops"
	}

	updated, err := s.deps.Settings.Update(ctx, consolidation.SettingsUpdate{
		AutoMergeThreshold: body.AutoMergeThreshold,
		ReviewThreshold:    body.ReviewThreshold,
		RejectThreshold:    body.RejectThreshold,
		FeatureWeights:     body.FeatureWeights,
		EnableEmbedding:    body.EnableEmbedding,
		EnableGraph:        body.EnableGraph,
		MaxBlockSize:       body.MaxBlockSize,
		UpdatedBy:          body.UpdatedBy,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

// tenantScope resolves the explicit tenant query parameter into the request
// context. Returns false after writing the error when it is missing.
func (s *Server) tenantScope(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		s.respondError(w, errors.Validation("SETTINGS_TENANT_REQUIRED", "tenant query parameter is required").Build())
		return nil, false
	}
	return tenant.WithTenant(r.Context(), tenantID), true
}

func viewOf(s *cdomain.Settings) settingsView {
	return settingsView{
		TenantID:           s.TenantID,
		AutoMergeThreshold: s.AutoMergeThreshold,
		ReviewThreshold:    s.ReviewThreshold,
		RejectThreshold:    s.RejectThreshold,
		FeatureWeights:     s.FeatureWeights,
		EnableEmbedding:    s.EnableEmbedding,
		EnableGraph:        s.EnableGraph,
		MaxBlockSize:       s.MaxBlockSize,
		UpdatedBy:          s.UpdatedBy,
		UpdatedAt:          s.UpdatedAt,
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("ops request failed", zap.Error(err))
	}
	var unified *errors.UnifiedError
	if stderrors.As(err, &unified) {
		writeJSON(w, status, map[string]any{"error": unified.Message, "code": unified.Code})
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsType(err, errors.ErrorTypeRateLimit):
		return http.StatusTooManyRequests
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsType(err, errors.ErrorTypeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, fallback, ceiling int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
