// Package server exposes the pipeline, scheduler, key store and event
// feed over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeflow/internal/config"
	"forgeflow/internal/db"
	"forgeflow/internal/events"
	"forgeflow/internal/fallback"
	"forgeflow/internal/keystore"
	"forgeflow/internal/llm"
	"forgeflow/internal/logging"
	"forgeflow/internal/metrics"
	"forgeflow/internal/pipeline"
	"forgeflow/internal/quota"
	"forgeflow/internal/scheduler"
)

// PipelineRunner is the slice of the orchestrator the API needs.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.RunRequest, progress pipeline.ProgressFunc) *pipeline.Result
	Registry() *pipeline.Registry
}

// UsageReporter exposes a provider client's cumulative usage counters.
type UsageReporter interface {
	GetUsage() *llm.ProviderUsage
}

// Server wires the HTTP surface to the core services. Every dependency
// is injected; optional ones (hub, selector, database, keys) may be nil
// and their endpoints degrade gracefully.
type Server struct {
	cfg      *config.Config
	runner   PipelineRunner
	sched    *scheduler.Scheduler
	tracker  *quota.Tracker
	selector *fallback.Selector
	keys     *keystore.Store
	hub      *events.Hub
	database *db.Database
	primary  UsageReporter
	tokens   *TokenService
	limiter  *IPRateLimiter
	log      *zap.Logger
	started  time.Time
}

// Options carries the optional Server dependencies.
type Options struct {
	Selector *fallback.Selector
	Keys     *keystore.Store
	Hub      *events.Hub
	Database *db.Database
	Primary  UsageReporter
}

// NewServer builds the API server. Authentication is enabled when the
// config carries a JWT secret.
func NewServer(cfg *config.Config, runner PipelineRunner, sched *scheduler.Scheduler, tracker *quota.Tracker, opts Options) *Server {
	return &Server{
		cfg:      cfg,
		runner:   runner,
		sched:    sched,
		tracker:  tracker,
		selector: opts.Selector,
		keys:     opts.Keys,
		hub:      opts.Hub,
		database: opts.Database,
		primary:  opts.Primary,
		tokens:   NewTokenService(cfg.JWTSecret),
		limiter:  NewIPRateLimiter(cfg.APIRateLimitPerMin, cfg.APIRateLimitPerMin/4+1),
		log:      logging.Named("server"),
		started:  time.Now(),
	}
}

// Tokens exposes the token service so tooling can mint credentials.
func (s *Server) Tokens() *TokenService { return s.tokens }

// Close releases server-owned background resources.
func (s *Server) Close() { s.limiter.Stop() }

// Router assembles the gin engine with the full middleware chain and
// every route.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger())
	router.Use(metrics.PrometheusMiddleware())
	router.Use(CORS(s.cfg.CORSAllowedOrigins))
	router.Use(Security())
	router.Use(s.limiter.Middleware())

	router.GET("/health", s.Health)
	router.GET("/metrics", metrics.PrometheusHandler())
	if s.hub != nil {
		router.GET("/ws", s.hub.HandleWebSocket)
	}

	api := router.Group("/api")
	api.Use(RequireToken(s.tokens))
	{
		api.POST("/pipeline/run", s.RunPipeline)
		api.GET("/quota", s.QuotaStatus)
		api.GET("/scheduler/metrics", s.SchedulerMetrics)
		api.POST("/scheduler/cancel/:id", s.CancelRequest)
		api.GET("/providers", s.ListProviders)
		api.GET("/keys", s.ListKeys)
		api.PUT("/keys/:provider", s.SaveKey)
		api.DELETE("/keys/:provider", s.DeleteKey)
		api.GET("/agents", s.ListAgents)
		api.PUT("/agents/:role", s.UpdateAgent)
	}

	return router
}

// Health reports liveness plus the quota gate state. Kept fast for load
// balancer probes; the database is only pinged when one is attached.
func (s *Server) Health(c *gin.Context) {
	health := s.tracker.Snapshot()

	dbState := "not configured"
	if s.database != nil {
		dbState = "connected"
		if err := s.database.Health(); err != nil {
			dbState = "unreachable"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "forgeflow",
		"environment":    s.cfg.Environment,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"database":       dbState,
		"quota": gin.H{
			"cooling_down": health.CoolingDown,
			"degraded":     health.Degraded,
		},
	})
}

// RunPipeline executes a pipeline run. With ?async=true the run is
// started in the background and only the run ID is returned; progress
// then flows through the websocket feed.
func (s *Server) RunPipeline(c *gin.Context) {
	var req pipeline.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.UserPrompt == "" {
		abortError(c, http.StatusBadRequest, "PROMPT_REQUIRED", "user_prompt is required")
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	var progress pipeline.ProgressFunc
	if s.hub != nil {
		progress = s.hub.ProgressFunc(req.RunID)
	}

	if c.Query("async") == "true" || c.Query("async") == "1" {
		go s.runner.Run(context.Background(), req, progress)
		s.log.Info("pipeline run accepted", zap.String("run_id", req.RunID))
		c.JSON(http.StatusAccepted, gin.H{
			"run_id": req.RunID,
			"status": "accepted",
			"events": "/ws?rooms=" + req.RunID,
		})
		return
	}

	res := s.runner.Run(c.Request.Context(), req, progress)

	status := http.StatusOK
	if res.FailureType == pipeline.FailureCooldown {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, res)
}

// QuotaStatus returns the tracker snapshot plus the recent block log.
func (s *Server) QuotaStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"health": s.tracker.Snapshot(),
		"blocks": s.tracker.BlockLog(),
	})
}

// SchedulerMetrics returns queue depth and window usage.
func (s *Server) SchedulerMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Metrics())
}

// CancelRequest cancels one queued request by ID.
func (s *Server) CancelRequest(c *gin.Context) {
	id := c.Param("id")
	if !s.sched.Cancel(id) {
		abortError(c, http.StatusNotFound, "REQUEST_NOT_FOUND", "no queued request with id "+id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "request_id": id})
}

// ListProviders reports the primary provider plus the fallback chain's
// availability.
func (s *Server) ListProviders(c *gin.Context) {
	fallbacks := []fallback.ProviderStatus{}
	if s.selector != nil {
		fallbacks = s.selector.Status()
	}

	primary := gin.H{
		"name":       "gemini",
		"configured": s.cfg.GeminiAPIKey != "",
	}
	if s.primary != nil {
		primary["usage"] = s.primary.GetUsage()
	}

	c.JSON(http.StatusOK, gin.H{
		"primary":   primary,
		"fallbacks": fallbacks,
	})
}

// ListKeys returns masked metadata for every stored provider key.
func (s *Server) ListKeys(c *gin.Context) {
	if s.keys == nil {
		abortError(c, http.StatusServiceUnavailable, "KEYSTORE_DISABLED", "key store is not configured")
		return
	}
	infos, err := s.keys.List()
	if err != nil {
		abortError(c, http.StatusInternalServerError, "KEYSTORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": infos})
}

type saveKeyRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	Label  string `json:"label"`
}

// SaveKey encrypts and upserts a provider key.
func (s *Server) SaveKey(c *gin.Context) {
	if s.keys == nil {
		abortError(c, http.StatusServiceUnavailable, "KEYSTORE_DISABLED", "key store is not configured")
		return
	}
	var req saveKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	provider := c.Param("provider")
	if err := s.keys.Save(provider, req.APIKey, req.Label); err != nil {
		abortError(c, http.StatusBadRequest, "KEY_SAVE_FAILED", err.Error())
		return
	}
	s.log.Info("provider key saved", zap.String("provider", provider))
	c.JSON(http.StatusOK, gin.H{"saved": true, "provider": provider})
}

// DeleteKey removes a stored provider key.
func (s *Server) DeleteKey(c *gin.Context) {
	if s.keys == nil {
		abortError(c, http.StatusServiceUnavailable, "KEYSTORE_DISABLED", "key store is not configured")
		return
	}
	provider := c.Param("provider")
	if err := s.keys.Delete(provider); err != nil {
		if err == keystore.ErrKeyNotFound {
			abortError(c, http.StatusNotFound, "KEY_NOT_FOUND", "no key stored for provider "+provider)
			return
		}
		abortError(c, http.StatusInternalServerError, "KEYSTORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "provider": provider})
}

// ListAgents returns the per-stage agent configuration in stage order,
// along with the model catalog agents may be pointed at.
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents": s.runner.Registry().All(),
		"models": llm.KnownModels(),
	})
}

// UpdateAgent adjusts one stage agent's configuration.
func (s *Server) UpdateAgent(c *gin.Context) {
	var req pipeline.AgentConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.Role = pipeline.AgentRole(c.Param("role"))

	registry := s.runner.Registry()
	if err := registry.Update(req); err != nil {
		abortError(c, http.StatusBadRequest, "AGENT_UPDATE_FAILED", err.Error())
		return
	}
	updated, _ := registry.Get(req.Role)
	s.log.Info("agent updated", zap.String("role", string(req.Role)))
	c.JSON(http.StatusOK, gin.H{"agent": updated})
}
