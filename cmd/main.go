package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"forgeflow/internal/cache"
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
	"forgeflow/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	log.Println("Starting Forgeflow - staged AI build pipeline")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Try parent directory for .env
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("WARNING: No .env file found, using environment variables")
		}
	}

	cfg := config.Load()
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatalf("CRITICAL: Invalid configuration: %v", err)
	}
	for _, w := range warnings {
		log.Printf("WARNING: %s", w)
	}
	log.Printf("Environment configuration loaded (%s)", cfg.Environment)

	logging.Init()
	defer logging.Sync()

	// Start a bootstrap HTTP listener immediately so health checks succeed
	// while slower initialization (database, providers) is still running.
	var startupReady atomic.Bool
	var activeRouter atomic.Value // stores *gin.Engine

	bootstrapRouter := gin.New()
	bootstrapRouter.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "starting",
			"ready":  startupReady.Load(),
		})
	})
	bootstrapRouter.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "server starting",
			"ready": startupReady.Load(),
		})
	})
	activeRouter.Store(bootstrapRouter)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Printf("Bootstrap HTTP listener started on port %s (health endpoint ready immediately)", cfg.Port)

	// Database: Postgres when DATABASE_URL is set, embedded SQLite otherwise.
	database, err := db.Open(cfg.DatabaseURL, cfg.KeystorePath)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to open database: %v", err)
	}
	defer database.Close()
	log.Println("Database connected")

	// Keystore: provider credentials encrypted at rest. A missing master key
	// is fatal in production; development falls back to an ephemeral key so
	// the service still starts, at the cost of stored keys not surviving a
	// restart.
	masterKey := cfg.MasterKey
	if masterKey == "" {
		if cfg.IsProduction() {
			log.Fatal("CRITICAL: SECRETS_MASTER_KEY is required in production")
		}
		masterKey, err = config.GenerateMasterKey()
		if err != nil {
			log.Fatalf("CRITICAL: Failed to generate master key: %v", err)
		}
		log.Println("WARNING: DEV ONLY: Using ephemeral SECRETS_MASTER_KEY (stored provider keys will not survive a restart)")
	}
	cipher, err := keystore.NewCipher(masterKey)
	if err != nil {
		log.Fatalf("CRITICAL: Invalid SECRETS_MASTER_KEY: %v", err)
	}
	keys, err := keystore.NewStore(database.DB, cipher)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize keystore: %v", err)
	}
	log.Println("Keystore ready (AES-256-GCM at rest)")

	// Quota tracker and the rate-limited scheduler everything funnels through.
	tracker := quota.NewTracker()
	sched := scheduler.New(scheduler.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		RequestsPerDay:    cfg.RequestsPerDay,
		MaxRetries:        cfg.MaxRetries,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		TickInterval:      cfg.TickInterval,
		MaxQueueDepth:     cfg.MaxQueueDepth,
	})
	sched.Start()
	log.Printf("Scheduler started (%d req/min, %d req/day, %d retries)",
		cfg.RequestsPerMinute, cfg.RequestsPerDay, cfg.MaxRetries)

	// Fallback provider chain, consulted when the primary runs out of quota.
	selector := fallback.NewSelector(
		fallback.DefaultProviders(cfg.GrokAPIKey, cfg.OpenAIAPIKey, cfg.OllamaBaseURL),
		keys,
	)
	log.Println("Fallback provider chain:")
	for _, p := range selector.Status() {
		state := "not configured"
		if p.Available {
			state = "ready (key: " + p.KeySource + ")"
		}
		log.Printf("   - %s (%s): %s", p.Name, p.Model, state)
	}

	// Primary provider client.
	client := llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL)
	if cfg.GeminiAPIKey != "" {
		log.Println("Gemini client initialized")
	} else {
		log.Println("WARNING: GEMINI_API_KEY not set; runs will rely on the fallback chain")
	}

	// Analyze-stage response cache, Redis-backed when REDIS_URL is set.
	var backend cache.Backend
	if cfg.RedisURL != "" {
		rb, rerr := cache.NewRedisBackend(cfg.RedisURL)
		if rerr != nil {
			log.Printf("WARNING: Redis unavailable (%v), using in-memory cache only", rerr)
		} else {
			backend = rb
			log.Println("Redis cache backend connected")
		}
	}
	cacheCfg := cache.DefaultConfig("analysis")
	if cfg.CacheTTL > 0 {
		cacheCfg.DefaultTTL = cfg.CacheTTL
	}
	analysisCache := cache.New(cacheCfg, backend)
	defer analysisCache.Close()

	// Pipeline orchestrator with the default five-agent registry.
	registry := pipeline.NewRegistry()
	orch := pipeline.New(client, sched, tracker, pipeline.Options{
		Registry:      registry,
		Selector:      selector,
		AnalysisCache: analysisCache,
	})
	log.Println("Pipeline ready (analyze -> generate -> quality -> harden -> validate)")

	// Websocket hub for run progress and scheduler activity.
	hub := events.NewHub(cfg.CORSAllowedOrigins)
	go hub.Run()
	sched.OnEvent(hub.SchedulerListener())

	metrics.Get().SetBuildInfo(getEnv("VERSION", "dev"), getEnv("GIT_COMMIT", "unknown"), getEnv("BUILD_DATE", "unknown"))
	log.Println("Prometheus metrics initialized")
	log.Println("   - Scheduler metrics: queue depth, window usage, retries")
	log.Println("   - Pipeline metrics: run outcomes, stage latency, quality scores")
	log.Println("   - Provider metrics: requests, fallbacks, cache hits")
	log.Println("   - Metrics endpoint: GET /metrics")

	srv := server.NewServer(cfg, orch, sched, tracker, server.Options{
		Selector: selector,
		Keys:     keys,
		Hub:      hub,
		Database: database,
		Primary:  client,
	})
	defer srv.Close()

	// Activate the full router now that all services are initialized.
	activeRouter.Store(srv.Router())
	startupReady.Store(true)

	if cfg.JWTSecret != "" {
		log.Println("API token auth enabled")
	} else {
		log.Println("WARNING: JWT_SECRET not set; API is open (development mode)")
	}
	log.Printf("Server ready on port %s", cfg.Port)
	log.Printf("Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("Event stream: ws://localhost:%s/ws", cfg.Port)
	log.Println("")
	log.Println("Forgeflow is ready!")

	// Graceful shutdown: listen for SIGTERM/SIGINT (K8s, Docker stop).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("CRITICAL: Failed to start server: %v", err)
	case sig := <-quit:
		log.Printf("Received signal %v, starting graceful shutdown...", sig)
	}

	// Give in-flight requests up to 15 seconds to complete.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP connections and drain existing ones.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	// 2. Close websocket sessions so clients reconnect elsewhere.
	hub.Shutdown()
	log.Println("Event hub stopped")

	// 3. Stop the scheduler loop; queued work is abandoned.
	sched.Stop()
	log.Println("Scheduler stopped")

	log.Println("Graceful shutdown complete")
}

func getEnv(key, fallbackValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallbackValue
}
