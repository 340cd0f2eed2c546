package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasksearch/internal/api"
	"tasksearch/internal/cache"
	"tasksearch/internal/config"
	"tasksearch/internal/db"
	"tasksearch/internal/events"
	"tasksearch/internal/openai"
	"tasksearch/internal/repository"
	"tasksearch/internal/scheduler"
	"tasksearch/internal/services"
	"tasksearch/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting task embedding search service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	jaegerShutdown, err := telemetry.InitJaeger("tasksearch", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Query embedding cache; absent Redis config degrades to a no-op.
	var queryCache cache.EmbeddingCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.OpenAIModel, cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisCache.Ping(pingCtx); err != nil {
			log.Printf("⚠️  Redis unreachable at %s: %v (query cache disabled)", cfg.RedisAddr, err)
			redisCache.Close()
		} else {
			queryCache = redisCache
			log.Printf("✓ Query embedding cache connected: %s", cfg.RedisAddr)
		}
		cancel()
	}
	defer queryCache.Close()

	openaiClient := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GeneratorTimeout)
	if cfg.OpenAIBaseURL != "" {
		openaiClient.BaseURL = cfg.OpenAIBaseURL
	}
	log.Println("✓ OpenAI client initialized")

	embRepo := repository.NewEmbeddingRepository(database.DB)

	// The ivfflat index is sized from the completed row count, so it is
	// built after migration and rebuilt periodically as the table grows.
	indexMgr := repository.NewIndexManager(database.DB)
	indexCtx, indexCancel := context.WithCancel(context.Background())
	defer indexCancel()
	if err := indexMgr.Ensure(indexCtx); err != nil {
		log.Printf("⚠️  Vector index setup failed: %v (searches fall back to seq scan)", err)
	}
	go func() {
		ticker := time.NewTicker(cfg.IndexRebuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-indexCtx.Done():
				return
			case <-ticker.C:
				if err := indexMgr.Ensure(indexCtx); err != nil {
					log.Printf("⚠️  Vector index rebuild failed: %v", err)
				}
			}
		}
	}()

	hub := events.NewHub()
	hub.Start()

	sched := scheduler.NewScheduler(openaiClient, embRepo, hub, scheduler.Config{
		Workers:      cfg.Workers,
		SubBatchSize: cfg.SubBatchSize,
		QueueSize:    cfg.JobQueueSize,
	})
	sched.Start()

	searchService := services.NewSearchService(openaiClient, embRepo, queryCache, cfg.SearchTimeout)
	statusService := services.NewStatusService(embRepo, sched, hub)

	handler := api.NewHandler(sched, searchService, statusService, hub)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/tasks                    - Submit task batch for embedding")
		log.Printf("   POST   /api/search                   - Similarity search")
		log.Printf("   GET    /api/records/:id              - Get record")
		log.Printf("   GET    /api/records/:id/status       - Poll record status")
		log.Printf("   POST   /api/records/:id/reprocess    - Retry failed record")
		log.Printf("   GET    /api/parents                  - List parents")
		log.Printf("   GET    /api/parents/:id/records      - List parent records")
		log.Printf("   DELETE /api/parents/:id/records      - Delete parent records")
		log.Printf("   GET    /api/jobs/:id                 - Poll generation job")
		log.Printf("   GET    /ws/updates                   - Lifecycle event stream")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Stop admitting requests first, then drain the pipeline behind them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	sched.Shutdown()
	hub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
