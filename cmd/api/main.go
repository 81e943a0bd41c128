package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/config"
	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/middleware"
	"github.com/decorai/decorai-api/internal/pkg/claude"
	"github.com/decorai/decorai-api/internal/pkg/database"
	"github.com/decorai/decorai-api/internal/pkg/jwt"
	"github.com/decorai/decorai-api/internal/pkg/logger"
	pkgresponse "github.com/decorai/decorai-api/internal/pkg/response"
	"github.com/decorai/decorai-api/internal/pkg/storage"
	"github.com/decorai/decorai-api/internal/realtime"
	"github.com/decorai/decorai-api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "api"})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting DecorAI API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- WebSocket hub ----------
	hub := realtime.NewHub(rdb)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Listen(hubCtx)

	// ---------- Services ----------
	ledger := credit.NewService(credit.NewRepository(db))
	catalog := style.NewCatalog(style.NewRepository(db), rdb)
	notifier := realtime.NewNotifier(hub)
	jobs := generation.NewRepository(db, ledger)
	scheduler := generation.NewScheduler(generation.NewQueue(rdb, cfg.GenerationAgingStep), rdb, generation.SchedulerConfig{
		Concurrency: cfg.GenerationConcurrency,
	})
	generationSvc := generation.NewService(jobs, catalog, newEnhancer(cfg), scheduler, notifier)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if rdb == nil {
		// Without Redis the queue lives in this process, so admission must too.
		go runInlineWorker(ctx, cfg, worker.Deps{
			Repo:      jobs,
			Scheduler: scheduler,
			Styles:    catalog,
			Notifier:  notifier,
		})
	}

	// ---------- Handlers ----------
	h := handlers{
		credits:     credit.NewHandler(ledger),
		styles:      style.NewHandler(catalog),
		generations: generation.NewHandler(generationSvc),
		ws:          realtime.NewHandler(hub, jwtService, cfg.AllowedOrigins),
	}

	if !cfg.R2Enabled() {
		local, err := storage.NewLocalStorage(cfg.LocalStoragePath, cfg.LocalStorageURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create local storage")
		}
		h.files = http.FileServer(http.Dir(local.Dir()))
	}

	r := newRouter(cfg, h, middleware.Auth(jwtService), middleware.InternalToken(cfg.InternalServiceToken))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newEnhancer(cfg *config.Config) *generation.Enhancer {
	if !cfg.PromptEnhancementEnabled() {
		return nil
	}
	return generation.NewEnhancer(
		claude.NewClient("", cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.PromptEnhanceTimeout),
		cfg.PromptEnhanceTimeout,
	)
}

func runInlineWorker(ctx context.Context, cfg *config.Config, deps worker.Deps) {
	backends, err := worker.NewBackends(cfg)
	if err != nil {
		// Submissions are still accepted; they stay queued until a worker runs.
		log.Error().Err(err).Msg("Generation backends unavailable, in-process worker not started")
		return
	}
	st, err := worker.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage")
	}
	deps.Backends = backends
	deps.Assets = worker.NewAssetStore(st)

	log.Info().Msg("Running generation worker in-process")
	if err := worker.New(cfg, deps).Run(ctx); err != nil {
		log.Error().Err(err).Msg("Inline generation worker stopped")
	}
}

type handlers struct {
	credits     *credit.Handler
	styles      *style.Handler
	generations *generation.Handler
	ws          *realtime.Handler
	files       http.Handler // local storage only
}

func newRouter(cfg *config.Config, h handlers, authMiddleware, serviceMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/ws", h.ws.WebSocket)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/generations", h.generations.Routes(authMiddleware))
		r.Mount("/credits", h.credits.Routes(authMiddleware))
		r.Mount("/styles", h.styles.Routes())
	})

	r.Mount("/internal/credits", h.credits.InternalRoutes(serviceMiddleware))

	if h.files != nil {
		prefix := filesPrefix(cfg.LocalStorageURL)
		r.Handle(prefix+"/*", http.StripPrefix(prefix, h.files))
	}

	return r
}

// filesPrefix is the path part of the local storage base URL.
func filesPrefix(baseURL string) string {
	p := baseURL
	if i := strings.Index(p, "://"); i >= 0 {
		p = p[i+3:]
		if j := strings.Index(p, "/"); j >= 0 {
			p = p[j:]
		} else {
			p = ""
		}
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/files"
	}
	return p
}
