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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/container/docker"
	"github.com/xctf-platform/sandboxd/internal/database"
	"github.com/xctf-platform/sandboxd/internal/dispatcher"
	"github.com/xctf-platform/sandboxd/internal/firewall"
	"github.com/xctf-platform/sandboxd/internal/handler"
	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/locks"
	"github.com/xctf-platform/sandboxd/internal/middleware"
	"github.com/xctf-platform/sandboxd/internal/notify"
	"github.com/xctf-platform/sandboxd/internal/service"
	"github.com/xctf-platform/sandboxd/internal/store"
	"github.com/xctf-platform/sandboxd/internal/version"
	"github.com/xctf-platform/sandboxd/internal/volume"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("xctf-sandboxd version %s", version.Get())

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed successfully")

	s := store.New(db.DB)

	redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisClient, err := locks.NewClient(redisCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	redisCancel()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	locker := locks.NewLocker(redisClient)
	publisher := notify.NewPublisher(redisClient)

	volumes, err := volume.NewManager(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize volume manager: %v", err)
	}

	runtime, err := docker.NewProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to container runtime: %v", err)
	}
	defer func() { _ = runtime.Close() }()

	fw := firewall.New(cfg)

	authSvc := service.NewAuthService(s)
	sandboxSvc := service.NewSandboxService(s, runtime, volumes, fw, locker, cfg)
	jobQueue := jobs.NewQueue(s, cfg)

	var disp *dispatcher.Service
	if cfg.DispatcherEnabled {
		disp = dispatcher.NewService(s, cfg)
		disp.RegisterExecutor(dispatcher.NewCleanupSandboxExecutor(sandboxSvc))
		disp.RegisterExecutor(dispatcher.NewDestroyNonStaticSandboxesExecutor(s, jobQueue, cfg.SandboxIdleTimeout))
		disp.RegisterExecutor(dispatcher.NewCleanupExpiredSessionsExecutor(s, sandboxSvc))
		disp.RegisterExecutor(dispatcher.NewCleanOrphanFirewallPortsExecutor(s, fw))
		disp.RegisterExecutor(dispatcher.NewRefreshSandboxesExecutor(sandboxSvc))
		disp.RegisterExecutor(dispatcher.NewSendNotificationExecutor(s, publisher))

		disp.SetQueue(jobQueue)
		jobQueue.SetNotifyFunc(disp.NotifyNewJob)

		disp.Start(context.Background())
		log.Printf("Job dispatcher started (server ID: %s)", disp.ServerID())

		// Cold-start firewall rebuild: reconcile nftables with the DB's
		// notion of active sandboxes before serving any traffic.
		coldStartCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := sandboxSvc.RefreshAll(coldStartCtx, true); err != nil {
			log.Printf("Warning: cold-start firewall rebuild failed: %v", err)
		} else {
			log.Println("Cold-start firewall rebuild completed")
		}
		cancel()
	} else {
		log.Println("Job dispatcher disabled")
	}

	h := handler.New(s, cfg, authSvc, sandboxSvc, jobQueue, disp, fw)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger)
	r.Use(chimiddleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/api/status", h.Status)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(authSvc, sandboxSvc))

		r.Get("/me", h.Me)
		r.Get("/challenges", h.ListChallenges)
		r.Post("/challenges/{name}/start", h.StartChallenge)
		r.Post("/challenges/{name}/submit", h.SubmitFlag)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/challenges", h.UpsertChallenge)
			r.Post("/challenges/{name}/active", h.SetChallengeActive)
			r.Post("/users/{userId}/ban", h.BanUser)
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if disp != nil {
		disp.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
