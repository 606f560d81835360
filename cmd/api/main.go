package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"findernate-realtime/internal/auth"
	"findernate-realtime/internal/calls"
	"findernate-realtime/internal/chat"
	"findernate-realtime/internal/config"
	"findernate-realtime/internal/httpapi"
	"findernate-realtime/internal/presence"
	"findernate-realtime/internal/realtime"
	"findernate-realtime/internal/rooms"
	"findernate-realtime/pkg/logger"
	"findernate-realtime/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; env vars always win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Each process gets its own identity; presence entries and broker
	// frames are tagged with it.
	processID := uuid.NewString()

	router := realtime.NewRouter(processID, realtime.NewRedisBroker(rdb, log), log)
	go router.Run(rootCtx)

	registry := presence.NewRegistry(presence.NewRedisStore(rdb), processID, cfg.Calls.PresenceTTL, log)
	chatService := chat.NewService(db)

	var provider rooms.Provider = rooms.Disabled{}
	if cfg.Rooms.Enabled() {
		provider = rooms.NewHundredMS(cfg.Rooms)
	}
	log.Info("room provider configured", "provider", provider.Name())

	callService := calls.NewService(
		calls.NewPostgresRepo(db),
		provider,
		chatService,
		router,
		registry,
		cfg.Calls.RingTimeout,
		log,
	)
	go calls.NewReaper(callService, cfg.Calls.ReaperInterval, log).Run(rootCtx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		AuthMW:  auth.RequireAccessToken(authManager),
		API:     httpapi.Handlers{Auth: authManager},
		Calls:   calls.Handlers{Calls: callService},
		WS:      realtime.NewWSHandler(authManager, router, registry, chatService, callService, log),
		Webhook: rooms.WebhookHandler{Reconciler: callService, Secret: cfg.Rooms.WebhookSecret},
		DB:      db,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Websocket connections outlive these; gorilla takes over the
		// underlying conn after the upgrade.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "process_id", processID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
