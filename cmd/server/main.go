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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"chatlink/internal/chat"
	"chatlink/internal/config"
	"chatlink/internal/db"
	"chatlink/internal/logger"
	"chatlink/internal/metrics"
	myMiddleware "chatlink/internal/middleware"
	"chatlink/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.LoadServer(pflag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("❌ Invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("❌ Server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Server, log *slog.Logger) error {
	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer). Without it deliveries stay on
	// this instance.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		defer redisClient.Close()
		log.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)
	} else {
		log.Warn("REDIS_ADDR is empty, running as a single instance")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	// 5. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(redisClient, chatRepo, userService, metrics.NewBroker(reg), log, chat.HubOptions{
		SendRate:  cfg.SendRate,
		SendBurst: cfg.SendBurst,
	})
	chatHandler := chat.NewHandler(hub, chatRepo)
	userHandler := user.NewHandler(userService, hub, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)
	r.Post("/auth/refresh", userHandler.Refresh)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// WebSocket (Real-time). STOMP CONNECT carries the token.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/users/me", userHandler.Me)
		r.Get("/users", userHandler.List)
		r.Delete("/users", userHandler.Delete)
		r.Post("/user/update", userHandler.Update)
		r.Post("/users/update", userHandler.Update)
		r.Get("/messages/{recipientId}", chatHandler.GetMessages)
		r.Get("/latest-messages", chatHandler.GetLatestMessages)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return hub.SubscribeToRedis(ctx)
	})
	g.Go(func() error {
		log.Info("🚀 Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("🛑 Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
