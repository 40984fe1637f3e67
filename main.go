package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/config"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/database"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/handlers"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/logging"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/middleware"
)

const usage = `usage: chatsync <command> [flags]

commands:
  serve      run the chat backend and broker
  register   create an account and remember its session
  login      sign in and remember the session
  logout     forget the stored session
  watch      keep a sync session running and log what it sees`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.EnvLoaded {
		logger.Debug("no .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "register", "login":
		err = signIn(ctx, cfg, logger, cmd, args)
	case "logout":
		err = logout(ctx, cfg)
	case "watch":
		err = watch(ctx, cfg, logger, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", zap.Error(err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if cfg.JWTSecret == "change-me" {
		logger.Warn("using the default jwt secret, set CHATSYNC_JWT_SECRET")
	}

	var (
		backplane handlers.Backplane
		redisBP   *handlers.RedisBackplane
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		redisBP = handlers.NewRedisBackplane(rdb, handlers.DefaultBackplaneChannel, logger)
		backplane = redisBP
	}

	hub := handlers.NewHub(store, backplane, logger)
	go hub.Run(ctx)
	if redisBP != nil {
		go func() {
			if err := redisBP.Run(ctx, hub.Deliver); err != nil {
				logger.Error("backplane stopped", zap.Error(err))
			}
		}()
	}

	auth := middleware.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.NewAPI(store, auth, hub, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.ListenAddr), zap.Bool("backplane", redisBP != nil))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}
