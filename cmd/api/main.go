package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-order-enrichment/internal/api"
	"go-order-enrichment/internal/config"
	"go-order-enrichment/internal/retryqueue"
	"go-order-enrichment/internal/search"
	"go-order-enrichment/internal/store"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	orders, err := store.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("redis connect failed", "component", "api", "error", err)
		os.Exit(1)
	}
	pingCancel()

	searchClient, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "api", "error", err)
		os.Exit(1)
	}

	retries := retryqueue.New(rdb, retryqueue.Policy{
		InitialDelay:        cfg.RetryInitialDelay,
		Multiplier:          cfg.RetryMultiplier,
		MaxDelay:            cfg.RetryMaxDelay,
		MaxAttempts:         cfg.RetryMaxAttempts,
		NotFoundMaxAttempts: cfg.RetryNotFoundMaxAttempts,
	})

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Orders:  orders,
		Search:  searchClient,
		Retries: retries,
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	rdb.Close()
	orders.Close()

	slog.Info("shutdown complete", "component", "api")
}
