package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-order-enrichment/internal/catalog"
	"go-order-enrichment/internal/config"
	"go-order-enrichment/internal/enrich"
	"go-order-enrichment/internal/lock"
	"go-order-enrichment/internal/queue"
	"go-order-enrichment/internal/retryqueue"
	"go-order-enrichment/internal/search"
	"go-order-enrichment/internal/store"
	"go-order-enrichment/internal/worker"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	orders, err := store.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// The unique orderId index is the backstop against lock loss; refuse
	// to consume anything before it is verified in place.
	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orders.EnsureSchema(schemaCtx); err != nil {
		schemaCancel()
		slog.Error("schema bootstrap failed", "component", "worker", "error", err)
		os.Exit(1)
	}
	schemaCancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("redis connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}
	pingCancel()

	searchClient, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(cfg.RabbitMQURL, cfg.OrdersQueue, cfg.ConsumerTag, cfg.ConsumerPrefetch)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	dlqPublisher, err := queue.NewPublisher(cfg.RabbitMQURL, cfg.OrdersDLQ)
	if err != nil {
		slog.Error("rabbitmq dlq publisher failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Engine ─────────────────────────────────────────────────────────────────

	catalogClient := catalog.New(catalog.Config{
		BaseURL:         cfg.CatalogBaseURL,
		Timeout:         cfg.CatalogTimeout,
		BreakerWindow:   cfg.CatalogBreakerWindow,
		BreakerRatio:    cfg.CatalogBreakerRatio,
		BreakerCooldown: cfg.CatalogBreakerCooldown,
		RetryAttempts:   cfg.CatalogRetryAttempts,
		RetryWait:       cfg.CatalogRetryWait,
	})

	locks := lock.New(rdb, cfg.LockWait, cfg.LockLease)

	retries := retryqueue.New(rdb, retryqueue.Policy{
		InitialDelay:        cfg.RetryInitialDelay,
		Multiplier:          cfg.RetryMultiplier,
		MaxDelay:            cfg.RetryMaxDelay,
		MaxAttempts:         cfg.RetryMaxAttempts,
		NotFoundMaxAttempts: cfg.RetryNotFoundMaxAttempts,
	})

	enricher := enrich.New(catalogClient, orders)
	pipeline := worker.NewPipeline(enricher, locks, retries, searchClient, dlqPublisher)
	w := worker.NewWorker(consumer, pipeline, cfg.ConsumerConcurrency)

	scheduler, err := worker.NewScheduler(retries, pipeline, cfg.SchedulerInterval).Start()
	if err != nil {
		slog.Error("scheduler start failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Metrics endpoint ───────────────────────────────────────────────────────

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "component", "worker", "error", err)
		}
	}()

	// ── Run ────────────────────────────────────────────────────────────────────
	//
	// ctx is cancelled on SIGINT/SIGTERM, which causes w.Run to drain the
	// in-flight messages and return cleanly before we close connections.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "worker", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Run() has returned — the consume loop is done.
	// Stop the scheduler (waits for a running drain), then close
	// connections in reverse init order.

	<-scheduler.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsSrv.Shutdown(shutdownCtx) //nolint:errcheck
	shutdownCancel()

	dlqPublisher.Close()
	consumer.Close()
	rdb.Close()
	orders.Close()

	slog.Info("worker stopped", "component", "worker")
}
