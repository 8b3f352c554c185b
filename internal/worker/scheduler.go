package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-order-enrichment/internal/metrics"
	"go-order-enrichment/internal/models"
	"go-order-enrichment/internal/retryqueue"

	"github.com/robfig/cron/v3"
)

// RetrySource is the slice of the retry queue the scheduler reads.
type RetrySource interface {
	Due(ctx context.Context, now time.Time) ([]models.FailedEntry, error)
	Stats(ctx context.Context) (retryqueue.Stats, error)
}

// statsInterval paces the slower depth-sampling tick.
const statsInterval = 5 * time.Minute

// Scheduler periodically drains due retry entries back through the
// pipeline. A tick handles its candidates sequentially; an overloaded
// tick simply leaves the remainder due for the next one.
type Scheduler struct {
	retries  RetrySource
	pipeline *Pipeline
	interval time.Duration
}

// NewScheduler constructs a Scheduler draining every interval.
func NewScheduler(retries RetrySource, pipeline *Pipeline, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{retries: retries, pipeline: pipeline, interval: interval}
}

// Start registers the drain and stats jobs and starts the scheduler.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c, err := sched.Start()
//	defer func() { <-c.Stop().Done() }() // waits for a running drain to finish
func (s *Scheduler) Start() (*cron.Cron, error) {
	// SkipIfStillRunning: a drain that outlives the interval must not
	// race a second drain over the same due list.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.interval)
		defer cancel()
		s.Drain(ctx)
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", statsInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.sampleStats(ctx)
	}); err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("retry scheduler started", "component", "scheduler", "interval", s.interval)
	return c, nil
}

// Drain runs one tick: fetch everything due now and re-feed each entry
// through the pipeline. Errors within one candidate never abort the tick —
// Pipeline.Retry records failures itself and returns nothing.
func (s *Scheduler) Drain(ctx context.Context) {
	due, err := s.retries.Due(ctx, time.Now())
	if err != nil {
		slog.Error("due scan failed", "component", "scheduler", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	slog.Info("draining retries", "component", "scheduler", "count", len(due))
	for _, entry := range due {
		s.pipeline.Retry(ctx, entry)
	}
}

func (s *Scheduler) sampleStats(ctx context.Context) {
	stats, err := s.retries.Stats(ctx)
	if err != nil {
		slog.Error("stats sample failed", "component", "scheduler", "error", err)
		return
	}
	metrics.RetryQueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
	metrics.RetryQueueDepth.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
	slog.Info("retry queue depth",
		"component", "scheduler", "failed", stats.Failed, "dead_letter", stats.DeadLetter)
}
