package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/session"
)

// Sweeper expires abandoned sessions and retries failed submissions
type Sweeper interface {
	Sweep(ctx context.Context) (session.SweepResult, error)
}

// Pruner drops expired entries from an in-process store
type Pruner interface {
	Prune() int
}

// Cleaner runs periodic session maintenance
type Cleaner struct {
	sweeper  Sweeper
	pruners  []Pruner
	interval time.Duration
}

// NewCleaner creates a new cleanup worker
func NewCleaner(sweeper Sweeper, interval time.Duration, pruners ...Pruner) *Cleaner {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Cleaner{
		sweeper:  sweeper,
		pruners:  pruners,
		interval: interval,
	}
}

// Start begins the cleanup worker in a goroutine
func (c *Cleaner) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Cleaner) run(ctx context.Context) {
	slog.Info("cleanup worker started", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Run immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup cycle
func (c *Cleaner) RunOnce(ctx context.Context) session.SweepResult {
	slog.Debug("running cleanup cycle")

	result, err := c.sweeper.Sweep(ctx)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
	}

	if result.Expired > 0 || result.Retried > 0 {
		slog.Info("session sweep finished",
			"expired", result.Expired,
			"retried", result.Retried,
		)
	}

	for _, p := range c.pruners {
		if n := p.Prune(); n > 0 {
			slog.Debug("pruned expired snapshots", "count", n)
		}
	}

	return result
}
