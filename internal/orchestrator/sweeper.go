package orchestrator

import (
	"context"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// Purger deletes persisted sessions that closed before cutoff.
type Purger interface {
	DeleteClosedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig controls the background session sweeper.
type SweeperConfig struct {
	// MaxDuration closes live sessions older than this. Zero disables it.
	MaxDuration time.Duration
	Interval    time.Duration
	// Retention purges persisted sessions closed longer ago than this when
	// Purger is set. Zero keeps history forever.
	Retention time.Duration
	Purger    Purger
}

// StartSweeper runs a background goroutine that closes over-long sessions
// and purges old history until ctx is canceled.
func (o *Orchestrator) StartSweeper(ctx context.Context, cfg SweeperConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		o.logger.Info("Session sweeper started",
			"interval", interval,
			"max_duration", cfg.MaxDuration,
			"retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				o.sweep(ctx, cfg)
			case <-ctx.Done():
				o.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweep runs one pass and returns the number of sessions it closed.
func (o *Orchestrator) sweep(ctx context.Context, cfg SweeperConfig) int {
	now := o.cfg.Now()
	closed := 0

	if cfg.MaxDuration > 0 {
		for _, s := range o.Sessions() {
			if s.Age(now) < cfg.MaxDuration {
				continue
			}
			o.logger.Info("Closing session over max duration",
				"session_id", s.ID,
				"age", s.Age(now).Round(time.Second),
				"max_duration", cfg.MaxDuration)
			if o.CloseSession(s.ID, "max duration exceeded") {
				closed++
			}
		}
	}

	if cfg.Purger != nil && cfg.Retention > 0 {
		deleted, err := cfg.Purger.DeleteClosedSessionsBefore(ctx, now.Add(-cfg.Retention))
		if err != nil {
			o.logger.Error("Session sweeper failed to purge history", "error", err)
		} else if deleted > 0 {
			o.logger.Info("Session sweeper purged history", "count", deleted)
		}
	}
	return closed
}
