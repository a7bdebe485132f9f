package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/robfig/cron/v3"
)

// Retention defaults.
const (
	// DefaultRetentionSpec runs the pruning sweep daily at 03:00.
	DefaultRetentionSpec = "0 3 * * *"
	// DefaultRetentionMaxAge is how long terminal runs and events are kept.
	DefaultRetentionMaxAge = 30 * 24 * time.Hour
)

// Retention prunes terminal runs and old events on a cron schedule. Active
// runs are never touched regardless of age.
type Retention struct {
	runs   store.RunRepo
	events store.EventRepo
	maxAge time.Duration
	cron   *cron.Cron
}

// RetentionOption defines a configuration option for Retention.
type RetentionOption func(*Retention)

// WithRetentionMaxAge sets how long terminal runs and events are kept.
func WithRetentionMaxAge(d time.Duration) RetentionOption {
	return func(r *Retention) { r.maxAge = d }
}

// NewRetention creates a retention pruner over the given repositories.
func NewRetention(runs store.RunRepo, events store.EventRepo, opts ...RetentionOption) *Retention {
	r := &Retention{
		runs:   runs,
		events: events,
		maxAge: DefaultRetentionMaxAge,
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the pruning job under the given cron spec and starts the
// cron runner in its own goroutine.
func (r *Retention) Start(spec string) error {
	if spec == "" {
		spec = DefaultRetentionSpec
	}
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.Sweep(time.Now().UTC()); err != nil {
			slog.Error("Retention: scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention cron spec %q: %w", spec, err)
	}
	r.cron.Start()
	slog.Info("Retention.Start: pruning scheduled", "spec", spec, "maxAge", r.maxAge)
	return nil
}

// Stop halts the cron runner. Does not wait for an in-flight sweep.
func (r *Retention) Stop() {
	r.cron.Stop()
}

// Sweep deletes terminal runs and events older than the retention window.
func (r *Retention) Sweep(now time.Time) error {
	cutoff := now.Add(-r.maxAge)

	runsDeleted, err := r.runs.DeleteTerminalRunsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune terminal runs: %w", err)
	}
	eventsDeleted, err := r.events.DeleteEventsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}
	if runsDeleted > 0 || eventsDeleted > 0 {
		slog.Info("Retention.Sweep: pruned old records", "runs", runsDeleted, "events", eventsDeleted, "cutoff", cutoff)
	}
	return nil
}
