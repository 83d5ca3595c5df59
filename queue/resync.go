package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/klppl/fedcore"
)

// DefaultResyncInterval is used when a Resyncer's Interval is zero: remote
// actors are refreshed every 24h by default.
const DefaultResyncInterval = 24 * time.Hour

// resyncPause is a small delay between successive actor refreshes within
// one resync pass, so a large actor set doesn't hammer remote servers in
// a tight loop.
const resyncPause = 300 * time.Millisecond

// Resyncer periodically re-dereferences every actor the application
// currently knows about, invalidating the fetch cache first so each
// refresh actually reaches the network rather than returning a cached
// body. Applications supply ListActors and RefreshOne; this package only
// owns the ticking and pacing.
type Resyncer struct {
	ListActors func(ctx context.Context) ([]string, error)
	RefreshOne func(ctx context.Context, actorURL string) error
	Interval   time.Duration
	// Trigger, if non-nil, causes an immediate out-of-cycle resync pass
	// when sent to.
	Trigger <-chan struct{}
	Logger  *slog.Logger
}

// Run begins the periodic resync loop and blocks until ctx is cancelled.
// It does not run an initial pass on startup; the first pass happens
// after one Interval, or immediately on the first Trigger send.
func (r *Resyncer) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultResyncInterval
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("resyncer started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("resyncer stopped")
			return
		case <-ticker.C:
			r.runPass(ctx, logger)
		case <-r.Trigger:
			logger.Info("resync triggered manually")
			r.runPass(ctx, logger)
		}
	}
}

func (r *Resyncer) runPass(ctx context.Context, logger *slog.Logger) {
	actors, err := r.ListActors(ctx)
	if err != nil {
		logger.Warn("resync: failed to list actors", "error", err)
		return
	}
	if len(actors) == 0 {
		logger.Debug("resync: no actors to refresh")
		return
	}

	logger.Info("resync: starting actor refresh", "count", len(actors))
	ok, failed := 0, 0
	for _, actorURL := range actors {
		select {
		case <-ctx.Done():
			logger.Info("resync: interrupted", "ok", ok, "failed", failed)
			return
		default:
		}

		fedcore.InvalidateFetchCache(actorURL)
		if err := r.RefreshOne(ctx, actorURL); err != nil {
			logger.Debug("resync: actor refresh failed", "actor", actorURL, "error", err)
			failed++
		} else {
			ok++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resyncPause):
		}
	}
	logger.Info("resync: complete", "ok", ok, "failed", failed, "total", ok+failed)
}
