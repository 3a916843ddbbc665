package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	retentionInterval    = time.Hour
	cacheRefreshInterval = 30 * time.Second
)

// runMaintenance purges superseded daily records and rebuilds a stale leaderboard
// cache until ctx ends.
func (a *application) runMaintenance(ctx context.Context) {
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()
	refresh := time.NewTicker(cacheRefreshInterval)
	defer refresh.Stop()

	a.purgeExpired(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-retention.C:
			a.purgeExpired(ctx)
		case <-refresh.C:
			a.refreshCache(ctx)
		}
	}
}

func (a *application) purgeExpired(ctx context.Context) {
	cutoff := a.clock.DayOf(a.clock.Now().AddDate(0, 0, -a.cfg.RetentionDays))
	purged, err := a.tasks.PurgeBefore(ctx, cutoff)
	if err != nil {
		a.logger.Warn("daily record purge failed", zap.String("cutoff", cutoff.String()), zap.Error(err))
		return
	}
	if purged > 0 {
		a.logger.Info("daily records purged", zap.String("cutoff", cutoff.String()), zap.Int64("records", purged))
	}
}

func (a *application) refreshCache(ctx context.Context) {
	if a.cache == nil || !a.cache.Stale() {
		return
	}
	if err := a.cache.Rebuild(ctx, a.sql); err != nil {
		a.logger.Warn("leaderboard cache rebuild failed", zap.Error(err))
	}
}
