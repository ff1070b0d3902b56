// Package maintenance runs the periodic housekeeping loop: retention
// pruning of old terminal sessions and, when configured, idle eviction of
// running sessions nobody is talking to.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
	"github.com/perchhq/perch/internal/session/models"
	"github.com/perchhq/perch/internal/session/service"
	"github.com/perchhq/perch/internal/session/store"
)

// Loop is the background maintenance task.
type Loop struct {
	store *store.Store
	svc   *service.Service
	log   *logger.Logger

	interval    time.Duration
	retention   time.Duration
	idleTimeout time.Duration

	now func() time.Time
}

// New creates a maintenance loop from the configured intervals.
func New(st *store.Store, svc *service.Service, cfg config.MaintenanceConfig, log *logger.Logger) *Loop {
	return &Loop{
		store:       st,
		svc:         svc,
		log:         log.WithFields(zap.String("component", "maintenance")),
		interval:    cfg.IntervalDuration(),
		retention:   cfg.Retention(),
		idleTimeout: cfg.IdleTimeout(),
		now:         time.Now,
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Exported so tests drive passes directly
// instead of sleeping through the ticker.
func (l *Loop) Tick(ctx context.Context) {
	l.prune(ctx)
	l.evictIdle(ctx)
}

func (l *Loop) prune(ctx context.Context) {
	if l.retention <= 0 {
		return
	}
	cutoff := l.now().Add(-l.retention)
	removed, err := l.store.PruneSessions(ctx, cutoff)
	if err != nil {
		l.log.Warn("retention pruning failed", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		l.log.Info("pruned old sessions",
			zap.Int("count", len(removed)),
			zap.Strings("session_ids", removed))
	}
}

// evictIdle stops running sessions whose last activity is older than the
// idle threshold. Goes through the service so the usual STOPPING → runner
// stop → STOPPED path applies.
func (l *Loop) evictIdle(ctx context.Context) {
	if l.idleTimeout <= 0 {
		return
	}
	sessions, err := l.store.ListSessions(ctx)
	if err != nil {
		l.log.Warn("idle eviction list failed", zap.Error(err))
		return
	}
	cutoff := l.now().Add(-l.idleTimeout)
	for _, sess := range sessions {
		if sess.State != models.StateRunning {
			continue
		}
		last := sess.LastActivityAt
		if last == nil {
			last = sess.StartedAt
		}
		if last == nil || !last.Before(cutoff) {
			continue
		}
		l.log.Info("evicting idle session",
			zap.String("session_id", sess.ID),
			zap.Time("last_activity_at", *last))
		if _, err := l.svc.Stop(ctx, sess.ID); err != nil {
			l.log.Warn("idle eviction stop failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}
}
