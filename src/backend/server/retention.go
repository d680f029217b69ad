package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// IdleLister finds sessions with no activity since a cutoff
type IdleLister interface {
	IdleSessions(ctx context.Context, before time.Time) ([]string, error)
}

// SessionDeleter destroys a session's mapping table and transcript
type SessionDeleter interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// RetentionSweeper periodically deletes sessions idle longer than the TTL.
// It is the only path besides explicit deletion that destroys a mapping table.
type RetentionSweeper struct {
	lister  IdleLister
	deleter SessionDeleter
	ttl     time.Duration
	now     func() time.Time
	cron    *cron.Cron
	logger  *zap.Logger
}

func NewRetentionSweeper(lister IdleLister, deleter SessionDeleter, ttl time.Duration, logger *zap.Logger) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionSweeper{
		lister:  lister,
		deleter: deleter,
		ttl:     ttl,
		now:     time.Now,
		cron:    cron.New(),
		logger:  logger.Named("retention"),
	}
}

// Start schedules the sweep on a cron expression such as "@hourly"
func (r *RetentionSweeper) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep
func (r *RetentionSweeper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep deletes every idle session and returns how many were removed. A
// failing deletion is logged and the sweep continues.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl)
	ids, err := r.lister.IdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := r.deleter.DeleteSession(ctx, id); err != nil {
			r.logger.Warn("failed to delete idle session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		r.logger.Info("deleted idle sessions", zap.Int("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
