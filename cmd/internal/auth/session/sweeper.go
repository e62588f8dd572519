package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every 15 minutes.
const DefaultSweepSchedule = "@every 15m"

// ExpiredRevoker is the part of Revoker the sweeper needs.
type ExpiredRevoker interface {
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically marks expired refresh tokens revoked.
//
// Expiry is already enforced on read; the sweep only keeps the revoked flag
// and reason honest for audits.
type Sweeper struct {
	target ExpiredRevoker
	cron   *cron.Cron
	log    *slog.Logger
	now    func() time.Time
}

// NewSweeper schedules target.RevokeExpired on schedule (cron spec or "@every").
func NewSweeper(target ExpiredRevoker, schedule string, log *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Sweeper{
		target: target,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:    log,
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		_, _ = s.RunOnce(context.Background())
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.target.RevokeExpired(ctx, s.now().UTC())
	if err != nil {
		s.log.Error("auth.sweep.fail", "error", err)
		return 0, err
	}
	if n > 0 {
		s.log.Info("auth.sweep", "revoked", n)
	}
	return n, nil
}
