package sla

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs the sweep every interval until its context ends.
type Scheduler struct {
	monitor  *Monitor
	interval time.Duration
	log      *zap.Logger

	Now func() time.Time
}

func NewScheduler(monitor *Monitor, interval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		monitor:  monitor,
		interval: interval,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sla scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sla scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.monitor.Sweep(ctx, s.Now()); err != nil && ctx.Err() == nil {
				s.log.Error("sla sweep failed", zap.Error(err))
			}
		}
	}
}
