package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
)

// syncScheduler triggers delta sync passes on a fixed interval.
type syncScheduler struct {
	interval time.Duration
	run      func(ctx context.Context)
	log      *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func newSyncScheduler(interval time.Duration, run func(ctx context.Context), log *slog.Logger) *syncScheduler {
	return &syncScheduler{
		interval: interval,
		run:      run,
		log:      log.With("component", "sync_scheduler"),
	}
}

// Start schedules passes until ctx is done or Stop is called.
func (s *syncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		s.log.Debug("scheduled delta sync")
		s.run(ctx)
	}); err != nil {
		return fmt.Errorf("schedule delta sync: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("delta sync scheduled", "interval", s.interval)
	return nil
}

// Stop halts the schedule and waits for a running pass to return.
func (s *syncScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}
