package client

import (
	"context"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/datastore"
)

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthMonitor checks the server periodically and reports availability.
// The first check is always reported; after that only changes are.
type HealthMonitor struct {
	checker  healthChecker
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

var _ datastore.NetworkMonitor = (*HealthMonitor)(nil)

func NewHealthMonitor(checker healthChecker, interval time.Duration, log *slog.Logger) *HealthMonitor {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		log:      log.With("component", "health_monitor"),
	}
}

func (m *HealthMonitor) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		var last *bool
		for {
			up := m.check(ctx)
			if ctx.Err() != nil {
				return
			}
			if last == nil || *last != up {
				last = &up
				m.log.Info("server availability changed", "available", up)
				select {
				case out <- up:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (m *HealthMonitor) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.checker.HealthCheck(ctx); err != nil {
		m.log.Debug("health check failed", "error", err)
		return false
	}
	return true
}
