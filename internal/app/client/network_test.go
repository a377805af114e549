package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyChecker struct {
	up atomic.Bool
}

func (c *flakyChecker) HealthCheck(context.Context) error {
	if c.up.Load() {
		return nil
	}
	return errors.New("down")
}

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no availability change reported")
	}
	return false
}

func TestHealthMonitor_Watch(t *testing.T) {
	checker := &flakyChecker{}
	checker.up.Store(true)
	m := NewHealthMonitor(checker, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	changes := m.Watch(ctx)

	assert.True(t, receive(t, changes))
	checker.up.Store(false)
	assert.False(t, receive(t, changes))
	checker.up.Store(true)
	assert.True(t, receive(t, changes))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHealthMonitor_ReportsOnlyChanges(t *testing.T) {
	checker := &flakyChecker{}
	m := NewHealthMonitor(checker, 5*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := m.Watch(ctx)

	assert.False(t, receive(t, changes))
	select {
	case v := <-changes:
		t.Fatalf("unexpected report %v without a change", v)
	case <-time.After(50 * time.Millisecond):
	}
}
