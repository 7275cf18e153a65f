package imagefetch

import (
	"context"
	"sync"
	"time"
)

// Default network-idle policy: at most two connections in flight for 500ms.
const (
	DefaultIdleMaxInflight = 2
	DefaultIdleWindow      = 500 * time.Millisecond
)

// IdlePolicy decides when navigation is considered settled. It is a
// heuristic: resources may still be loading when it is satisfied.
type IdlePolicy struct {
	MaxInflight int
	Window      time.Duration
}

// DefaultIdlePolicy returns the default network-idle policy.
func DefaultIdlePolicy() IdlePolicy {
	return IdlePolicy{MaxInflight: DefaultIdleMaxInflight, Window: DefaultIdleWindow}
}

// IdleTracker counts in-flight network requests reported by a browser driver.
// Drivers call RequestStarted/RequestFinished from their event callbacks.
type IdleTracker struct {
	policy IdlePolicy

	mu        sync.Mutex
	inflight  map[string]struct{}
	idleSince time.Time
	changed   chan struct{}
}

// NewIdleTracker builds a tracker that starts idle.
func NewIdleTracker(policy IdlePolicy) *IdleTracker {
	if policy.MaxInflight < 0 {
		policy.MaxInflight = 0
	}
	return &IdleTracker{
		policy:    policy,
		inflight:  make(map[string]struct{}),
		idleSince: time.Now(),
		changed:   make(chan struct{}, 1),
	}
}

// RequestStarted records a request as in flight. Repeated IDs (redirects)
// count once.
func (t *IdleTracker) RequestStarted(id string) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.update()
	t.mu.Unlock()
}

// RequestFinished removes a request from the in-flight set.
func (t *IdleTracker) RequestFinished(id string) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.update()
	t.mu.Unlock()
}

// Inflight returns the number of requests currently in flight.
func (t *IdleTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// update must be called with mu held.
func (t *IdleTracker) update() {
	idle := len(t.inflight) <= t.policy.MaxInflight
	switch {
	case idle && t.idleSince.IsZero():
		t.idleSince = time.Now()
	case !idle:
		t.idleSince = time.Time{}
	}
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *IdleTracker) snapshot() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idleSince
}

// Wait blocks until the in-flight count has stayed within the policy for the
// whole window, or ctx is done.
func (t *IdleTracker) Wait(ctx context.Context) error {
	timer := time.NewTimer(t.policy.Window)
	defer timer.Stop()
	for {
		since := t.snapshot()
		if !since.IsZero() {
			remaining := t.policy.Window - time.Since(since)
			if remaining <= 0 {
				return nil
			}
			timer.Reset(remaining)
		} else {
			timer.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.changed:
		case <-timer.C:
		}
	}
}
