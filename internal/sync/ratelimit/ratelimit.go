// Package ratelimit tracks server-imposed cool-down windows. It owns the
// authoritative countdown: UI layers read Remaining rather than recomputing
// their own clocks, so displayed countdowns cannot drift apart.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dkarlsson/habitsync/internal/logging"
)

// Controller holds at most one RateLimitWindow at a time. A new rate-limit
// response while a window is open replaces the window rather than stacking.
// Only the ticking clock releases the window; connectivity changes do not
// (optimistic early retry would disrespect the server's advertised delay).
type Controller struct {
	mu             sync.Mutex
	deadline       time.Time
	pendingAtLimit int
	stopCh         chan struct{}
	onClear        func()
}

// New creates a Controller. onClear is invoked (on the countdown goroutine)
// when a window expires naturally, letting the sync engine retry without
// polling; it is not invoked on manual Clear.
func New(onClear func()) *Controller {
	return &Controller{onClear: onClear}
}

// RecordRateLimited opens a window for retryAfter, capturing the queue depth
// at the moment the limit was hit. An already-open window is replaced.
func (c *Controller) RecordRateLimited(retryAfter time.Duration, pendingCount int) {
	if retryAfter <= 0 {
		return
	}

	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.deadline = time.Now().Add(retryAfter)
	c.pendingAtLimit = pendingCount
	stopCh := make(chan struct{})
	c.stopCh = stopCh
	c.mu.Unlock()

	logging.Warn("Rate limited by server",
		map[string]interface{}{
			"retry_after_seconds": int(retryAfter.Seconds()),
			"pending_at_limit":    pendingCount,
		})

	go c.countdown(stopCh)
}

// countdown waits out the window at one-second resolution, then auto-clears.
func (c *Controller) countdown(stopCh chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			expired := !c.deadline.IsZero() && !time.Now().Before(c.deadline)
			if expired {
				c.deadline = time.Time{}
				c.pendingAtLimit = 0
				c.stopCh = nil
			}
			c.mu.Unlock()

			if expired {
				logging.Info("Rate limit window expired", nil)
				if c.onClear != nil {
					c.onClear()
				}
				return
			}
		}
	}
}

// IsBlocked reports whether a window is open.
func (c *Controller) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.deadline.IsZero() && time.Now().Before(c.deadline)
}

// Remaining returns the live countdown value, rounded up to whole seconds so
// a displayed "1s" never jumps straight to disappearing mid-second. It
// decreases monotonically to zero.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadline.IsZero() {
		return 0
	}
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		return 0
	}
	return remaining.Truncate(time.Second) + time.Second
}

// PendingAtLimit returns the queue depth captured when the window opened.
func (c *Controller) PendingAtLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingAtLimit
}

// Clear releases the window early. Used only for an explicit user-forced
// retry; the server may immediately re-issue the limit.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if !c.deadline.IsZero() {
		logging.Info("Rate limit window cleared manually", nil)
	}
	c.deadline = time.Time{}
	c.pendingAtLimit = 0
}
