// Package scheduler provides background sync scheduling: periodic pull
// triggers while online plus connectivity change propagation.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dkarlsson/habitsync/internal/logging"
	syncpkg "github.com/dkarlsson/habitsync/internal/sync"
)

// Scheduler periodically nudges the engine so remote changes arrive even
// when no local mutation triggers a cycle. All actual sync work happens on
// the engine's worker; the scheduler only sends triggers.
type Scheduler struct {
	engine       *syncpkg.Engine
	pullInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
}

// New creates a Scheduler over the engine. The scheduler assumes it is
// online until told otherwise.
func New(engine *syncpkg.Engine, pullInterval time.Duration) *Scheduler {
	s := &Scheduler{
		engine:       engine,
		pullInterval: pullInterval,
		stopCh:       make(chan struct{}),
		isOnline:     true,
	}

	// Track the last time a cycle completed cleanly.
	engine.OnStateChange(func(state syncpkg.State) {
		if state.Kind == syncpkg.StateIdle {
			s.mu.Lock()
			s.lastSyncTime = time.Now()
			s.mu.Unlock()
		}
	})

	return s
}

// Start launches the periodic trigger loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicLoop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"pull_interval": s.pullInterval.String()})
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records a connectivity transition and forwards it to the
// engine, which triggers an immediate sync on the offline-to-online edge if
// work was blocked on connectivity.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}

	s.engine.SetOnline(isOnline)
}

// periodicLoop triggers a sync cycle every pull interval while online.
func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			logging.Debug("Periodic sync trigger", nil)
			s.engine.TriggerSync()
		}
	}
}

// Status is a point-in-time snapshot for status endpoints.
type Status struct {
	IsRunning    bool       `json:"is_running"`
	IsOnline     bool       `json:"is_online"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	SyncState    string     `json:"sync_state"`
	PendingCount int        `json:"pending_count"`
}

// GetStatus returns the current scheduler and engine status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.SyncState = s.engine.State().String()
	status.PendingCount = s.engine.PendingCount()
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
