// Package sync orchestrates push and pull cycles against the remote API and
// owns the externally visible sync state machine.
package sync

import (
	"fmt"
	"time"
)

// StateKind enumerates the sync states visible to the rest of the app.
type StateKind string

const (
	StateIdle        StateKind = "idle"
	StateSyncing     StateKind = "syncing"
	StatePulling     StateKind = "pulling"
	StateRateLimited StateKind = "rate_limited"
	StateError       StateKind = "error"
)

// State is the externally observable sync state. Exactly one state is active
// at a time; it is recomputed on every transition, never accumulated.
type State struct {
	Kind StateKind `json:"kind"`

	// Push progress while syncing. Total is the queue depth captured at
	// cycle start; Total == 0 signals indeterminate progress.
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	// Rate-limit details while rate_limited.
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	PendingCount int           `json:"pending_count,omitempty"`

	// Message describes the failure while in error state. Escalated flips
	// after repeated consecutive failures: the UI promotes the indicator
	// from a soft retry hint to explicit "tap for details" prominence.
	Message   string `json:"message,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
}

// String renders the state for logs.
func (s State) String() string {
	switch s.Kind {
	case StateSyncing:
		return fmt.Sprintf("syncing(%d/%d)", s.Current, s.Total)
	case StateRateLimited:
		return fmt.Sprintf("rate_limited(%s, %d pending)", s.RetryAfter, s.PendingCount)
	case StateError:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return string(s.Kind)
	}
}

// StateListener receives each published state transition. Listeners treat
// states as a read-only stream of discrete values; only the engine's worker
// assigns them.
type StateListener func(State)

// Idle returns the idle state.
func Idle() State {
	return State{Kind: StateIdle}
}

// Syncing returns a push-progress state.
func Syncing(current, total int) State {
	return State{Kind: StateSyncing, Current: current, Total: total}
}

// Pulling returns the pull-in-progress state (always indeterminate).
func Pulling() State {
	return State{Kind: StatePulling}
}

// RateLimited returns a rate-limited state with the live countdown value.
func RateLimited(retryAfter time.Duration, pending int) State {
	return State{Kind: StateRateLimited, RetryAfter: retryAfter, PendingCount: pending}
}

// Errored returns an error state.
func Errored(message string, escalated bool) State {
	return State{Kind: StateError, Message: message, Escalated: escalated}
}
