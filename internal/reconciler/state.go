// Package reconciler brings the local order/position store into agreement
// with the broker of record
package reconciler

import (
	"fmt"
	"sync"
	"time"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"
)

// State is the process-wide reconciliation lifecycle singleton. Live trading
// is gated on it: orders cannot be submitted until the first cycle succeeds
// or an operator records a valid forced bypass.
type State struct {
	mu sync.RWMutex

	startupStartedAt time.Time
	startupComplete  bool
	lastResult       *core.CycleResult
	override         *core.OverrideContext

	startupTimeout time.Duration
	dryRun         bool

	now func() time.Time
}

// NewState creates the lifecycle state with the startup clock running
func NewState(startupTimeout time.Duration, dryRun bool) *State {
	s := &State{
		startupTimeout: startupTimeout,
		dryRun:         dryRun,
		now:            time.Now,
	}
	s.startupStartedAt = s.now()
	return s
}

// IsStartupComplete reports whether the startup gate is open.
// Dry-run mode short-circuits the gate: nothing is written, so there is
// nothing to reconcile before allowing traffic.
func (s *State) IsStartupComplete() bool {
	if s.dryRun {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startupComplete
}

// StartupElapsedSeconds returns how long startup has been running
func (s *State) StartupElapsedSeconds() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.startupStartedAt).Seconds()
}

// StartupTimedOut reports whether the configured startup bound has passed
func (s *State) StartupTimedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.startupStartedAt) > s.startupTimeout
}

// MarkStartupComplete opens the startup gate. A forced bypass requires a
// recorded reconciliation result of any status, a user id and a reason;
// without all three it fails with ErrInvalidBypass.
func (s *State) MarkStartupComplete(forced bool, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forced {
		s.startupComplete = true
		return nil
	}

	if s.lastResult == nil {
		return fmt.Errorf("%w: no reconciliation attempt has been recorded", apperrors.ErrInvalidBypass)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrInvalidBypass)
	}
	if reason == "" {
		return fmt.Errorf("%w: reason is required", apperrors.ErrInvalidBypass)
	}

	s.override = &core.OverrideContext{
		UserID:     userID,
		Reason:     reason,
		Timestamp:  s.now(),
		LastResult: s.lastResult,
	}
	s.startupComplete = true
	return nil
}

// OverrideActive reports whether a forced bypass has been recorded
func (s *State) OverrideActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.override != nil
}

// OverrideContext returns the recorded bypass, or nil
func (s *State) OverrideContext() *core.OverrideContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.override
}

// RecordResult memoizes the latest cycle result for status reporting and
// bypass eligibility
func (s *State) RecordResult(result *core.CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
}

// LastResult returns the most recent cycle result, or nil
func (s *State) LastResult() *core.CycleResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}
