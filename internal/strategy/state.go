package strategy

import (
	"sync"
	"time"

	"papertrader/internal/domain/models"
)

const (
	maxHistory  = 40
	maxWarnings = 20
)

// State owns the current strategy parameters, their bounded revision
// history and the warnings buffer. Evaluators take immutable snapshots;
// only the refinement loop commits new versions.
type State struct {
	mu             sync.RWMutex
	version        int64
	params         models.StrategyParameters
	lastRefinement time.Time
	history        []models.StrategyRevision
	warnings       []models.StrategyWarning

	// saver persists a committed revision; nil in tests.
	saver func(models.StrategyRevision)
}

// NewState seeds version 1 with sanitized initial parameters.
func NewState(initial models.StrategyParameters) *State {
	s := &State{
		version: 1,
		params:  initial.Sanitize(),
	}
	s.history = append(s.history, models.StrategyRevision{
		Version:    1,
		Parameters: s.params,
		Notes:      "initial parameters",
		Timestamp:  time.Now().UTC(),
	})
	return s
}

// SetSaver installs the persistence hook invoked on every commit.
func (s *State) SetSaver(fn func(models.StrategyRevision)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saver = fn
}

// Snapshot returns the current parameters and version as a copy.
func (s *State) Snapshot() (models.StrategyParameters, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params, s.version
}

// Commit sanitizes the candidate, bumps the monotonic version, appends a
// history entry (pruned to the last maxHistory) and persists it.
func (s *State) Commit(candidate models.StrategyParameters, notes string, ts time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	s.params = candidate.Sanitize()
	rev := models.StrategyRevision{
		Version:    s.version,
		Parameters: s.params,
		Notes:      notes,
		Timestamp:  ts,
	}
	s.history = append(s.history, rev)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	if s.saver != nil {
		s.saver(rev)
	}
	return s.version
}

// Restore replaces the in-memory state with a persisted record. Called
// once at boot, before any evaluator takes a snapshot.
func (s *State) Restore(version int64, params models.StrategyParameters, history []models.StrategyRevision, warnings []models.StrategyWarning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version < s.version {
		return
	}
	s.version = version
	s.params = params.Sanitize()
	if len(history) > 0 {
		s.history = append([]models.StrategyRevision(nil), history...)
	}
	if len(warnings) > 0 {
		s.warnings = append([]models.StrategyWarning(nil), warnings...)
	}
}

// Warn appends to the bounded warnings buffer.
func (s *State) Warn(ts time.Time, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, models.StrategyWarning{Timestamp: ts, Message: msg})
	if len(s.warnings) > maxWarnings {
		s.warnings = s.warnings[len(s.warnings)-maxWarnings:]
	}
}

// Warnings returns a copy of the warnings buffer, newest last.
func (s *State) Warnings() []models.StrategyWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StrategyWarning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// History returns a copy of the revision history, oldest first.
func (s *State) History() []models.StrategyRevision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StrategyRevision, len(s.history))
	copy(out, s.history)
	return out
}

// LastRefinementTime reports when the last refinement cycle ran.
func (s *State) LastRefinementTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefinement
}

// MarkRefined records a finished refinement cycle.
func (s *State) MarkRefined(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefinement = ts
}
