package engine

import (
	"sync"
	"time"

	"papertrader/internal/domain/models"
)

// StatusTracker owns the process-wide engine counters and the two runtime
// settings the API may flip. Counters only move through it, which keeps the
// tradesExecuted <= signals <= evaluations invariant by construction: a
// signal is only counted inside an evaluation, a trade only after a signal.
type StatusTracker struct {
	mu            sync.Mutex
	running       bool
	lastHeartbeat time.Time
	evaluations   int64
	signals       int64
	trades        int64
	autoPaper     bool
	confidence    float64
}

func NewStatusTracker(autoPaper bool, confidenceThreshold float64) *StatusTracker {
	return &StatusTracker{
		autoPaper:  autoPaper,
		confidence: clampUnit(confidenceThreshold),
	}
}

func (s *StatusTracker) SetRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *StatusTracker) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

func (s *StatusTracker) Evaluation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations++
}

func (s *StatusTracker) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals++
}

func (s *StatusTracker) Trade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades++
}

// SetAutoPaper flips automatic paper execution; decisions are still
// journaled while it is off.
func (s *StatusTracker) SetAutoPaper(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoPaper = v
}

func (s *StatusTracker) AutoPaper() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoPaper
}

func (s *StatusTracker) SetConfidenceThreshold(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confidence = clampUnit(v)
}

func (s *StatusTracker) ConfidenceThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confidence
}

// Snapshot materializes the API view. openPositions comes from the ledger,
// which the tracker does not own.
func (s *StatusTracker) Snapshot(openPositions int) models.EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.EngineStatus{
		Running:             s.running,
		LastHeartbeat:       s.lastHeartbeat,
		Evaluations:         s.evaluations,
		Signals:             s.signals,
		TradesExecuted:      s.trades,
		OpenPositions:       openPositions,
		AutoPaper:           s.autoPaper,
		ConfidenceThreshold: s.confidence,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
