package models

import "time"

// EngineMode selects real or simulated execution. Paper mode never sends a
// venue order.
type EngineMode string

const (
	ModePaper EngineMode = "PAPER"
	ModeLive  EngineMode = "LIVE"
)

// EngineStatus is the process-wide status snapshot served by the API.
// Invariant: TradesExecuted <= Signals <= Evaluations.
type EngineStatus struct {
	Running             bool      `json:"running"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	Evaluations         int64     `json:"evaluations"`
	Signals             int64     `json:"signals"`
	TradesExecuted      int64     `json:"tradesExecuted"`
	OpenPositions       int       `json:"openPositions"`
	AutoPaper           bool      `json:"autoPaper"`
	ConfidenceThreshold float64   `json:"confidenceThreshold"`
}
