package strategy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

const (
	refinementMinTrades = 20
	maxDeltaPct         = 0.15
)

// Report is what the advisor sees: recent performance plus the current
// parameter set.
type Report struct {
	Current      models.StrategyParameters `json:"current"`
	Metrics      PerformanceMetrics        `json:"metrics"`
	Buckets      []ConditionBucket         `json:"buckets"`
	LossClusters []LossCluster             `json:"lossClusters"`
}

// Candidate is the advisor's proposed adjustment. Zero fields keep the
// current value.
type Candidate struct {
	MinScore      float64 `json:"minScore"`
	ATRMultiplier float64 `json:"atrMultiplier"`
	StopLossATR   float64 `json:"stopLossATR"`
}

// Advisor proposes parameter candidates from a performance report. The
// external advisory service implements this; a nil advisor falls back to
// the deterministic heuristic.
type Advisor interface {
	Suggest(ctx context.Context, report Report) (Candidate, error)
}

// Refiner owns the 24 h refinement cycle. Only one cycle may be in flight.
type Refiner struct {
	state    *State
	advisor  Advisor
	log      *logger.Logger
	inFlight atomic.Bool
}

// NewRefiner wires the refinement loop to the strategy state.
func NewRefiner(state *State, advisor Advisor, log *logger.Logger) *Refiner {
	return &Refiner{state: state, advisor: advisor, log: log}
}

// InFlight reports whether a cycle is currently running.
func (r *Refiner) InFlight() bool { return r.inFlight.Load() }

// Due reports whether a cycle should start at now.
func (r *Refiner) Due(now time.Time, interval time.Duration) bool {
	last := r.state.LastRefinementTime()
	return last.IsZero() || now.Sub(last) >= interval
}

// Cycle runs one refinement pass over the closed trades of the last 24 h.
// Every failure path is swallowed into a warning; the previous strategy is
// always retained on rejection. Returns true when a new version committed.
func (r *Refiner) Cycle(ctx context.Context, trades []models.Trade, now time.Time, force bool) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer r.inFlight.Store(false)
	defer r.state.MarkRefined(now)

	closed := recentClosed(trades, now)
	if len(closed) < refinementMinTrades && !force {
		r.state.Warn(now, fmt.Sprintf("refinement skipped: %d closed trades in window, need %d", len(closed), refinementMinTrades))
		return false
	}

	current, version := r.state.Snapshot()
	report := Report{
		Current:      current,
		Metrics:      ComputeMetrics(closed),
		Buckets:      BucketByExitReason(closed),
		LossClusters: FindLossClusters(closed, 2),
	}

	cand := r.suggest(ctx, report, now)
	candidate := applyCandidate(current, cand)

	accepted, reason := Evaluate(closed, current, candidate)
	if !accepted {
		r.state.Warn(now, "refinement rejected: "+reason)
		r.log.Info("refinement rejected",
			logger.Int64("version", version),
			logger.String("reason", reason))
		return false
	}

	newVersion := r.state.Commit(candidate, "walk-forward accepted: "+reason, now)
	r.log.Info("strategy refined",
		logger.Int64("version", newVersion),
		logger.Float64("minScore", candidate.MinScore),
		logger.Float64("atrMultiplier", candidate.ATRMultiplier),
		logger.Float64("stopLossATR", candidate.StopLossATR))
	return true
}

func (r *Refiner) suggest(ctx context.Context, report Report, now time.Time) Candidate {
	if r.advisor != nil {
		cand, err := r.advisor.Suggest(ctx, report)
		if err == nil {
			return cand
		}
		r.state.Warn(now, "advisor unavailable, heuristic fallback: "+err.Error())
	}
	return HeuristicCandidate(report)
}

// HeuristicCandidate is the deterministic fallback: raise the entry bar on
// weak win rate, tighten sizing on drawdown, tighten stops on weak average R.
func HeuristicCandidate(report Report) Candidate {
	cand := Candidate{
		MinScore:      report.Current.MinScore,
		ATRMultiplier: report.Current.ATRMultiplier,
		StopLossATR:   report.Current.StopLossATR,
	}
	if report.Metrics.WinRate < 0.45 {
		cand.MinScore = report.Current.MinScore * 1.05
	}
	if report.Metrics.DrawdownPct > 0.05 {
		cand.ATRMultiplier = report.Current.ATRMultiplier * 0.9
	}
	if report.Metrics.AvgR < 0.1 {
		cand.StopLossATR = report.Current.StopLossATR * 0.9
	}
	return cand
}

// applyCandidate bounds every proposed delta to ±15% of the current value
// and re-clamps the result to the global sanitizer bounds.
func applyCandidate(current models.StrategyParameters, cand Candidate) models.StrategyParameters {
	next := current
	if cand.MinScore > 0 {
		next.MinScore = boundDelta(current.MinScore, cand.MinScore)
	}
	if cand.ATRMultiplier > 0 {
		next.ATRMultiplier = boundDelta(current.ATRMultiplier, cand.ATRMultiplier)
	}
	if cand.StopLossATR > 0 {
		next.StopLossATR = boundDelta(current.StopLossATR, cand.StopLossATR)
	}
	return next.Sanitize()
}

func boundDelta(current, proposed float64) float64 {
	lo := current * (1 - maxDeltaPct)
	hi := current * (1 + maxDeltaPct)
	return clamp(proposed, lo, hi)
}

func recentClosed(trades []models.Trade, now time.Time) []models.Trade {
	cutoff := now.Add(-24 * time.Hour)
	var out []models.Trade
	for _, t := range ClosedTrades(trades) {
		if !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
