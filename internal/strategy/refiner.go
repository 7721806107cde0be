package strategy

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/indicator"
)

// Sub-score weights of the setup score. They sum to 1.
const (
	weightPullback = 0.22
	weightRSI      = 0.20
	weightMomentum = 0.20
	weightVolume   = 0.16
	weightTrend    = 0.22
)

const (
	minHistoryBars = 50

	trendGapThreshold = 0.0015
	highVolFactor     = 1.2

	inactivityAfter  = 2 * time.Hour
	inactivityWindow = 12 * time.Hour
	inactivityRelax  = 0.08

	rangingBuffer     = 0.04
	rangingBufferIdle = 0.01
	rangingIdleAfter  = 6 * time.Hour

	buyConfidenceFloor = 0.62
)

// DecideInput is everything Decide may look at. Decide is a pure function
// of this value; the determinism audit depends on that.
type DecideInput struct {
	Candles     []models.Candle
	Params      models.StrategyParameters
	Holdings    float64
	LastTradeAt time.Time
	Now         time.Time
	Version     int64
}

// Decide derives {action, confidence, regime, reasons} from candle history
// and the current parameter snapshot.
func Decide(in DecideInput) models.Signal {
	if len(in.Candles) < minHistoryBars {
		return models.Signal{
			Action:       models.ActionHold,
			Confidence:   0.2,
			Regime:       models.RegimeRanging,
			ModelVersion: in.Version,
			Reasons:      []string{"insufficient history"},
		}
	}

	cur, _, prevRSI, ok := indicator.Replay(in.Candles)
	if !ok {
		return models.Signal{
			Action:       models.ActionHold,
			Confidence:   0.2,
			Regime:       models.RegimeRanging,
			ModelVersion: in.Version,
			Reasons:      []string{"indicators still seeding"},
		}
	}

	last := in.Candles[len(in.Candles)-1]
	prev := in.Candles[len(in.Candles)-2]
	close := last.Close
	atrPct := cur.ATRPct(close)

	regime := classifyRegime(cur, close, atrPct, in.Params)
	reasons := []string{fmt.Sprintf("regime=%s atrPct=%.5f", regime, atrPct)}

	score, parts := setupScore(cur, close, prev.Close, prevRSI, regime)
	reasons = append(reasons, fmt.Sprintf("score=%.3f pullback=%.2f rsi=%.2f momentum=%.2f volume=%.2f trend=%.2f",
		score, parts.pullback, parts.rsiRecovery, parts.momentum, parts.volume, parts.trend))

	idle := idleDuration(in.LastTradeAt, in.Now)
	effMinScore := in.Params.MinScore - relaxation(idle)
	if effMinScore < in.Params.MinScore {
		reasons = append(reasons, fmt.Sprintf("minScore relaxed to %.3f after %s idle", effMinScore, idle.Truncate(time.Minute)))
	}

	action := models.ActionHold
	switch {
	case regime == models.RegimeTrendingUp && score >= effMinScore:
		action = models.ActionBuy
		reasons = append(reasons, "trending entry")
	case regime == models.RegimeRanging && rangingEntry(score, effMinScore, idle, parts):
		action = models.ActionBuy
		reasons = append(reasons, "ranging entry with buffer")
	case (regime == models.RegimeTrendingDown || regime == models.RegimeHighVolatility) && in.Holdings > 0:
		action = models.ActionSell
		reasons = append(reasons, "adverse regime with open holdings")
	default:
		reasons = append(reasons, "no entry conditions met")
	}

	conf := clamp(0.35+0.55*score-regimePenalty(regime), 0.1, 0.95)
	if action == models.ActionBuy && conf < buyConfidenceFloor {
		conf = buyConfidenceFloor
	}

	return models.Signal{
		Action:       action,
		Confidence:   conf,
		Regime:       regime,
		ModelVersion: in.Version,
		Reasons:      reasons,
		SetupScore:   score,
	}
}

func classifyRegime(s models.IndicatorSnapshot, close, atrPct float64, p models.StrategyParameters) models.Regime {
	if atrPct < p.MinATRPct {
		return models.RegimeChop
	}
	if atrPct > highVolFactor*p.MaxATRPct {
		return models.RegimeHighVolatility
	}
	gap := (s.EMAShort - s.EMALong) / close
	switch {
	case gap > trendGapThreshold && close >= s.EMAShort:
		return models.RegimeTrendingUp
	case gap < -trendGapThreshold && close <= s.EMAShort:
		return models.RegimeTrendingDown
	default:
		return models.RegimeRanging
	}
}

type scoreParts struct {
	pullback    float64
	rsiRecovery float64
	momentum    float64
	volume      float64
	trend       float64
}

func setupScore(s models.IndicatorSnapshot, close, prevClose, prevRSI float64, regime models.Regime) (float64, scoreParts) {
	var p scoreParts

	p.pullback = clamp01(1 - math.Abs(close-s.EMAShort)/close/0.0035)

	rsiBonus := 0.0
	if s.RSI > prevRSI {
		rsiBonus = 0.2
	}
	p.rsiRecovery = clamp01((s.RSI-45)/20 + rsiBonus)

	momBonus := 0.0
	if close > prevClose {
		momBonus = 0.3
	}
	p.momentum = clamp01((close/prevClose-1)/0.004 + momBonus)

	p.volume = clamp01((s.VolumeRatio - 0.9) / 0.4)

	switch regime {
	case models.RegimeTrendingUp:
		p.trend = 1
	case models.RegimeRanging:
		p.trend = 0.45
	default:
		p.trend = 0
	}

	score := weightPullback*p.pullback +
		weightRSI*p.rsiRecovery +
		weightMomentum*p.momentum +
		weightVolume*p.volume +
		weightTrend*p.trend
	return clamp01(score), p
}

func idleDuration(lastTrade, now time.Time) time.Duration {
	if lastTrade.IsZero() {
		// never traded: fully relaxed
		return inactivityAfter + inactivityWindow
	}
	d := now.Sub(lastTrade)
	if d < 0 {
		return 0
	}
	return d
}

// relaxation linearly widens the entry gate by up to inactivityRelax over
// inactivityWindow once the engine has been idle for inactivityAfter.
func relaxation(idle time.Duration) float64 {
	if idle < inactivityAfter {
		return 0
	}
	frac := float64(idle-inactivityAfter) / float64(inactivityWindow)
	return inactivityRelax * clamp01(frac)
}

// rangingEntry applies the extra buffer on top of the already relaxed
// minScore: relaxation first, buffer second.
func rangingEntry(score, effMinScore float64, idle time.Duration, parts scoreParts) bool {
	buffer := rangingBuffer
	if idle >= rangingIdleAfter {
		buffer = rangingBufferIdle
	}
	return score >= effMinScore+buffer && parts.rsiRecovery >= 0.55 && parts.momentum >= 0.5
}

func regimePenalty(r models.Regime) float64 {
	switch r {
	case models.RegimeChop:
		return 0.25
	case models.RegimeHighVolatility:
		return 0.2
	case models.RegimeRanging:
		return 0.05
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

// AuditDeterminism runs Decide the given number of times on identical input
// and fails if any run differs in action or confidence.
func AuditDeterminism(in DecideInput, runs int) error {
	base := Decide(in)
	for i := 1; i < runs; i++ {
		got := Decide(in)
		if got.Action != base.Action {
			return fmt.Errorf("run %d: action %s != %s", i, got.Action, base.Action)
		}
		if math.Abs(got.Confidence-base.Confidence) >= 1e-12 {
			return fmt.Errorf("run %d: confidence drift %g", i, got.Confidence-base.Confidence)
		}
	}
	return nil
}

// AuditRobustness perturbs every closed price by up to ±0.1% across the
// given number of trials and reports how many keep the baseline action.
// The perturbation stream is seeded, so the audit itself is deterministic.
func AuditRobustness(in DecideInput, trials int) int {
	base := Decide(in)
	rng := rand.New(rand.NewSource(int64(len(in.Candles))))
	agree := 0
	for t := 0; t < trials; t++ {
		perturbed := make([]models.Candle, len(in.Candles))
		copy(perturbed, in.Candles)
		for i := range perturbed {
			f := 1 + (rng.Float64()*2-1)*0.001
			perturbed[i].Close *= f
			if perturbed[i].Close > perturbed[i].High {
				perturbed[i].High = perturbed[i].Close
			}
			if perturbed[i].Close < perturbed[i].Low {
				perturbed[i].Low = perturbed[i].Close
			}
		}
		trial := in
		trial.Candles = perturbed
		if Decide(trial).Action == base.Action {
			agree++
		}
	}
	return agree
}
