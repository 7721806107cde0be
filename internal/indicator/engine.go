package indicator

import (
	"math"

	"papertrader/internal/domain/models"
)

// Periods used across the engine. Fixed by the strategy contract.
const (
	EMAShortPeriod  = 9
	EMALongPeriod   = 21
	RSIPeriod       = 14
	ATRPeriod       = 14
	VolumeSMAPeriod = 20
	MACDFastPeriod  = 12
	MACDSlowPeriod  = 26
	MACDSignalEMA   = 9
)

// ema is an incremental exponential moving average seeded with the SMA of
// the first period values.
type ema struct {
	period int
	seen   int
	sum    float64
	v      float64
}

func (e *ema) update(x float64) {
	if e.seen < e.period {
		e.sum += x
		e.seen++
		if e.seen == e.period {
			e.v = e.sum / float64(e.period)
		}
		return
	}
	k := 2.0 / float64(e.period+1)
	e.v = (x-e.v)*k + e.v
}

func (e *ema) ready() bool    { return e.seen >= e.period }
func (e *ema) value() float64 { return e.v }

// wilder is the smoothing used by RSI and ATR.
type wilder struct {
	period int
	seen   int
	sum    float64
	v      float64
}

func (w *wilder) update(x float64) {
	if w.seen < w.period {
		w.sum += x
		w.seen++
		if w.seen == w.period {
			w.v = w.sum / float64(w.period)
		}
		return
	}
	w.v = (w.v*float64(w.period-1) + x) / float64(w.period)
}

func (w *wilder) ready() bool { return w.seen >= w.period }

// volWindow is a rolling simple average of the last N volumes.
type volWindow struct {
	size int
	buf  []float64
	next int
	full bool
	sum  float64
}

func newVolWindow(size int) *volWindow {
	return &volWindow{size: size, buf: make([]float64, size)}
}

func (v *volWindow) update(x float64) {
	if v.full {
		v.sum -= v.buf[v.next]
	}
	v.buf[v.next] = x
	v.sum += x
	v.next = (v.next + 1) % v.size
	if v.next == 0 {
		v.full = true
	}
}

func (v *volWindow) ready() bool { return v.full }
func (v *volWindow) avg() float64 {
	if !v.full {
		return 0
	}
	return v.sum / float64(v.size)
}

// State holds the per-symbol running indicator values. It is mutated
// in-place on every closed bar and never reads future candles.
type State struct {
	emaShort ema
	emaLong  ema
	emaFast  ema
	emaSlow  ema
	macdSig  ema
	avgGain  wilder
	avgLoss  wilder
	atr      wilder
	vol      *volWindow

	prevClose    float64
	havePrev     bool
	lastOpenTime int64

	lastRSI float64
	prevRSI float64
}

// NewState returns an empty indicator state.
func NewState() *State {
	return &State{
		emaShort: ema{period: EMAShortPeriod},
		emaLong:  ema{period: EMALongPeriod},
		emaFast:  ema{period: MACDFastPeriod},
		emaSlow:  ema{period: MACDSlowPeriod},
		macdSig:  ema{period: MACDSignalEMA},
		avgGain:  wilder{period: RSIPeriod},
		avgLoss:  wilder{period: RSIPeriod},
		atr:      wilder{period: ATRPeriod},
		vol:      newVolWindow(VolumeSMAPeriod),
	}
}

// Update advances the state with one closed bar. Bars with a non-monotone
// open time are dropped and reported false.
func (s *State) Update(c models.Candle) bool {
	if c.OpenTime <= s.lastOpenTime {
		return false
	}
	s.lastOpenTime = c.OpenTime

	s.emaShort.update(c.Close)
	s.emaLong.update(c.Close)
	s.emaFast.update(c.Close)
	s.emaSlow.update(c.Close)
	if s.emaFast.ready() && s.emaSlow.ready() {
		s.macdSig.update(s.emaFast.value() - s.emaSlow.value())
	}

	if s.havePrev {
		delta := c.Close - s.prevClose
		s.avgGain.update(math.Max(delta, 0))
		s.avgLoss.update(math.Max(-delta, 0))
		if s.avgGain.ready() && s.avgLoss.ready() {
			s.prevRSI = s.lastRSI
			s.lastRSI = rsiFrom(s.avgGain.v, s.avgLoss.v)
		}

		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-s.prevClose), math.Abs(c.Low-s.prevClose)))
		s.atr.update(tr)
	}

	s.vol.update(c.Volume)
	s.prevClose = c.Close
	s.havePrev = true
	return true
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Ready reports whether every required window is filled.
func (s *State) Ready() bool {
	return s.emaShort.ready() &&
		s.emaLong.ready() &&
		s.avgGain.ready() && s.avgLoss.ready() &&
		s.atr.ready() &&
		s.vol.ready() &&
		s.emaSlow.ready() && s.macdSig.ready()
}

// Snapshot returns the current indicator values. ok is false until every
// window is seeded; callers must not score a partially seeded state.
func (s *State) Snapshot() (models.IndicatorSnapshot, bool) {
	if !s.Ready() {
		return models.IndicatorSnapshot{}, false
	}
	avg := s.vol.avg()
	ratio := 0.0
	if avg > 0 {
		ratio = s.lastVolume() / avg
	}
	return models.IndicatorSnapshot{
		EMAShort:    s.emaShort.value(),
		EMALong:     s.emaLong.value(),
		RSI:         s.lastRSI,
		ATR:         s.atr.v,
		VolumeSMA:   avg,
		VolumeRatio: ratio,
		MACD:        s.emaFast.value() - s.emaSlow.value(),
		MACDSignal:  s.macdSig.value(),
	}, true
}

// PrevRSI returns the RSI of the previous bar, for recovery detection.
func (s *State) PrevRSI() float64 { return s.prevRSI }

func (s *State) lastVolume() float64 {
	idx := s.vol.next - 1
	if idx < 0 {
		idx = s.vol.size - 1
	}
	return s.vol.buf[idx]
}

// Replay rebuilds indicator state from a candle history and returns the
// snapshots of the last and second-to-last bars. It is a pure function of
// its input, which the decision determinism audit relies on.
func Replay(candles []models.Candle) (cur, prev models.IndicatorSnapshot, prevRSI float64, ok bool) {
	if len(candles) < 2 {
		return models.IndicatorSnapshot{}, models.IndicatorSnapshot{}, 0, false
	}
	st := NewState()
	for _, c := range candles[:len(candles)-1] {
		st.Update(c)
	}
	prev, prevOK := st.Snapshot()
	st.Update(candles[len(candles)-1])
	cur, curOK := st.Snapshot()
	return cur, prev, st.PrevRSI(), prevOK && curOK
}
