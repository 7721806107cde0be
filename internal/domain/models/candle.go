package models

import (
	"fmt"
	"math"
)

// Candle represents a closed OHLCV bar for one symbol and interval.
// Timestamps are unix milliseconds of the bar open.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// Validate rejects bars that would poison indicator state: non-finite
// prices or an inverted high/low range.
func (c *Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s@%d: non-finite value", c.Symbol, c.OpenTime)
		}
	}
	if c.Low > c.High {
		return fmt.Errorf("candle %s@%d: low %f above high %f", c.Symbol, c.OpenTime, c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s@%d: open/close outside range", c.Symbol, c.OpenTime)
	}
	if c.OpenTime <= 0 {
		return fmt.Errorf("candle %s: invalid open time %d", c.Symbol, c.OpenTime)
	}
	return nil
}

// IndicatorSnapshot carries the indicator values computed on a closed bar.
type IndicatorSnapshot struct {
	EMAShort    float64 `json:"emaShort"`
	EMALong     float64 `json:"emaLong"`
	RSI         float64 `json:"rsi"`
	ATR         float64 `json:"atr"`
	VolumeSMA   float64 `json:"volumeSma"`
	VolumeRatio float64 `json:"volumeRatio"`
	MACD        float64 `json:"macd"`
	MACDSignal  float64 `json:"macdSignal"`
}

// ATRPct is the volatility measure used for regime classification.
func (s IndicatorSnapshot) ATRPct(close float64) float64 {
	if close <= 0 {
		return 0
	}
	return s.ATR / close
}
