package repository

import "strings"

// NormalizeSymbol maps any *USDT / *USDC spelling, dashed or not, onto the
// canonical BASE-USDC form used throughout the engine. Historical records
// keep the symbol they were written with; normalization applies at ingest
// and at the API boundary only.
func NormalizeSymbol(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	up = strings.ReplaceAll(up, "-", "")
	for _, quote := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(up, quote) && len(up) > len(quote) {
			return up[:len(up)-len(quote)] + "-USDC"
		}
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// Timeframe is a candle interval identifier.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF1m, TF5m, TF15m, TF1h, TF4h, TF1d:
		return true
	default:
		return false
	}
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TF1h }

// NormalizeTimeframe converts a raw string to a valid timeframe (or default).
func NormalizeTimeframe(s string) Timeframe {
	if s == "" {
		return DefaultTimeframe()
	}
	tf := Timeframe(s)
	if IsValidTimeframe(tf) {
		return tf
	}
	return DefaultTimeframe()
}

// TimeframeMs returns the interval length in milliseconds.
func TimeframeMs(tf Timeframe) int64 {
	switch tf {
	case TF1m:
		return 60_000
	case TF5m:
		return 300_000
	case TF15m:
		return 900_000
	case TF1h:
		return 3_600_000
	case TF4h:
		return 14_400_000
	case TF1d:
		return 86_400_000
	default:
		return 3_600_000
	}
}
