package repository

// Metrics is the minimal metrics surface the engine records against.
// pkg/metrics provides the Prometheus implementation; tests use NopMetrics.
type Metrics interface {
	RecordEvaluation(symbol string)
	RecordSignal(symbol, action string)
	RecordTrade(symbol, side string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordStreamLag(symbol string, lagMs float64)
	RecordOpenLots(symbol string, n int)
	RecordEquity(v float64)
	RecordLatency(op string, seconds float64)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordEvaluation(string)         {}
func (NopMetrics) RecordSignal(string, string)     {}
func (NopMetrics) RecordTrade(string, string)      {}
func (NopMetrics) RecordError(string)              {}
func (NopMetrics) RecordLastPrice(string, float64) {}
func (NopMetrics) RecordStreamLag(string, float64) {}
func (NopMetrics) RecordOpenLots(string, int)      {}
func (NopMetrics) RecordEquity(float64)            {}
func (NopMetrics) RecordLatency(string, float64)   {}
