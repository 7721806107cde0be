package strategy

import (
	"math"
	"sort"

	"papertrader/internal/domain/models"
)

// PerformanceMetrics summarizes a set of closed trades.
type PerformanceMetrics struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"winRate"`
	NetPnL       float64 `json:"netPnl"`
	GrossProfit  float64 `json:"grossProfit"`
	GrossLoss    float64 `json:"grossLoss"`
	ProfitFactor float64 `json:"profitFactor"`
	AvgR         float64 `json:"avgR"`
	Sharpe       float64 `json:"sharpe"`
	DrawdownPct  float64 `json:"drawdownPct"`
}

// ConditionBucket groups closed trades by a market condition label.
type ConditionBucket struct {
	Label   string             `json:"label"`
	Metrics PerformanceMetrics `json:"metrics"`
}

// LossCluster is a run of consecutive losing trades.
type LossCluster struct {
	Start     int     `json:"start"`
	Length    int     `json:"length"`
	TotalLoss float64 `json:"totalLoss"`
}

// ClosedTrades filters a journal slice down to trades that realized PnL,
// ordered by time.
func ClosedTrades(trades []models.Trade) []models.Trade {
	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Closed() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ComputeMetrics builds PerformanceMetrics over closed trades.
func ComputeMetrics(trades []models.Trade) PerformanceMetrics {
	var m PerformanceMetrics
	if len(trades) == 0 {
		return m
	}

	pnls := make([]float64, 0, len(trades))
	equity := 0.0
	peak := 0.0
	maxDD := 0.0
	var rSum float64
	var rCount int

	for _, t := range trades {
		if !t.Closed() {
			continue
		}
		pnl := *t.PnL
		pnls = append(pnls, pnl)
		m.Trades++
		m.NetPnL += pnl
		if pnl >= 0 {
			m.Wins++
			m.GrossProfit += pnl
		} else {
			m.Losses++
			m.GrossLoss += -pnl
		}
		if t.RMultiple != nil {
			rSum += *t.RMultiple
			rCount++
		}

		equity += pnl
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}

	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades)
	}
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	} else if m.GrossProfit > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	if rCount > 0 {
		m.AvgR = rSum / float64(rCount)
	}
	m.Sharpe = sharpe(pnls)
	if peak > 0 {
		m.DrawdownPct = maxDD / peak
	} else if maxDD > 0 {
		// never profitable: report drawdown against the loss itself
		m.DrawdownPct = 1
	}
	return m
}

func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	mean := 0.0
	for _, p := range pnls {
		mean += p
	}
	mean /= float64(len(pnls))
	varSum := 0.0
	for _, p := range pnls {
		d := p - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(len(pnls)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(float64(len(pnls)))
}

// BucketByExitReason splits closed trades into per-exit-reason buckets.
func BucketByExitReason(trades []models.Trade) []ConditionBucket {
	groups := map[string][]models.Trade{}
	for _, t := range trades {
		if !t.Closed() {
			continue
		}
		label := string(t.ExitReason)
		if label == "" {
			label = string(models.ExitSignal)
		}
		groups[label] = append(groups[label], t)
	}
	labels := make([]string, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	out := make([]ConditionBucket, 0, len(labels))
	for _, l := range labels {
		out = append(out, ConditionBucket{Label: l, Metrics: ComputeMetrics(groups[l])})
	}
	return out
}

// FindLossClusters returns every run of at least minLen consecutive losers.
func FindLossClusters(trades []models.Trade, minLen int) []LossCluster {
	var out []LossCluster
	start := -1
	total := 0.0
	flush := func(end int) {
		if start >= 0 && end-start >= minLen {
			out = append(out, LossCluster{Start: start, Length: end - start, TotalLoss: total})
		}
		start = -1
		total = 0
	}
	for i, t := range trades {
		if t.Closed() && *t.PnL < 0 {
			if start < 0 {
				start = i
			}
			total += -*t.PnL
			continue
		}
		flush(i)
	}
	flush(len(trades))
	return out
}
