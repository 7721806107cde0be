package models

import "time"

// Lot is a single open position slice with its own stop and target.
type Lot struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	EntryPrice         float64   `json:"entryPrice"`
	Amount             float64   `json:"amount"`
	StopLoss           float64   `json:"stopLoss"`
	TakeProfit         float64   `json:"takeProfit"`
	Timestamp          time.Time `json:"ts"`
	InitialRiskPerUnit float64   `json:"initialRiskPerUnit"`
	EntryFeePerUnit    float64   `json:"entryFeePerUnit"`
	StrategyVersion    int64     `json:"strategyVersion"`
}

// PositionSnapshot is the periodic append-only portfolio record.
type PositionSnapshot struct {
	Timestamp           time.Time `json:"ts"`
	Symbol              string    `json:"symbol"`
	Balance             float64   `json:"balance"`
	PositionSize        float64   `json:"positionSize"`
	AvgEntryPrice       float64   `json:"avgEntryPrice"`
	TotalPortfolioValue float64   `json:"totalPortfolioValue"`
}
