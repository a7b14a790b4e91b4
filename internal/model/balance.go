package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is a point-in-time view of one asset across the spot,
// savings and futures tiers.
type BalanceSnapshot struct {
	Asset         string          `json:"asset"`
	SpotFree      decimal.Decimal `json:"spot_free"`
	SavingsAmount decimal.Decimal `json:"savings_amount"`
	FuturesFull   decimal.Decimal `json:"futures_full"`
	FuturesFree   decimal.Decimal `json:"futures_free"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Total returns spot plus savings. Futures margin is reported separately.
func (s BalanceSnapshot) Total() decimal.Decimal {
	return s.SpotFree.Add(s.SavingsAmount)
}

// ThresholdConfig drives the policy evaluator for a single asset.
type ThresholdConfig struct {
	Asset            string
	MinSpotAmount    decimal.Decimal
	Spread           decimal.Decimal
	MinHop           decimal.Decimal
	FuturesEnabled   bool
	MinFuturesAmount decimal.Decimal
	LockTTL          time.Duration
	TickInterval     time.Duration
}
