package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// Evaluate computes the transfer plan for one balance snapshot. It performs
// no I/O and returns the same plan for the same inputs.
//
// The spot/savings rule runs first. The futures rule is independent of it and
// only applies when futures is enabled.
func Evaluate(snap model.BalanceSnapshot, cfg model.ThresholdConfig) model.Plan {
	var plan model.Plan
	evaluateSavings(&plan, snap, cfg)
	if cfg.FuturesEnabled {
		evaluateFutures(&plan, snap, cfg)
	}
	return plan
}

func evaluateSavings(plan *model.Plan, snap model.BalanceSnapshot, cfg model.ThresholdConfig) {
	spot := snap.SpotFree
	savings := nonNegative(snap.SavingsAmount)
	floor := cfg.MinSpotAmount

	switch {
	case spot.LessThan(floor):
		deficit := floor.Sub(spot)
		if savings.GreaterThanOrEqual(deficit) {
			addAction(plan, model.SavingsToSpot, deficit)
			return
		}
		addAction(plan, model.SavingsToSpot, savings)
		plan.InsufficientLiquidity = true
		plan.Shortfall = model.RoundAmount(deficit.Sub(savings))

	case spot.GreaterThan(floor.Add(cfg.Spread)):
		surplus := spot.Sub(floor)
		// hysteresis: tiny surpluses stay in spot
		if surplus.GreaterThanOrEqual(cfg.MinHop) {
			addAction(plan, model.SpotToSavings, surplus)
		}
	}
}

func evaluateFutures(plan *model.Plan, snap model.BalanceSnapshot, cfg model.ThresholdConfig) {
	free := snap.FuturesFree
	floor := cfg.MinFuturesAmount

	switch {
	case free.LessThan(floor):
		addAction(plan, model.SpotToFutures, floor.Sub(free))
	case free.GreaterThan(floor.Add(cfg.Spread)):
		addAction(plan, model.FuturesToSpot, free.Sub(floor))
	}
}

// addAction rounds amount and drops the action when nothing is left to move.
func addAction(plan *model.Plan, kind model.TransferKind, amount decimal.Decimal) {
	amount = model.RoundAmount(amount)
	if !amount.IsPositive() {
		return
	}
	plan.Actions = append(plan.Actions, model.TransferAction{Kind: kind, Amount: amount})
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
