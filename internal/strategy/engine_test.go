package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func baseConfig() model.ThresholdConfig {
	return model.ThresholdConfig{
		Asset:         "USDT",
		MinSpotAmount: d("100"),
		Spread:        d("20"),
		MinHop:        d("5"),
	}
}

func snapshot(spot, savings string) model.BalanceSnapshot {
	return model.BalanceSnapshot{Asset: "USDT", SpotFree: d(spot), SavingsAmount: d(savings)}
}

func requireSingle(t *testing.T, plan model.Plan, kind model.TransferKind, amount string) {
	t.Helper()
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, kind, plan.Actions[0].Kind)
	assert.True(t, d(amount).Equal(plan.Actions[0].Amount), "amount: want %s got %s", amount, plan.Actions[0].Amount)
}

func TestEvaluate_SurplusMovesToSavings(t *testing.T) {
	plan := Evaluate(snapshot("150", "0"), baseConfig())

	requireSingle(t, plan, model.SpotToSavings, "50")
	assert.False(t, plan.InsufficientLiquidity)
}

func TestEvaluate_DeficitCoveredBySavings(t *testing.T) {
	plan := Evaluate(snapshot("80", "50"), baseConfig())

	requireSingle(t, plan, model.SavingsToSpot, "20")
	assert.False(t, plan.InsufficientLiquidity)
}

func TestEvaluate_DeficitExceedsSavings(t *testing.T) {
	plan := Evaluate(snapshot("80", "10"), baseConfig())

	requireSingle(t, plan, model.SavingsToSpot, "10")
	assert.True(t, plan.InsufficientLiquidity)
	assert.True(t, d("10").Equal(plan.Shortfall))
}

func TestEvaluate_DeficitWithEmptySavings(t *testing.T) {
	plan := Evaluate(snapshot("80", "0"), baseConfig())

	assert.Empty(t, plan.Actions)
	assert.True(t, plan.InsufficientLiquidity)
	assert.True(t, d("20").Equal(plan.Shortfall))
}

func TestEvaluate_WithinBand(t *testing.T) {
	for _, spot := range []string{"100", "110", "120"} {
		plan := Evaluate(snapshot(spot, "500"), baseConfig())
		assert.True(t, plan.Empty(), "spot=%s", spot)
	}
}

func TestEvaluate_Hysteresis(t *testing.T) {
	cfg := baseConfig()
	cfg.Spread = d("0")
	cfg.MinHop = d("5")

	tests := []struct {
		name string
		spot string
		want string
	}{
		{"below hop", "104.99", ""},
		{"tiny surplus", "100.00000001", ""},
		{"exactly hop", "105", "5"},
		{"above hop", "130.5", "30.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Evaluate(snapshot(tt.spot, "0"), cfg)
			if tt.want == "" {
				assert.Empty(t, plan.Actions)
				return
			}
			requireSingle(t, plan, model.SpotToSavings, tt.want)
		})
	}
}

func TestEvaluate_DeficitTakesPrecedence(t *testing.T) {
	cfg := baseConfig()
	cfg.Spread = d("0")
	cfg.MinHop = d("0")

	plan := Evaluate(snapshot("99", "1000"), cfg)

	requireSingle(t, plan, model.SavingsToSpot, "1")
}

func TestEvaluate_Idempotent(t *testing.T) {
	cfg := baseConfig()
	cfg.FuturesEnabled = true
	cfg.MinFuturesAmount = d("30")
	snap := model.BalanceSnapshot{SpotFree: d("150"), SavingsAmount: d("5"), FuturesFree: d("10")}

	first := Evaluate(snap, cfg)
	second := Evaluate(snap, cfg)

	assert.Equal(t, first, second)
}

func TestEvaluate_FuturesRule(t *testing.T) {
	cfg := baseConfig()
	cfg.FuturesEnabled = true
	cfg.MinFuturesAmount = d("30")

	tests := []struct {
		name   string
		free   string
		kind   model.TransferKind
		amount string
		none   bool
	}{
		{name: "below floor", free: "10", kind: model.SpotToFutures, amount: "20"},
		{name: "above band", free: "75", kind: model.FuturesToSpot, amount: "45"},
		{name: "within band", free: "45", none: true},
		{name: "band edge", free: "50", none: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := model.BalanceSnapshot{SpotFree: d("110"), FuturesFree: d(tt.free)}
			plan := Evaluate(snap, cfg)
			if tt.none {
				assert.Empty(t, plan.Actions)
				return
			}
			requireSingle(t, plan, tt.kind, tt.amount)
		})
	}
}

func TestEvaluate_FuturesIgnoredWhenDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.MinFuturesAmount = d("30")
	snap := model.BalanceSnapshot{SpotFree: d("110"), FuturesFree: d("0")}

	assert.Empty(t, Evaluate(snap, cfg).Actions)
}

func TestEvaluate_BothLegs(t *testing.T) {
	cfg := baseConfig()
	cfg.FuturesEnabled = true
	cfg.MinFuturesAmount = d("30")
	snap := model.BalanceSnapshot{SpotFree: d("80"), SavingsAmount: d("50"), FuturesFree: d("100")}

	plan := Evaluate(snap, cfg)

	require.Len(t, plan.Actions, 2)
	assert.Equal(t, model.SavingsToSpot, plan.Actions[0].Kind)
	assert.Equal(t, model.FuturesToSpot, plan.Actions[1].Kind)
	assert.True(t, d("70").Equal(plan.Actions[1].Amount))
}

func TestEvaluate_RoundsDownAndDropsDust(t *testing.T) {
	cfg := baseConfig()
	cfg.Spread = d("0")
	cfg.MinHop = d("0")

	plan := Evaluate(snapshot("100.123456789", "0"), cfg)
	requireSingle(t, plan, model.SpotToSavings, "0.12345678")

	plan = Evaluate(snapshot("100.000000009", "0"), cfg)
	assert.Empty(t, plan.Actions)
}
