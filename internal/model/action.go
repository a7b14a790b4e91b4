package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of fractional digits kept on every transfer.
const AmountPrecision int32 = 8

// TransferKind names the direction of a transfer between tiers.
type TransferKind string

const (
	SpotToSavings TransferKind = "SPOT_TO_SAVINGS"
	SavingsToSpot TransferKind = "SAVINGS_TO_SPOT"
	SpotToFutures TransferKind = "SPOT_TO_FUTURES"
	FuturesToSpot TransferKind = "FUTURES_TO_SPOT"
)

// Leg groups transfer kinds that share a balance pair.
type Leg string

const (
	LegSavings Leg = "savings"
	LegFutures Leg = "futures"
)

// Leg reports which balance pair the kind moves funds across.
func (k TransferKind) Leg() Leg {
	switch k {
	case SpotToFutures, FuturesToSpot:
		return LegFutures
	default:
		return LegSavings
	}
}

// Valid reports whether k is one of the known kinds.
func (k TransferKind) Valid() bool {
	switch k {
	case SpotToSavings, SavingsToSpot, SpotToFutures, FuturesToSpot:
		return true
	}
	return false
}

// TransferAction is a single instruction produced by the policy evaluator or
// by a manual request.
type TransferAction struct {
	Kind   TransferKind    `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

func (a TransferAction) String() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.Amount.String())
}

// Plan is the output of one policy evaluation.
type Plan struct {
	Actions               []TransferAction
	InsufficientLiquidity bool
	Shortfall             decimal.Decimal
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Actions) == 0
}

// RoundAmount truncates d to AmountPrecision fractional digits so that a
// transfer never exceeds the balance it was derived from.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(AmountPrecision)
}
