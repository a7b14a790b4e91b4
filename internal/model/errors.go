package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidAmount           = errors.New("invalid amount: must be greater than zero")
	ErrInvalidAsset            = errors.New("asset is required")
	ErrAssetLocked             = errors.New("asset is locked")
	ErrTransfer                = errors.New("transfer failed")
	ErrCollaboratorUnavailable = errors.New("exchange unavailable")
	ErrNoSpotBalance           = errors.New("no spot balance available")
	ErrNoFuturesBalance        = errors.New("no futures balance available")
	ErrUnknownAction           = errors.New("unknown action")
	ErrFuturesDisabled         = errors.New("futures transfers are disabled")
)

// InsufficientFundsError is returned when spot and savings together cannot
// cover a redeem request.
type InsufficientFundsError struct {
	Asset     string
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: requested %s, available %s, short by %s",
		e.Asset, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// TransferError wraps a failed exchange call for a single action.
type TransferError struct {
	Kind   TransferKind
	Asset  string
	Amount decimal.Decimal
	Cause  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s %s: %v", e.Kind, e.Amount, e.Asset, e.Cause)
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// Unavailable marks err as a collaborator failure while keeping it in the chain.
func Unavailable(op string, err error) error {
	if errors.Is(err, ErrCollaboratorUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrCollaboratorUnavailable, err)
}
