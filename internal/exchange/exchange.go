package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// Exchange is the account capability the rebalancer consumes.
type Exchange interface {
	Name() string
	Balances(ctx context.Context, asset string) (model.BalanceSnapshot, error)
	SubscribeSavings(ctx context.Context, asset string, amount decimal.Decimal) error
	RedeemSavings(ctx context.Context, asset string, amount decimal.Decimal) error
	TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error
	TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error
}

// SnapshotService fetches balance snapshots with a per-request timeout.
type SnapshotService struct {
	Exchange Exchange
	Timeout  time.Duration
}

func NewSnapshotService(ex Exchange, timeout time.Duration) *SnapshotService {
	return &SnapshotService{Exchange: ex, Timeout: timeout}
}

// Collect returns the current balances for asset. Any failure is reported as
// model.ErrCollaboratorUnavailable.
func (s *SnapshotService) Collect(ctx context.Context, asset string) (model.BalanceSnapshot, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	snap, err := s.Exchange.Balances(ctx, asset)
	if err != nil {
		return model.BalanceSnapshot{}, model.Unavailable(fmt.Sprintf("fetch %s balances from %s", asset, s.Exchange.Name()), err)
	}
	if snap.Asset == "" {
		snap.Asset = asset
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	return snap, nil
}

// NormalizeAsset upper-cases and trims an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
