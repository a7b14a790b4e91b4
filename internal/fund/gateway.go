package fund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/exchange"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/lock"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
)

// SnapshotSource fetches current balances.
type SnapshotSource interface {
	Collect(ctx context.Context, asset string) (model.BalanceSnapshot, error)
}

// TransferApplier performs one transfer.
type TransferApplier interface {
	Apply(ctx context.Context, source model.Source, refID, asset string, action model.TransferAction) error
}

// Action is a manual request kind.
type Action string

const (
	ActionStake         Action = "stake"
	ActionRedeem        Action = "redeem"
	ActionFutures       Action = "futures"
	ActionRedeemFutures Action = "redeem_futures"
)

// Result describes a completed manual request.
type Result struct {
	RequestID string          `json:"request_id"`
	Asset     string          `json:"asset"`
	Action    Action          `json:"action"`
	Requested decimal.Decimal `json:"amount_requested"`
	Moved     decimal.Decimal `json:"amount_moved"`
	Message   string          `json:"message"`
}

// FuturesView is the futures part of a balance response.
type FuturesView struct {
	Full decimal.Decimal `json:"futures_full"`
	Free decimal.Decimal `json:"futures_free"`
}

// BalanceView is the balance response. Stale is set when the exchange was
// unreachable and the last known snapshot was served instead.
type BalanceView struct {
	Asset     string          `json:"asset"`
	Spot      decimal.Decimal `json:"spot_balance"`
	Savings   decimal.Decimal `json:"savings_balance"`
	Total     decimal.Decimal `json:"total_balance"`
	Futures   FuturesView     `json:"futures_balance"`
	Stale     bool            `json:"stale"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Gateway handles manual stake, redeem and futures requests. It shares the
// lock manager with the control loop.
type Gateway struct {
	snapshots      SnapshotSource
	executor       TransferApplier
	locks          lock.Locker
	store          *SnapshotStore
	futuresEnabled bool
	lockWait       time.Duration
	metrics        *observability.Metrics
	log            zerolog.Logger
}

const defaultLockWait = 10 * time.Second

type Deps struct {
	Snapshots      SnapshotSource
	Executor       TransferApplier
	Locks          lock.Locker
	Store          *SnapshotStore
	FuturesEnabled bool
	// LockWait bounds how long Redeem waits for a running stake or pass to
	// release the asset. Defaults to 10s.
	LockWait time.Duration
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

func NewGateway(d Deps) *Gateway {
	if d.Store == nil {
		d.Store, _ = NewSnapshotStore("")
	}
	if d.LockWait <= 0 {
		d.LockWait = defaultLockWait
	}
	return &Gateway{
		snapshots:      d.Snapshots,
		executor:       d.Executor,
		locks:          d.Locks,
		store:          d.Store,
		futuresEnabled: d.FuturesEnabled,
		lockWait:       d.LockWait,
		metrics:        d.Metrics,
		log:            d.Logger,
	}
}

// Do dispatches a manual request by action name.
func (g *Gateway) Do(ctx context.Context, action, asset string, amount decimal.Decimal) (Result, error) {
	var (
		res   Result
		err   error
		label = action
	)
	switch Action(action) {
	case ActionStake:
		res, err = g.Stake(ctx, asset, amount)
	case ActionRedeem:
		res, err = g.Redeem(ctx, asset, amount)
	case ActionFutures:
		res, err = g.TransferToFutures(ctx, asset, amount)
	case ActionRedeemFutures:
		res, err = g.TransferFromFutures(ctx, asset, amount)
	default:
		// request input never becomes a label value
		label = "unknown"
		err = fmt.Errorf("%q: %w", action, model.ErrUnknownAction)
	}
	g.metrics.ObserveGateway(label, ResultLabel(err))
	return res, err
}

// ResultLabel maps an outcome to a short metric label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidAsset),
		errors.Is(err, model.ErrUnknownAction), errors.Is(err, model.ErrFuturesDisabled):
		return "invalid"
	case errors.Is(err, model.ErrNoSpotBalance), errors.Is(err, model.ErrNoFuturesBalance):
		return "no_balance"
	case errors.Is(err, model.ErrAssetLocked):
		return "locked"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient"
	case errors.Is(err, model.ErrTransfer):
		return "transfer_error"
	case errors.Is(err, model.ErrCollaboratorUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (g *Gateway) begin(action Action, asset string, amount decimal.Decimal) (Result, zerolog.Logger, error) {
	res := Result{
		RequestID: uuid.NewString(),
		Asset:     exchange.NormalizeAsset(asset),
		Action:    action,
		Requested: amount,
		Moved:     decimal.Zero,
	}
	log := g.log.With().
		Str("request_id", res.RequestID).
		Str("action", string(action)).
		Str("asset", res.Asset).
		Str("amount", amount.String()).
		Logger()
	if res.Asset == "" {
		return res, log, model.ErrInvalidAsset
	}
	if !amount.IsPositive() {
		return res, log, fmt.Errorf("%s %s: %w", action, amount, model.ErrInvalidAmount)
	}
	return res, log, nil
}

func (g *Gateway) collect(ctx context.Context, asset string) (model.BalanceSnapshot, error) {
	snap, err := g.snapshots.Collect(ctx, asset)
	if err != nil {
		return snap, err
	}
	if err := g.store.Put(snap); err != nil {
		g.log.Warn().Err(err).Str("asset", asset).Msg("persist snapshot")
	}
	return snap, nil
}

// Stake moves min(amount, spot free) into savings. It is rejected while the
// asset is locked by anyone else and holds the lock only while it runs.
func (g *Gateway) Stake(ctx context.Context, asset string, amount decimal.Decimal) (Result, error) {
	res, log, err := g.begin(ActionStake, asset, amount)
	if err != nil {
		return res, err
	}

	owner := "stake:" + res.RequestID
	if !g.locks.TryLock(ctx, res.Asset, owner) {
		log.Info().Msg("stake rejected: asset locked")
		return res, fmt.Errorf("stake %s: %w", res.Asset, model.ErrAssetLocked)
	}
	defer g.locks.Release(ctx, res.Asset, owner)

	snap, err := g.collect(ctx, res.Asset)
	if err != nil {
		return res, err
	}
	toStake := model.RoundAmount(decimal.Min(amount, snap.SpotFree))
	if !toStake.IsPositive() {
		return res, fmt.Errorf("stake %s: %w", res.Asset, model.ErrNoSpotBalance)
	}

	log.Info().Str("to_stake", toStake.String()).Msg("staking to savings")
	if err := g.executor.Apply(ctx, model.SourceGateway, res.RequestID, res.Asset,
		model.TransferAction{Kind: model.SpotToSavings, Amount: toStake}); err != nil {
		return res, err
	}
	res.Moved = toStake
	res.Message = fmt.Sprintf("Staked %s %s to savings.", toStake, res.Asset)
	return res, nil
}

// Redeem makes amount available in spot, redeeming the missing part from
// savings. The asset lock is reserved before balances are read, waiting up
// to LockWait for a running stake or pass to finish. The reservation is left
// for the TTL or an explicit Unlock to release, so the control loop does not
// re-stake the funds being withdrawn.
func (g *Gateway) Redeem(ctx context.Context, asset string, amount decimal.Decimal) (Result, error) {
	res, log, err := g.begin(ActionRedeem, asset, amount)
	if err != nil {
		return res, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, g.lockWait)
	err = g.locks.Reserve(lockCtx, res.Asset, "redeem:"+res.RequestID)
	cancel()
	if err != nil {
		if errors.Is(err, model.ErrAssetLocked) {
			log.Info().Msg("redeem rejected: asset busy")
			return res, err
		}
		return res, model.Unavailable("reserve lock", err)
	}

	snap, err := g.collect(ctx, res.Asset)
	if err != nil {
		return res, err
	}

	if snap.SpotFree.GreaterThanOrEqual(amount) {
		res.Message = fmt.Sprintf("Enough %s available in Spot to proceed with redemption.", res.Asset)
		log.Info().Msg("spot already covers redemption")
		return res, nil
	}

	available := snap.Total()
	if available.LessThan(amount) {
		log.Warn().Str("available", available.String()).Msg("redeem exceeds spot and savings")
		return res, &model.InsufficientFundsError{
			Asset:     res.Asset,
			Requested: amount,
			Available: available,
			Shortfall: amount.Sub(available),
		}
	}

	// round the missing part up so spot ends at or above amount
	missing := amount.Sub(snap.SpotFree).RoundUp(model.AmountPrecision)
	toRedeem := model.RoundAmount(decimal.Min(missing, snap.SavingsAmount))
	if !toRedeem.IsPositive() {
		res.Message = fmt.Sprintf("Nothing to redeem from %s savings.", res.Asset)
		return res, nil
	}

	log.Info().Str("to_redeem", toRedeem.String()).Msg("redeeming from savings")
	if err := g.executor.Apply(ctx, model.SourceGateway, res.RequestID, res.Asset,
		model.TransferAction{Kind: model.SavingsToSpot, Amount: toRedeem}); err != nil {
		return res, err
	}
	res.Moved = toRedeem
	res.Message = fmt.Sprintf("Redeemed %s %s from savings.", toRedeem, res.Asset)
	return res, nil
}

// TransferToFutures moves min(amount, spot free) into the futures wallet.
func (g *Gateway) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) (Result, error) {
	res, log, err := g.begin(ActionFutures, asset, amount)
	if err != nil {
		return res, err
	}
	if !g.futuresEnabled {
		return res, model.ErrFuturesDisabled
	}

	snap, err := g.collect(ctx, res.Asset)
	if err != nil {
		return res, err
	}
	toMove := model.RoundAmount(decimal.Min(amount, snap.SpotFree))
	if !toMove.IsPositive() {
		return res, fmt.Errorf("transfer %s to futures: %w", res.Asset, model.ErrNoSpotBalance)
	}

	log.Info().Str("to_move", toMove.String()).Msg("transferring spot to futures")
	if err := g.executor.Apply(ctx, model.SourceGateway, res.RequestID, res.Asset,
		model.TransferAction{Kind: model.SpotToFutures, Amount: toMove}); err != nil {
		return res, err
	}
	res.Moved = toMove
	res.Message = fmt.Sprintf("Transferred %s %s from Spot to Futures.", toMove, res.Asset)
	return res, nil
}

// TransferFromFutures moves min(amount, futures free) back to spot.
func (g *Gateway) TransferFromFutures(ctx context.Context, asset string, amount decimal.Decimal) (Result, error) {
	res, log, err := g.begin(ActionRedeemFutures, asset, amount)
	if err != nil {
		return res, err
	}
	if !g.futuresEnabled {
		return res, model.ErrFuturesDisabled
	}

	snap, err := g.collect(ctx, res.Asset)
	if err != nil {
		return res, err
	}
	toMove := model.RoundAmount(decimal.Min(amount, snap.FuturesFree))
	if !toMove.IsPositive() {
		return res, fmt.Errorf("transfer %s from futures: %w", res.Asset, model.ErrNoFuturesBalance)
	}

	log.Info().Str("to_move", toMove.String()).Msg("transferring futures to spot")
	if err := g.executor.Apply(ctx, model.SourceGateway, res.RequestID, res.Asset,
		model.TransferAction{Kind: model.FuturesToSpot, Amount: toMove}); err != nil {
		return res, err
	}
	res.Moved = toMove
	res.Message = fmt.Sprintf("Transferred %s %s from Futures to Spot.", toMove, res.Asset)
	return res, nil
}

// Balance reports spot, savings and futures balances. When the exchange is
// unavailable the last known snapshot is returned with Stale set.
func (g *Gateway) Balance(ctx context.Context, asset string) (BalanceView, error) {
	asset = exchange.NormalizeAsset(asset)
	if asset == "" {
		return BalanceView{}, model.ErrInvalidAsset
	}

	snap, err := g.collect(ctx, asset)
	if err != nil {
		last, ok := g.store.Get(asset)
		if !ok || !errors.Is(err, model.ErrCollaboratorUnavailable) {
			return BalanceView{}, err
		}
		g.log.Warn().Err(err).Str("asset", asset).Time("fetched_at", last.FetchedAt).Msg("serving stale balance")
		view := g.view(last)
		view.Stale = true
		return view, nil
	}
	return g.view(snap), nil
}

func (g *Gateway) view(snap model.BalanceSnapshot) BalanceView {
	v := BalanceView{
		Asset:     snap.Asset,
		Spot:      snap.SpotFree,
		Savings:   snap.SavingsAmount,
		Total:     snap.Total(),
		FetchedAt: snap.FetchedAt,
	}
	if g.futuresEnabled {
		v.Futures = FuturesView{Full: snap.FuturesFull, Free: snap.FuturesFree}
	}
	return v
}

// Unlock releases the asset lock regardless of who holds it.
func (g *Gateway) Unlock(ctx context.Context, asset string) error {
	asset = exchange.NormalizeAsset(asset)
	if asset == "" {
		return model.ErrInvalidAsset
	}
	if err := g.locks.Unlock(ctx, asset); err != nil {
		return model.Unavailable("unlock", err)
	}
	g.log.Info().Str("asset", asset).Msg("asset unlocked")
	return nil
}

// IsLocked reports whether the asset is currently locked.
func (g *Gateway) IsLocked(ctx context.Context, asset string) bool {
	return g.locks.IsLocked(ctx, exchange.NormalizeAsset(asset))
}
