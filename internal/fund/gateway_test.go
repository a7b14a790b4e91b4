package fund

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/exchange"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/executor"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/lock"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	paper   *exchange.PaperExchange
	locks   *lock.Manager
	now     time.Time
	gateway *Gateway
}

func newFixture(t *testing.T, futures bool) *fixture {
	t.Helper()
	f := &fixture{
		paper: exchange.NewPaperExchange(),
		now:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	f.locks = lock.NewManager(5*time.Minute, lock.WithClock(func() time.Time { return f.now }))
	exec := executor.New(executor.Deps{Exchange: f.paper, Timeout: time.Second, Logger: zerolog.Nop()})
	f.gateway = NewGateway(Deps{
		Snapshots:      exchange.NewSnapshotService(f.paper, time.Second),
		Executor:       exec,
		Locks:          f.locks,
		FuturesEnabled: futures,
		Logger:         zerolog.Nop(),
	})
	return f
}

func (f *fixture) seed(spot, savings string) {
	f.paper.SetBalances("USDT", d(spot), d(savings), decimal.Zero, decimal.Zero)
}

func (f *fixture) balances(t *testing.T) model.BalanceSnapshot {
	t.Helper()
	snap, err := f.paper.Balances(context.Background(), "USDT")
	require.NoError(t, err)
	return snap
}

func TestRedeem_PartialFromSavings(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")

	res, err := f.gateway.Redeem(context.Background(), "USDT", d("100"))

	require.NoError(t, err)
	assert.True(t, d("80").Equal(res.Moved))
	snap := f.balances(t)
	assert.True(t, d("100").Equal(snap.SpotFree))
	assert.True(t, d("10").Equal(snap.SavingsAmount))
	assert.True(t, f.locks.IsLocked(context.Background(), "USDT"), "redeem keeps the asset locked")
}

func TestRedeem_InsufficientFunds(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "50")

	_, err := f.gateway.Redeem(context.Background(), "USDT", d("100"))

	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	var ife *model.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, d("30").Equal(ife.Shortfall))
	assert.True(t, f.locks.IsLocked(context.Background(), "USDT"))
	assert.Empty(t, f.paper.Calls(), "nothing is moved on insufficient funds")
}

func TestRedeem_SpotAlreadySufficient(t *testing.T) {
	f := newFixture(t, false)
	f.seed("150", "90")

	res, err := f.gateway.Redeem(context.Background(), "usdt", d("100"))

	require.NoError(t, err)
	assert.True(t, res.Moved.IsZero())
	assert.Equal(t, "USDT", res.Asset)
	assert.Empty(t, f.paper.Calls())
	assert.True(t, f.locks.IsLocked(context.Background(), "USDT"))
}

func TestRedeem_InvalidAmount(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")

	for _, amt := range []string{"0", "-5"} {
		_, err := f.gateway.Redeem(context.Background(), "USDT", d(amt))
		assert.ErrorIs(t, err, model.ErrInvalidAmount)
	}
	assert.False(t, f.locks.IsLocked(context.Background(), "USDT"), "invalid requests never take the lock")
}

func TestStake_PartialWhenSpotShort(t *testing.T) {
	f := newFixture(t, false)
	f.seed("30", "0")

	res, err := f.gateway.Stake(context.Background(), "USDT", d("100"))

	require.NoError(t, err)
	assert.True(t, d("30").Equal(res.Moved))
	assert.True(t, f.balances(t).SpotFree.IsZero())
	assert.False(t, f.locks.IsLocked(context.Background(), "USDT"), "stake releases its own lock")
}

func TestStake_RejectedWhileRedeemHoldsLock(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")
	ctx := context.Background()

	_, err := f.gateway.Redeem(ctx, "USDT", d("100"))
	require.NoError(t, err)

	_, err = f.gateway.Stake(ctx, "USDT", d("10"))
	assert.ErrorIs(t, err, model.ErrAssetLocked)

	require.NoError(t, f.gateway.Unlock(ctx, "USDT"))
	_, err = f.gateway.Stake(ctx, "USDT", d("10"))
	assert.NoError(t, err)
}

func TestStake_AllowedAfterLockExpires(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")
	ctx := context.Background()

	_, err := f.gateway.Redeem(ctx, "USDT", d("100"))
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Minute)
	res, err := f.gateway.Stake(ctx, "USDT", d("10"))
	require.NoError(t, err)
	assert.True(t, d("10").Equal(res.Moved))
}

func TestStake_Validation(t *testing.T) {
	f := newFixture(t, false)
	f.seed("0", "50")
	ctx := context.Background()

	_, err := f.gateway.Stake(ctx, "USDT", d("0"))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = f.gateway.Stake(ctx, "USDT", d("5"))
	assert.ErrorIs(t, err, model.ErrNoSpotBalance)

	_, err = f.gateway.Stake(ctx, "  ", d("5"))
	assert.ErrorIs(t, err, model.ErrInvalidAsset)

	assert.Empty(t, f.paper.Calls())
}

func TestStake_TransferFailure(t *testing.T) {
	f := newFixture(t, false)
	f.seed("50", "0")
	f.paper.FailTransfers(model.SpotToSavings, errors.New("network down"))

	res, err := f.gateway.Stake(context.Background(), "USDT", d("10"))

	assert.ErrorIs(t, err, model.ErrTransfer)
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
	assert.True(t, res.Moved.IsZero())
}

func TestFuturesTransfers(t *testing.T) {
	f := newFixture(t, true)
	f.paper.SetBalances("USDT", d("40"), decimal.Zero, d("15"), d("5"))
	ctx := context.Background()

	res, err := f.gateway.TransferToFutures(ctx, "USDT", d("100"))
	require.NoError(t, err)
	assert.True(t, d("40").Equal(res.Moved))

	res, err = f.gateway.TransferFromFutures(ctx, "USDT", d("20"))
	require.NoError(t, err)
	assert.True(t, d("20").Equal(res.Moved))

	snap := f.balances(t)
	assert.True(t, d("20").Equal(snap.SpotFree))
	assert.True(t, d("35").Equal(snap.FuturesFree))
}

func TestFuturesTransfers_Validation(t *testing.T) {
	ctx := context.Background()

	disabled := newFixture(t, false)
	disabled.seed("10", "0")
	_, err := disabled.gateway.TransferToFutures(ctx, "USDT", d("1"))
	assert.ErrorIs(t, err, model.ErrFuturesDisabled)

	f := newFixture(t, true)
	f.seed("0", "0")
	_, err = f.gateway.TransferToFutures(ctx, "USDT", d("1"))
	assert.ErrorIs(t, err, model.ErrNoSpotBalance)
	_, err = f.gateway.TransferFromFutures(ctx, "USDT", d("1"))
	assert.ErrorIs(t, err, model.ErrNoFuturesBalance)
	_, err = f.gateway.TransferFromFutures(ctx, "USDT", d("-1"))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestDo_Dispatch(t *testing.T) {
	f := newFixture(t, false)
	f.seed("50", "0")
	ctx := context.Background()

	res, err := f.gateway.Do(ctx, "stake", "USDT", d("5"))
	require.NoError(t, err)
	assert.Equal(t, ActionStake, res.Action)

	_, err = f.gateway.Do(ctx, "withdraw", "USDT", d("5"))
	assert.ErrorIs(t, err, model.ErrUnknownAction)
}

func TestBalance_FallsBackToLastSnapshot(t *testing.T) {
	f := newFixture(t, true)
	f.paper.SetBalances("USDT", d("10"), d("5"), d("3"), d("1"))
	ctx := context.Background()

	view, err := f.gateway.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.False(t, view.Stale)
	assert.True(t, d("15").Equal(view.Total))
	assert.True(t, d("4").Equal(view.Futures.Full))
	assert.True(t, d("3").Equal(view.Futures.Free))

	f.paper.FailBalances(errors.New("timeout"))
	view, err = f.gateway.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, view.Stale)
	assert.True(t, d("10").Equal(view.Spot))

	_, err = f.gateway.Balance(ctx, "BTC")
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", ResultLabel(nil))
	assert.Equal(t, "locked", ResultLabel(model.ErrAssetLocked))
	assert.Equal(t, "insufficient", ResultLabel(&model.InsufficientFundsError{}))
	assert.Equal(t, "transfer_error", ResultLabel(&model.TransferError{Cause: errors.New("x")}))
	assert.Equal(t, "unavailable", ResultLabel(model.Unavailable("op", errors.New("x"))))
	assert.Equal(t, "error", ResultLabel(errors.New("x")))
}

func TestSnapshotStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshots.json")
	store, err := NewSnapshotStore(path)
	require.NoError(t, err)

	older := model.BalanceSnapshot{Asset: "BTC", SpotFree: d("1"), FetchedAt: time.Unix(100, 0)}
	newer := model.BalanceSnapshot{Asset: "BTC", SpotFree: d("2"), FetchedAt: time.Unix(200, 0)}
	require.NoError(t, store.Put(newer))
	require.NoError(t, store.Put(older))

	reloaded, err := NewSnapshotStore(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("BTC")
	require.True(t, ok)
	assert.True(t, d("2").Equal(got.SpotFree), "an older snapshot never replaces a newer one")
}

func TestRedeem_WaitsForRunningStake(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")
	ctx := context.Background()
	require.True(t, f.locks.TryLock(ctx, "USDT", "stake:req-0"))

	done := make(chan error, 1)
	go func() {
		_, err := f.gateway.Redeem(ctx, "USDT", d("100"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("redeem ran during a stake: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, f.paper.Calls())

	f.locks.Release(ctx, "USDT", "stake:req-0")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("redeem did not proceed after the stake released the lock")
	}
	assert.True(t, d("100").Equal(f.balances(t).SpotFree))
}

func TestRedeem_AssetBusyAfterLockWait(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")
	f.gateway.lockWait = 30 * time.Millisecond
	ctx := context.Background()
	require.True(t, f.locks.TryLock(ctx, "USDT", "pass:p-1"))

	_, err := f.gateway.Redeem(ctx, "USDT", d("100"))

	assert.ErrorIs(t, err, model.ErrAssetLocked)
	assert.Empty(t, f.paper.Calls())
	owner, _ := f.locks.Owner("USDT")
	assert.Equal(t, "pass:p-1", owner)
}

func TestRedeem_SubPrecisionAmountRoundsUp(t *testing.T) {
	f := newFixture(t, false)
	f.seed("20", "90")

	res, err := f.gateway.Redeem(context.Background(), "USDT", d("50.123456789"))

	require.NoError(t, err)
	assert.True(t, d("30.12345679").Equal(res.Moved), res.Moved.String())
	assert.True(t, f.balances(t).SpotFree.GreaterThanOrEqual(d("50.123456789")))
}

func TestDo_UnknownActionsShareOneSeries(t *testing.T) {
	f := newFixture(t, false)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f.gateway.metrics = metrics
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := f.gateway.Do(ctx, fmt.Sprintf("junk-%d", i), "USDT", d("1"))
		require.ErrorIs(t, err, model.ErrUnknownAction)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.GatewayRequests))
	assert.Equal(t, 20.0, testutil.ToFloat64(metrics.GatewayRequests.WithLabelValues("unknown", "invalid")))
}
