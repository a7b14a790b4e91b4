package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

func TestPaperExchange_MovesBetweenTiers(t *testing.T) {
	p := NewPaperExchange()
	p.SetBalances("BTC", decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(2), decimal.NewFromInt(3))
	ctx := context.Background()

	require.NoError(t, p.SubscribeSavings(ctx, "BTC", decimal.NewFromInt(4)))
	require.NoError(t, p.TransferToSpot(ctx, "BTC", decimal.NewFromInt(2)))

	snap, err := p.Balances(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(8).Equal(snap.SpotFree))
	assert.True(t, decimal.NewFromInt(9).Equal(snap.SavingsAmount))
	assert.True(t, decimal.Zero.Equal(snap.FuturesFree))
	assert.True(t, decimal.NewFromInt(3).Equal(snap.FuturesFull))
	assert.Len(t, p.Calls(), 2)
}

func TestPaperExchange_RejectsOverdraft(t *testing.T) {
	p := NewPaperExchange()
	p.SetBalances("BTC", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, decimal.Zero)

	err := p.SubscribeSavings(context.Background(), "BTC", decimal.NewFromInt(2))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "insufficient balance", apiErr.Msg)
}

func TestPaperExchange_ScriptedFailure(t *testing.T) {
	p := NewPaperExchange()
	p.SetBalances("BTC", decimal.NewFromInt(10), decimal.Zero, decimal.Zero, decimal.Zero)
	boom := errors.New("boom")
	p.FailTransfers(model.SpotToSavings, boom)

	assert.ErrorIs(t, p.SubscribeSavings(context.Background(), "BTC", decimal.NewFromInt(1)), boom)

	p.FailTransfers(model.SpotToSavings, nil)
	assert.NoError(t, p.SubscribeSavings(context.Background(), "BTC", decimal.NewFromInt(1)))
}
