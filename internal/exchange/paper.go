package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

type paperAccount struct {
	spot        decimal.Decimal
	savings     decimal.Decimal
	futuresFree decimal.Decimal
	// margin in use by open positions; counted in full but never transferable
	futuresUsed decimal.Decimal
}

// PaperExchange keeps balances in memory. It is used for dry runs and as the
// exchange double in tests, where failures can be scripted per transfer kind.
type PaperExchange struct {
	mu          sync.Mutex
	accounts    map[string]*paperAccount
	failures    map[model.TransferKind]error
	balancesErr error
	delay       time.Duration
	calls       []model.TransferAction
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		accounts: make(map[string]*paperAccount),
		failures: make(map[model.TransferKind]error),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

func (p *PaperExchange) account(asset string) *paperAccount {
	acc, ok := p.accounts[asset]
	if !ok {
		acc = &paperAccount{}
		p.accounts[asset] = acc
	}
	return acc
}

// SetBalances seeds an asset. futuresUsed is margin that is not free.
func (p *PaperExchange) SetBalances(asset string, spot, savings, futuresFree, futuresUsed decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[asset] = &paperAccount{spot: spot, savings: savings, futuresFree: futuresFree, futuresUsed: futuresUsed}
}

// FailTransfers makes every transfer of kind fail with err. A nil err clears it.
func (p *PaperExchange) FailTransfers(kind model.TransferKind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, kind)
		return
	}
	p.failures[kind] = err
}

// FailBalances makes Balances fail with err. A nil err clears it.
func (p *PaperExchange) FailBalances(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balancesErr = err
}

// SetDelay makes every call wait d or until its context is done.
func (p *PaperExchange) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns the transfers that reached the exchange, failed ones included.
func (p *PaperExchange) Calls() []model.TransferAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.TransferAction, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *PaperExchange) wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.delay
	p.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *PaperExchange) Balances(ctx context.Context, asset string) (model.BalanceSnapshot, error) {
	if err := p.wait(ctx); err != nil {
		return model.BalanceSnapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balancesErr != nil {
		return model.BalanceSnapshot{}, p.balancesErr
	}
	acc := p.account(asset)
	return model.BalanceSnapshot{
		Asset:         asset,
		SpotFree:      acc.spot,
		SavingsAmount: acc.savings,
		FuturesFull:   acc.futuresFree.Add(acc.futuresUsed),
		FuturesFree:   acc.futuresFree,
		FetchedAt:     time.Now(),
	}, nil
}

// move debits one tier and credits another after checking scripted failures
// and the available balance.
func (p *PaperExchange) move(ctx context.Context, asset string, kind model.TransferKind, amount decimal.Decimal, from, to func(*paperAccount) *decimal.Decimal) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, model.TransferAction{Kind: kind, Amount: amount})
	if err := p.failures[kind]; err != nil {
		return err
	}
	acc := p.account(asset)
	src, dst := from(acc), to(acc)
	if src.LessThan(amount) {
		return &APIError{Method: "PAPER", Path: string(kind), Status: 400, Code: -5002, Msg: "insufficient balance"}
	}
	*src = src.Sub(amount)
	*dst = dst.Add(amount)
	return nil
}

func spotOf(a *paperAccount) *decimal.Decimal    { return &a.spot }
func savingsOf(a *paperAccount) *decimal.Decimal { return &a.savings }
func futuresOf(a *paperAccount) *decimal.Decimal { return &a.futuresFree }

func (p *PaperExchange) SubscribeSavings(ctx context.Context, asset string, amount decimal.Decimal) error {
	return p.move(ctx, asset, model.SpotToSavings, amount, spotOf, savingsOf)
}

func (p *PaperExchange) RedeemSavings(ctx context.Context, asset string, amount decimal.Decimal) error {
	return p.move(ctx, asset, model.SavingsToSpot, amount, savingsOf, spotOf)
}

func (p *PaperExchange) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return p.move(ctx, asset, model.SpotToFutures, amount, spotOf, futuresOf)
}

func (p *PaperExchange) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return p.move(ctx, asset, model.FuturesToSpot, amount, futuresOf, spotOf)
}
