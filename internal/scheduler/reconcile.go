package scheduler

import (
	"context"
	"time"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/notifier"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/recorder"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/strategy"
)

// Pass results reported in metrics and /status.
const (
	ResultNoop        = "noop"
	ResultApplied     = "applied"
	ResultPartial     = "partial"
	ResultUnavailable = "unavailable"
)

// PassReport describes one reconciliation pass.
type PassReport struct {
	ID        string
	Asset     string
	StartedAt time.Time
	Duration  time.Duration
	Snapshot  model.BalanceSnapshot
	Plan      model.Plan
	Applied   []model.TransferAction
	Skipped   []model.TransferAction
	Failed    []model.TransferAction
	Err       error
}

// Result summarizes the pass outcome.
func (r PassReport) Result() string {
	switch {
	case r.Err != nil:
		return ResultUnavailable
	case len(r.Failed) > 0 || len(r.Skipped) > 0:
		return ResultPartial
	case len(r.Applied) == 0:
		return ResultNoop
	default:
		return ResultApplied
	}
}

// Reconcile fetches a snapshot, evaluates the threshold policy and applies
// the resulting actions. A failing action never stops the remaining ones.
// Staking to savings is skipped while another owner holds the asset lock.
func (s *Scheduler) Reconcile(ctx context.Context) PassReport {
	report := PassReport{
		ID:        newPassID(),
		Asset:     s.cfg.Asset,
		StartedAt: time.Now(),
	}
	log := s.log.With().Str("pass_id", report.ID).Str("asset", report.Asset).Logger()
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		s.finish(report)
	}()

	snap, err := s.snapshots.Collect(ctx, s.cfg.Asset)
	if err != nil {
		report.Err = err
		log.Error().Err(err).Msg("fetch balances, skipping pass")
		return report
	}
	report.Snapshot = snap
	s.metrics.ObserveSnapshot(snap)
	if s.store != nil {
		if err := s.store.Put(snap); err != nil {
			log.Warn().Err(err).Msg("persist snapshot")
		}
	}

	plan := strategy.Evaluate(snap, s.cfg)
	report.Plan = plan
	s.reportLiquidity(snap, plan)

	if plan.Empty() {
		log.Debug().
			Str("spot", snap.SpotFree.String()).
			Str("savings", snap.SavingsAmount.String()).
			Msg("balances within band")
		return report
	}

	owner := "pass:" + report.ID
	locked := false
	for _, action := range plan.Actions {
		if action.Kind == model.SpotToSavings {
			if !s.locks.TryLock(ctx, s.cfg.Asset, owner) {
				report.Skipped = append(report.Skipped, action)
				log.Info().Str("action", action.String()).Msg("asset locked, skipping stake")
				continue
			}
			locked = true
		}

		if err := s.executor.Apply(ctx, model.SourceScheduler, report.ID, s.cfg.Asset, action); err != nil {
			report.Failed = append(report.Failed, action)
			s.notify(notifier.FormatTransferFailure(s.cfg.Asset, action, err))
			continue
		}
		report.Applied = append(report.Applied, action)
	}
	if locked {
		s.locks.Release(context.WithoutCancel(ctx), s.cfg.Asset, owner)
	}

	log.Info().
		Int("applied", len(report.Applied)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("pass complete")
	return report
}

// reportLiquidity alerts once when savings stop covering the spot floor and
// again only after the condition has cleared.
func (s *Scheduler) reportLiquidity(snap model.BalanceSnapshot, plan model.Plan) {
	s.mu.Lock()
	was := s.insufficient
	s.insufficient = plan.InsufficientLiquidity
	s.mu.Unlock()

	if !plan.InsufficientLiquidity {
		return
	}
	s.metrics.ObserveInsufficientLiquidity()
	s.log.Warn().
		Str("asset", snap.Asset).
		Str("spot", snap.SpotFree.String()).
		Str("savings", snap.SavingsAmount.String()).
		Str("shortfall", plan.Shortfall.String()).
		Msg("insufficient liquidity to restore spot floor")
	if !was {
		s.notify(notifier.FormatInsufficientLiquidity(s.cfg.Asset, snap, s.cfg.MinSpotAmount, plan.Shortfall))
	}
}

func (s *Scheduler) finish(report PassReport) {
	s.metrics.ObservePass(report.Result(), report.Duration)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	rec := &recorder.PassRecord{
		ID:           report.ID,
		Asset:        report.Asset,
		Snapshot:     report.Snapshot,
		Actions:      len(report.Plan.Actions),
		Applied:      len(report.Applied),
		Skipped:      len(report.Skipped),
		Failed:       len(report.Failed),
		Insufficient: report.Plan.InsufficientLiquidity,
		Shortfall:    report.Plan.Shortfall,
		Duration:     report.Duration,
	}
	if report.Err != nil {
		rec.Err = report.Err.Error()
	}
	if err := s.recorder.RecordPass(rec); err != nil {
		s.log.Error().Err(err).Str("pass_id", report.ID).Msg("record pass")
	}
}
