package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/lock"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/recorder"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

const (
	defaultSweepInterval = time.Minute
	notifyRetries        = 2
)

// SnapshotSource fetches current balances.
type SnapshotSource interface {
	Collect(ctx context.Context, asset string) (model.BalanceSnapshot, error)
}

// SnapshotSink keeps the latest snapshot for stale reads.
type SnapshotSink interface {
	Put(snap model.BalanceSnapshot) error
}

// TransferApplier performs one transfer.
type TransferApplier interface {
	Apply(ctx context.Context, source model.Source, refID, asset string, action model.TransferAction) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

type Deps struct {
	Config        model.ThresholdConfig
	Snapshots     SnapshotSource
	Store         SnapshotSink
	Executor      TransferApplier
	Locks         lock.Locker
	Recorder      recorder.Recorder
	Notifier      Notifier
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	SweepInterval time.Duration
}

// Scheduler runs the reconciliation pass on a fixed interval. At most one
// pass runs at a time; ticks that fire while a pass is in flight are skipped.
type Scheduler struct {
	Cron *cron.Cron

	cfg       model.ThresholdConfig
	snapshots SnapshotSource
	store     SnapshotSink
	executor  TransferApplier
	locks     lock.Locker
	recorder  recorder.Recorder
	notifier  Notifier
	metrics   *observability.Metrics
	log       zerolog.Logger
	sweepIvl  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	busy         bool
	inflight     sync.WaitGroup
	last         PassReport
	insufficient bool
}

// NewScheduler creates a stopped scheduler. ctx bounds every pass.
func NewScheduler(ctx context.Context, d Deps) *Scheduler {
	if d.Recorder == nil {
		d.Recorder = recorder.NewNoopRecorder()
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = defaultSweepInterval
	}
	logger := cronLogger{log: d.Logger, metrics: d.Metrics}
	passCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		Cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		cfg:       d.Config,
		snapshots: d.Snapshots,
		store:     d.Store,
		executor:  d.Executor,
		locks:     d.Locks,
		recorder:  d.Recorder,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		log:       d.Logger,
		sweepIvl:  d.SweepInterval,
		ctx:       passCtx,
		cancel:    cancel,
		state:     StateStopped,
	}
}

// Register adds the reconciliation pass and the lock sweep.
func (s *Scheduler) Register() error {
	if s.cfg.TickInterval <= 0 {
		return fmt.Errorf("register reconcile task: tick interval must be positive")
	}
	s.Cron.Schedule(cron.Every(s.cfg.TickInterval), cron.FuncJob(s.runTick))
	s.Cron.Schedule(cron.Every(s.sweepIvl), cron.FuncJob(s.sweepLocks))
	return nil
}

// Start moves the scheduler to Running and starts the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.Cron.Start()
	s.log.Info().Dur("interval", s.cfg.TickInterval).Str("asset", s.cfg.Asset).Msg("scheduler started")
}

// Stop halts new ticks and waits up to timeout for the in-flight pass. If the
// wait times out the pass context is cancelled. It reports whether the pass
// drained in time.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.cancel()
		return true
	}
	s.state = StateStopped
	s.mu.Unlock()

	cronDone := s.Cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
	case <-time.After(timeout):
		drained = false
		s.log.Warn().Dur("timeout", timeout).Msg("scheduler stop timed out, abandoning in-flight pass")
	}
	s.cancel()
	return drained
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastPass returns the most recent pass report.
func (s *Scheduler) LastPass() PassReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunNow runs one pass immediately unless the scheduler is stopped or a pass
// is already running. It reports whether a pass ran.
func (s *Scheduler) RunNow() bool {
	return s.tick()
}

func (s *Scheduler) runTick() { s.tick() }

func (s *Scheduler) tick() bool {
	if !s.begin() {
		return false
	}
	defer s.end()
	s.Reconcile(s.ctx)
	return true
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	if s.busy {
		s.metrics.ObserveSkip()
		s.log.Info().Msg("pass still running, skipping tick")
		return false
	}
	s.busy = true
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
	s.inflight.Done()
}

func (s *Scheduler) sweepLocks() {
	removed := s.locks.Sweep(time.Now())
	held := s.locks.Held(s.ctx)
	s.metrics.SetLocksHeld(held)
	if removed > 0 {
		s.log.Debug().Int("removed", removed).Int("held", held).Msg("swept expired locks")
	}
}

func (s *Scheduler) notify(text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendWithRetry(s.ctx, text, notifyRetries); err != nil {
		s.log.Error().Err(err).Msg("send notification")
	}
}

// cronLogger adapts zerolog to cron.Logger and counts skipped ticks.
type cronLogger struct {
	log     zerolog.Logger
	metrics *observability.Metrics
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.metrics.ObserveSkip()
	}
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func newPassID() string {
	return uuid.NewString()
}
