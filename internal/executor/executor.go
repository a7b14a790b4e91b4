package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/events"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/exchange"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/recorder"
)

// sinkTimeout bounds journal and event publishing after a transfer.
const sinkTimeout = 5 * time.Second

// Executor turns transfer actions into exactly one exchange call each.
type Executor struct {
	exchange  exchange.Exchange
	timeout   time.Duration
	recorder  recorder.Recorder
	publisher events.Publisher
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// Deps wires an Executor. Recorder and Publisher default to no-ops.
type Deps struct {
	Exchange  exchange.Exchange
	Timeout   time.Duration
	Recorder  recorder.Recorder
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func New(d Deps) *Executor {
	if d.Recorder == nil {
		d.Recorder = recorder.NewNoopRecorder()
	}
	if d.Publisher == nil {
		d.Publisher = events.NewNoopPublisher()
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return &Executor{
		exchange:  d.Exchange,
		timeout:   d.Timeout,
		recorder:  d.Recorder,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		log:       d.Logger,
	}
}

// Apply performs action for asset. refID ties the attempt to a pass or a
// request. Failures come back as *model.TransferError; timeouts and transport
// failures also match model.ErrCollaboratorUnavailable.
func (e *Executor) Apply(ctx context.Context, source model.Source, refID, asset string, action model.TransferAction) error {
	if !action.Amount.IsPositive() {
		return fmt.Errorf("%s %s: %w", action.Kind, action.Amount, model.ErrInvalidAmount)
	}
	if !action.Kind.Valid() {
		return fmt.Errorf("%q: %w", action.Kind, model.ErrUnknownAction)
	}

	log := e.log.With().
		Str("source", string(source)).
		Str("ref_id", refID).
		Str("asset", asset).
		Str("direction", string(action.Kind)).
		Str("amount", action.Amount.String()).
		Logger()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := e.call(callCtx, asset, action)
	if err != nil {
		err = classify(asset, action, err)
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("transfer failed")
	} else {
		log.Info().Dur("elapsed", time.Since(start)).Msg("transfer applied")
	}

	e.metrics.ObserveTransfer(action, err)
	e.emit(ctx, log, source, refID, asset, action, err)
	return err
}

func (e *Executor) call(ctx context.Context, asset string, action model.TransferAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exchange panic: %v", r)
		}
	}()

	amount := action.Amount
	switch action.Kind {
	case model.SpotToSavings:
		return e.exchange.SubscribeSavings(ctx, asset, amount)
	case model.SavingsToSpot:
		return e.exchange.RedeemSavings(ctx, asset, amount)
	case model.SpotToFutures:
		return e.exchange.TransferToFutures(ctx, asset, amount)
	case model.FuturesToSpot:
		return e.exchange.TransferToSpot(ctx, asset, amount)
	}
	return model.ErrUnknownAction
}

// classify wraps err in a TransferError. Only a non-transient exchange
// response counts as a rejection; everything else means the exchange is
// unavailable.
func classify(asset string, action model.TransferAction, err error) error {
	var apiErr *exchange.APIError
	cause := err
	if !errors.As(err, &apiErr) || apiErr.Transient() {
		cause = model.Unavailable(string(action.Kind), err)
	}
	return &model.TransferError{Kind: action.Kind, Asset: asset, Amount: action.Amount, Cause: cause}
}

// emit journals and publishes the attempt. Sink failures are logged only.
func (e *Executor) emit(ctx context.Context, log zerolog.Logger, source model.Source, refID, asset string, action model.TransferAction, err error) {
	evt := model.TransferEvent{
		ID:        uuid.NewString(),
		RefID:     refID,
		Source:    source,
		Asset:     asset,
		Kind:      action.Kind,
		Amount:    action.Amount,
		OK:        err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		evt.Error = err.Error()
	}

	if rerr := e.recorder.RecordTransfer(&evt); rerr != nil {
		log.Error().Err(rerr).Msg("record transfer")
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if perr := e.publisher.Publish(pubCtx, evt); perr != nil {
		log.Warn().Err(perr).Msg("publish transfer event")
	}
}
