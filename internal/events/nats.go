package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

const (
	DefaultNATSSubject = "rebalancer.transfers"
	StreamName         = "REBALANCER_TRANSFERS"
)

// NATSPublisher publishes events to JetStream on <subject>.<ASSET>.
type NATSPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NewNATSPublisher connects to url and ensures the transfers stream exists.
func NewNATSPublisher(ctx context.Context, url, subject string, log zerolog.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return &NATSPublisher{nc: nc, js: js, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, evt model.TransferEvent) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", p.subject, evt.Asset)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
