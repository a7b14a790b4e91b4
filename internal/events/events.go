package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// Publisher fans transfer outcomes out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt model.TransferEvent) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (NoopPublisher) Publish(context.Context, model.TransferEvent) error { return nil }
func (NoopPublisher) Close() error                                     { return nil }

func encode(evt model.TransferEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
