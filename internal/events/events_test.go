package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestEncode(t *testing.T) {
	evt := model.TransferEvent{
		ID: "e1", RefID: "pass-1", Source: model.SourceScheduler, Asset: "USDT",
		Kind: model.SpotToSavings, Amount: decimal.RequireFromString("12.5"), OK: true,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := encode(evt)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "SPOT_TO_SAVINGS", got["kind"])
	assert.Equal(t, "12.5", got["amount"])
	assert.Equal(t, "scheduler", got["source"])
	assert.NotContains(t, got, "error")
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "")
	assert.Error(t, err)
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	assert.NoError(t, p.Publish(context.Background(), model.TransferEvent{}))
	assert.NoError(t, p.Close())
}
