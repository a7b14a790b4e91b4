package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies who initiated a transfer.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceGateway   Source = "gateway"
)

// TransferEvent is the outcome of one executor call. It is journaled and
// published to the configured event sink.
type TransferEvent struct {
	ID        string          `json:"id"`
	RefID     string          `json:"ref_id"`
	Source    Source          `json:"source"`
	Asset     string          `json:"asset"`
	Kind      TransferKind    `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
