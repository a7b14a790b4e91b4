package recorder

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// PassRecord summarizes one reconciliation pass.
type PassRecord struct {
	ID           string
	Asset        string
	Snapshot     model.BalanceSnapshot
	Actions      int
	Applied      int
	Skipped      int
	Failed       int
	Insufficient bool
	Shortfall    decimal.Decimal
	Duration     time.Duration
	Err          string
}

// Recorder journals transfer attempts and passes for later analysis.
type Recorder interface {
	RecordTransfer(evt *model.TransferEvent) error
	RecordPass(rec *PassRecord) error
	RecentTransfers(asset string, limit int) ([]model.TransferEvent, error)
	Close() error
}
