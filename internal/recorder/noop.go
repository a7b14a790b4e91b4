package recorder

import "github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"

// NoopRecorder is used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordTransfer(_ *model.TransferEvent) error { return nil }
func (n *NoopRecorder) RecordPass(_ *PassRecord) error              { return nil }
func (n *NoopRecorder) RecentTransfers(_ string, _ int) ([]model.TransferEvent, error) {
	return nil, nil
}
func (n *NoopRecorder) Close() error { return nil }
