package fund

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// SnapshotStore keeps the last snapshot fetched per asset so balance queries
// can still answer while the exchange is unreachable. When filePath is set
// the snapshots survive restarts.
type SnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]model.BalanceSnapshot
	filePath  string
}

// NewSnapshotStore loads filePath if it exists. An empty path keeps
// snapshots in memory only.
func NewSnapshotStore(filePath string) (*SnapshotStore, error) {
	s := &SnapshotStore{snapshots: make(map[string]model.BalanceSnapshot), filePath: filePath}
	if filePath == "" {
		return s, nil
	}
	loaded, err := LoadSnapshots(filePath)
	if err != nil {
		return nil, err
	}
	s.snapshots = loaded
	return s, nil
}

// Put stores snap if it is newer than what is held for its asset.
func (s *SnapshotStore) Put(snap model.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[snap.Asset]; ok && cur.FetchedAt.After(snap.FetchedAt) {
		return nil
	}
	s.snapshots[snap.Asset] = snap
	if s.filePath == "" {
		return nil
	}
	return SaveSnapshots(s.filePath, s.snapshots)
}

// Get returns the last snapshot for asset.
func (s *SnapshotStore) Get(asset string) (model.BalanceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[asset]
	return snap, ok
}

// LoadSnapshots reads snapshots from a JSON file. A missing file yields an empty map.
func LoadSnapshots(filePath string) (map[string]model.BalanceSnapshot, error) {
	out := make(map[string]model.BalanceSnapshot)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSnapshots writes snapshots atomically via a temp file and rename.
func SaveSnapshots(filePath string, snapshots map[string]model.BalanceSnapshot) error {
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}
