package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

// SQLiteRecorder persists the transfer journal to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the rebalancer writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
			id        TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			ref_id    TEXT,
			source    TEXT NOT NULL,
			asset     TEXT NOT NULL,
			kind      TEXT NOT NULL,
			amount    TEXT NOT NULL,
			ok        INTEGER NOT NULL,
			error     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_asset_ts ON transfers(asset, timestamp)`,

		`CREATE TABLE IF NOT EXISTS passes (
			id           TEXT PRIMARY KEY,
			timestamp    INTEGER NOT NULL,
			asset        TEXT NOT NULL,
			spot_free    TEXT,
			savings      TEXT,
			futures_free TEXT,
			actions      INTEGER,
			applied      INTEGER,
			skipped      INTEGER,
			failed       INTEGER,
			insufficient INTEGER,
			shortfall    TEXT,
			duration_ms  INTEGER,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passes_ts ON passes(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *SQLiteRecorder) RecordTransfer(evt *model.TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO transfers
		(id, timestamp, ref_id, source, asset, kind, amount, ok, error)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.ID, ts.UnixMilli(), evt.RefID, string(evt.Source), evt.Asset,
		string(evt.Kind), evt.Amount.String(), boolInt(evt.OK), evt.Error,
	)
	return err
}

func (r *SQLiteRecorder) RecordPass(rec *PassRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := rec.Snapshot
	_, err := r.db.Exec(`INSERT INTO passes
		(id, timestamp, asset, spot_free, savings, futures_free,
		 actions, applied, skipped, failed, insufficient, shortfall, duration_ms, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, time.Now().UnixMilli(), rec.Asset,
		snap.SpotFree.String(), snap.SavingsAmount.String(), snap.FuturesFree.String(),
		rec.Actions, rec.Applied, rec.Skipped, rec.Failed,
		boolInt(rec.Insufficient), rec.Shortfall.String(), rec.Duration.Milliseconds(), rec.Err,
	)
	return err
}

// RecentTransfers returns the newest transfers for asset, newest first.
func (r *SQLiteRecorder) RecentTransfers(asset string, limit int) ([]model.TransferEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, timestamp, ref_id, source, asset, kind, amount, ok, error
		FROM transfers WHERE asset = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []model.TransferEvent
	for rows.Next() {
		var (
			evt            model.TransferEvent
			ts             int64
			refID, errText sql.NullString
			source, kind   string
			amount         string
			ok             int
		)
		if err := rows.Scan(&evt.ID, &ts, &refID, &source, &evt.Asset, &kind, &amount, &ok, &errText); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		evt.Timestamp = time.UnixMilli(ts)
		evt.RefID = refID.String
		evt.Source = model.Source(source)
		evt.Kind = model.TransferKind(kind)
		evt.OK = ok == 1
		evt.Error = errText.String
		if evt.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
