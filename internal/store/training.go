package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TrainingStore collects signal snapshots and their outcomes as model
// training data. It is a side-channel: live trading never reads it.
type TrainingStore struct {
	db *sql.DB
}

// TrainingSignal is a pending sample awaiting outcome resolution.
type TrainingSignal struct {
	ID        string
	Symbol    string
	Side      string
	Kind      string
	Features  string // JSON blob of metrics at detection
	Price     float64
	CreatedAt time.Time
}

// TrainingSample is a finalised labelled row.
type TrainingSample struct {
	ID         string
	SignalID   string
	Symbol     string
	Features   string
	Label      int // 1 profitable, 0 not
	PnLPct     float64
	HorizonMin int
	CreatedAt  time.Time
}

func NewTrainingStore(path string) (*TrainingStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	creates := []string{
		`CREATE TABLE IF NOT EXISTS pending_signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT,
			kind TEXT,
			features TEXT,
			price REAL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS training_samples (
			id TEXT PRIMARY KEY,
			signal_id TEXT,
			symbol TEXT NOT NULL,
			features TEXT,
			label INTEGER,
			pnl_pct REAL,
			horizon_min INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_signals (created_at)`,
	}
	if err := migrate(db, creates, nil); err != nil {
		db.Close()
		return nil, err
	}
	return &TrainingStore{db: db}, nil
}

func (s *TrainingStore) Close() error { return s.db.Close() }

// AddPending records a detection snapshot for later labelling.
func (s *TrainingStore) AddPending(sig TrainingSignal) (string, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_signals (id, symbol, side, kind, features, price, created_at) VALUES (?,?,?,?,?,?,?)`,
		sig.ID, sig.Symbol, sig.Side, sig.Kind, sig.Features, sig.Price, ts(time.Now()))
	return sig.ID, err
}

// PendingOlderThan returns snapshots whose outcome horizon has elapsed.
func (s *TrainingStore) PendingOlderThan(age time.Duration) ([]TrainingSignal, error) {
	cutoff := time.Now().UTC().Add(-age)
	rows, err := s.db.Query(
		`SELECT id, symbol, side, kind, features, price, created_at FROM pending_signals WHERE created_at <= ?`,
		ts(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrainingSignal
	for rows.Next() {
		var sig TrainingSignal
		var created string
		if err := rows.Scan(&sig.ID, &sig.Symbol, &sig.Side, &sig.Kind, &sig.Features, &sig.Price, &created); err != nil {
			return nil, err
		}
		sig.CreatedAt = parseTS(created)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Finalise labels a pending snapshot and removes it from the pending table.
func (s *TrainingStore) Finalise(sig TrainingSignal, pnlPct float64, horizonMin int) error {
	label := 0
	if pnlPct > 0 {
		label = 1
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(
		`INSERT INTO training_samples (id, signal_id, symbol, features, label, pnl_pct, horizon_min, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), sig.ID, sig.Symbol, sig.Features, label, pnlPct, horizonMin, ts(time.Now()))
	if err != nil {
		return err
	}
	if _, err = tx.Exec(`DELETE FROM pending_signals WHERE id = ?`, sig.ID); err != nil {
		return err
	}
	return tx.Commit()
}
