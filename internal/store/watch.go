package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Watch row statuses. Terminal statuses are write-once.
const (
	WatchWatching         = "watching"
	WatchReady            = "ready"
	WatchTriggered        = "triggered"
	WatchExpired          = "expired"
	WatchAbandoned        = "abandoned"
	WatchDuplicateSkipped = "duplicate_skipped"
)

// WatchRow is an observation queue entry.
type WatchRow struct {
	ID        string
	PushedID  int64 // The pending pushed_signals row this watches
	Symbol    string
	Side      string
	Kind      string
	Extreme   bool // Extreme-RSI reversal rows expire faster
	Price     float64
	RSI       float64
	ADX       float64
	SL        float64
	TP        float64
	Payload   string // Original candidate, opaque JSON
	ExpireMin int
	Status    string
	Reason    string
	CreatedAt time.Time
	LastCheck time.Time
}

// WatchStore owns watch_signals.db.
type WatchStore struct {
	db *sql.DB
}

func NewWatchStore(path string) (*WatchStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	creates := []string{
		`CREATE TABLE IF NOT EXISTS watch_signals (
			id TEXT PRIMARY KEY,
			pushed_id INTEGER,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			extreme INTEGER DEFAULT 0,
			price REAL,
			rsi REAL,
			adx REAL,
			sl REAL,
			tp REAL,
			payload TEXT,
			expire_min INTEGER,
			status TEXT NOT NULL DEFAULT 'watching',
			reason TEXT,
			created_at TEXT NOT NULL,
			last_check TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watch_created ON watch_signals (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_watch_status ON watch_signals (status, created_at)`,
	}
	if err := migrate(db, creates, nil); err != nil {
		db.Close()
		return nil, err
	}
	return &WatchStore{db: db}, nil
}

func (s *WatchStore) Close() error { return s.db.Close() }

// Insert adds a watch row. The (symbol, side) uniqueness guard rejects a
// duplicate inside guardMin minutes: the new row is stored with status
// duplicate_skipped and inserted=false is returned.
func (s *WatchStore) Insert(r WatchRow, guardMin int) (id string, inserted bool, err error) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt, r.LastCheck = now, now

	cutoff := now.Add(-time.Duration(guardMin) * time.Minute)
	var dup int
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM watch_signals
		 WHERE symbol = ? AND side = ? AND status = ? AND created_at >= ?`,
		r.Symbol, r.Side, WatchWatching, ts(cutoff)).Scan(&dup)
	if err != nil {
		return "", false, err
	}
	status := WatchWatching
	if dup > 0 {
		status = WatchDuplicateSkipped
	}

	_, err = s.db.Exec(
		`INSERT INTO watch_signals
		 (id, pushed_id, symbol, side, kind, extreme, price, rsi, adx, sl, tp, payload, expire_min, status, created_at, last_check)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.PushedID, r.Symbol, r.Side, r.Kind, boolInt(r.Extreme), r.Price, r.RSI, r.ADX,
		r.SL, r.TP, r.Payload, r.ExpireMin, status, ts(r.CreatedAt), ts(r.LastCheck))
	if err != nil {
		return "", false, err
	}
	return r.ID, status == WatchWatching, nil
}

// ListWatching returns all live rows, oldest first.
func (s *WatchStore) ListWatching() ([]WatchRow, error) {
	rows, err := s.db.Query(
		`SELECT id, pushed_id, symbol, side, kind, extreme, price, rsi, adx, sl, tp, payload, expire_min, status, created_at, last_check
		 FROM watch_signals WHERE status = ? ORDER BY created_at`, WatchWatching)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchRow
	for rows.Next() {
		var r WatchRow
		var extreme int
		var created, lastCheck string
		if err := rows.Scan(&r.ID, &r.PushedID, &r.Symbol, &r.Side, &r.Kind, &extreme,
			&r.Price, &r.RSI, &r.ADX, &r.SL, &r.TP, &r.Payload, &r.ExpireMin,
			&r.Status, &created, &lastCheck); err != nil {
			return nil, err
		}
		r.Extreme = extreme != 0
		r.CreatedAt = parseTS(created)
		r.LastCheck = parseTS(lastCheck)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Touch updates last_check on a WAIT decision.
func (s *WatchStore) Touch(id string) error {
	_, err := s.db.Exec(`UPDATE watch_signals SET last_check = ? WHERE id = ?`,
		ts(time.Now()), id)
	return err
}

// SetTerminal transitions a row to a terminal status with a reason.
// Already-terminal rows are left untouched.
func (s *WatchStore) SetTerminal(id, status, reason string) error {
	_, err := s.db.Exec(
		`UPDATE watch_signals SET status = ?, reason = ?, last_check = ? WHERE id = ? AND status = ?`,
		status, reason, ts(time.Now()), id, WatchWatching)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
