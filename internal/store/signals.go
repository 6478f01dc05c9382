package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Order status values for pushed signals.
const (
	OrderPending   = "pending"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
	OrderClosed    = "closed"
)

// PushedSignal is an emitted signal row: the durable record of an approved
// candidate from detection through exit.
type PushedSignal struct {
	ID         int64
	Symbol     string
	Side       string
	Kind       string
	Score      float64
	RSI        float64
	ADX        float64
	Entry      float64
	SL         float64
	TP         float64
	OrderType  string
	OrderStatus string
	EntryAI    string
	TimingAI   string
	FillPrice  float64
	FillTime   time.Time
	ExitPrice  float64
	ExitTime   time.Time
	ExitReason string
	FinalPnLPct float64
	HoldingMin float64
	CreatedAt  time.Time
}

// AutoTrade is a venue order record.
type AutoTrade struct {
	ID        int64
	Symbol    string
	Side      string
	OrderID   string
	Amount    float64
	Price     float64
	Status    string
	CreatedAt time.Time
}

// SignalStore owns signals.db.
type SignalStore struct {
	db *sql.DB
}

func NewSignalStore(path string) (*SignalStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	creates := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			score REAL,
			price REAL,
			rsi REAL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pushed_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			score REAL,
			rsi REAL,
			adx REAL,
			entry REAL,
			sl REAL,
			tp REAL,
			order_type TEXT,
			order_status TEXT DEFAULT 'pending',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auto_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_id TEXT,
			amount REAL,
			price REAL,
			status TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pushed_id INTEGER,
			horizon_min INTEGER,
			pnl_pct REAL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pushed_created ON pushed_signals (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pushed_symbol ON pushed_signals (symbol, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pushed_status ON pushed_signals (order_status)`,
	}
	addColumns := []string{
		`ALTER TABLE pushed_signals ADD COLUMN entry_ai TEXT`,
		`ALTER TABLE pushed_signals ADD COLUMN timing_ai TEXT`,
		`ALTER TABLE pushed_signals ADD COLUMN fill_price REAL`,
		`ALTER TABLE pushed_signals ADD COLUMN fill_time TEXT`,
		`ALTER TABLE pushed_signals ADD COLUMN exit_price REAL`,
		`ALTER TABLE pushed_signals ADD COLUMN exit_time TEXT`,
		`ALTER TABLE pushed_signals ADD COLUMN exit_reason TEXT`,
		`ALTER TABLE pushed_signals ADD COLUMN final_pnl_pct REAL`,
		`ALTER TABLE pushed_signals ADD COLUMN holding_min REAL`,
	}
	if err := migrate(db, creates, addColumns); err != nil {
		db.Close()
		return nil, err
	}
	return &SignalStore{db: db}, nil
}

func (s *SignalStore) Close() error { return s.db.Close() }

// InsertSignal appends a raw detector output for reporting.
func (s *SignalStore) InsertSignal(symbol, side, kind string, score, price, rsi float64) error {
	_, err := s.db.Exec(
		`INSERT INTO signals (symbol, side, kind, score, price, rsi, created_at) VALUES (?,?,?,?,?,?,?)`,
		symbol, side, kind, score, price, rsi, ts(time.Now()))
	return err
}

// InsertPushed writes an approved signal with order_status pending.
func (s *SignalStore) InsertPushed(p PushedSignal) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO pushed_signals
		 (symbol, side, kind, score, rsi, adx, entry, sl, tp, order_type, order_status, entry_ai, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Symbol, p.Side, p.Kind, p.Score, p.RSI, p.ADX, p.Entry, p.SL, p.TP,
		p.OrderType, OrderPending, p.EntryAI, ts(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateTrigger records the watcher's pricing decision on a pending row.
func (s *SignalStore) UpdateTrigger(id int64, entry, sl, tp float64, orderType, timingAI string) error {
	_, err := s.db.Exec(
		`UPDATE pushed_signals SET entry = ?, sl = ?, tp = ?, order_type = ?, timing_ai = ? WHERE id = ?`,
		entry, sl, tp, orderType, timingAI, id)
	return err
}

// UpdateFill marks a row filled.
func (s *SignalStore) UpdateFill(id int64, fillPrice float64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pushed_signals SET order_status = ?, fill_price = ?, fill_time = ? WHERE id = ?`,
		OrderFilled, fillPrice, ts(at), id)
	return err
}

// UpdateStatus sets the order status alone.
func (s *SignalStore) UpdateStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE pushed_signals SET order_status = ? WHERE id = ?`, status, id)
	return err
}

// UpdateExit closes a row with its exit record and final PnL.
func (s *SignalStore) UpdateExit(id int64, exitPrice float64, reason string, pnlPct float64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pushed_signals
		 SET order_status = ?, exit_price = ?, exit_time = ?, exit_reason = ?, final_pnl_pct = ?,
		     holding_min = (julianday(?) - julianday(COALESCE(fill_time, created_at))) * 1440
		 WHERE id = ?`,
		OrderClosed, exitPrice, ts(at), reason, pnlPct, ts(at), id)
	return err
}

// LatestOpenBySymbol finds the most recent non-terminal row for a symbol.
func (s *SignalStore) LatestOpenBySymbol(symbol string) (*PushedSignal, error) {
	row := s.db.QueryRow(
		`SELECT id, symbol, side, kind, score, entry, sl, tp, order_status, created_at
		 FROM pushed_signals
		 WHERE symbol = ? AND order_status IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		symbol, OrderPending, OrderFilled)
	var p PushedSignal
	var created string
	err := row.Scan(&p.ID, &p.Symbol, &p.Side, &p.Kind, &p.Score, &p.Entry, &p.SL, &p.TP, &p.OrderStatus, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTS(created)
	return &p, nil
}

// InsertTrade records a venue order.
func (s *SignalStore) InsertTrade(t AutoTrade) error {
	_, err := s.db.Exec(
		`INSERT INTO auto_trades (symbol, side, order_id, amount, price, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		t.Symbol, t.Side, t.OrderID, t.Amount, t.Price, t.Status, ts(time.Now()))
	return err
}

// CountTradesSince counts auto trades at or after the cutoff. Used by the
// daily throttle.
func (s *SignalStore) CountTradesSince(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM auto_trades WHERE created_at >= ?`, ts(cutoff)).Scan(&n)
	return n, err
}

// RealizedPnLSince sums final PnL percent of rows closed at or after cutoff.
func (s *SignalStore) RealizedPnLSince(cutoff time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(final_pnl_pct) FROM pushed_signals WHERE order_status = ? AND exit_time >= ?`,
		OrderClosed, ts(cutoff)).Scan(&pnl)
	return pnl.Float64, err
}

// ReportRow is one aggregate line for the daily/weekly reports.
type ReportRow struct {
	Kind     string
	Count    int
	Wins     int
	AvgPnL   float64
	TotalPnL float64
}

// Report aggregates closed rows since the cutoff, grouped by kind.
func (s *SignalStore) Report(cutoff time.Time) ([]ReportRow, error) {
	rows, err := s.db.Query(
		`SELECT kind, COUNT(*),
		        SUM(CASE WHEN final_pnl_pct > 0 THEN 1 ELSE 0 END),
		        AVG(final_pnl_pct), SUM(final_pnl_pct)
		 FROM pushed_signals
		 WHERE order_status = ? AND exit_time >= ?
		 GROUP BY kind ORDER BY kind`,
		OrderClosed, ts(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var r ReportRow
		var avg, total sql.NullFloat64
		if err := rows.Scan(&r.Kind, &r.Count, &r.Wins, &avg, &total); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.AvgPnL, r.TotalPnL = avg.Float64, total.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}
