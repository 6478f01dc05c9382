package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// High-vol row statuses.
const (
	HVWatching    = "watching"
	HVReady       = "ready"
	HVLimitPlaced = "limit_placed"
	HVFilled      = "filled"
	HVExpired     = "expired"
	HVAbandoned   = "abandoned"
	HVStopped     = "stopped"
	HVProfit      = "profit"
	HVTimeout     = "timeout"
)

// HighVolRow is a high-volatility track observation entry.
type HighVolRow struct {
	ID            string
	Symbol        string
	Side          string
	SignalPrice   float64
	Entry         float64
	SL            float64
	TP            float64
	Change24h     float64
	QuoteVolume   float64
	ATRPct        float64
	Readiness     float64
	ReadinessTags string
	Health        float64
	PeakReadiness float64
	TrendTags     string
	WarningCount  int
	CVDTag        string
	CVDScore      float64
	Efficiency    float64
	Hurst         float64
	QualityScore  float64
	FakeBreakout  bool
	Status        string
	LimitOrderID  string
	FilledAt      time.Time
	PnLPct        float64
	Strategy      string
	AIReviews     int
	CreatedAt     time.Time
}

// HighVolStore owns high_vol_track.db.
type HighVolStore struct {
	db *sql.DB
}

func NewHighVolStore(path string) (*HighVolStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	creates := []string{
		`CREATE TABLE IF NOT EXISTS high_vol_signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT,
			signal_price REAL,
			entry REAL,
			sl REAL,
			tp REAL,
			change_24h REAL,
			quote_volume REAL,
			atr_pct REAL,
			readiness REAL,
			readiness_tags TEXT,
			health REAL,
			peak_readiness REAL,
			trend_tags TEXT,
			warning_count INTEGER DEFAULT 0,
			cvd_tag TEXT,
			cvd_score REAL,
			efficiency REAL,
			hurst REAL,
			quality_score REAL,
			fake_breakout INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'watching',
			limit_order_id TEXT,
			filled_at TEXT,
			pnl_pct REAL,
			strategy TEXT,
			ai_reviews INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hv_status ON high_vol_signals (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_hv_symbol ON high_vol_signals (symbol)`,
	}
	if err := migrate(db, creates, nil); err != nil {
		db.Close()
		return nil, err
	}
	return &HighVolStore{db: db}, nil
}

func (s *HighVolStore) Close() error { return s.db.Close() }

// Insert persists a pool admission.
func (s *HighVolStore) Insert(r HighVolRow) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO high_vol_signals
		 (id, symbol, side, signal_price, entry, sl, tp, change_24h, quote_volume, atr_pct,
		  readiness, readiness_tags, health, peak_readiness, trend_tags, warning_count,
		  cvd_tag, cvd_score, efficiency, hurst, quality_score, fake_breakout,
		  status, limit_order_id, pnl_pct, strategy, ai_reviews, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Symbol, r.Side, r.SignalPrice, r.Entry, r.SL, r.TP, r.Change24h, r.QuoteVolume, r.ATRPct,
		r.Readiness, r.ReadinessTags, r.Health, r.PeakReadiness, r.TrendTags, r.WarningCount,
		r.CVDTag, r.CVDScore, r.Efficiency, r.Hurst, r.QualityScore, boolInt(r.FakeBreakout),
		HVWatching, r.LimitOrderID, r.PnLPct, r.Strategy, r.AIReviews, ts(time.Now()))
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Update rewrites the mutable tick fields of a row.
func (s *HighVolStore) Update(r HighVolRow) error {
	var filledAt any
	if !r.FilledAt.IsZero() {
		filledAt = ts(r.FilledAt)
	}
	_, err := s.db.Exec(
		`UPDATE high_vol_signals SET
		 side = ?, entry = ?, sl = ?, tp = ?, readiness = ?, readiness_tags = ?,
		 health = ?, peak_readiness = ?, trend_tags = ?, warning_count = ?,
		 cvd_tag = ?, cvd_score = ?, efficiency = ?, hurst = ?, quality_score = ?, fake_breakout = ?,
		 status = ?, limit_order_id = ?, filled_at = ?, pnl_pct = ?, ai_reviews = ?
		 WHERE id = ?`,
		r.Side, r.Entry, r.SL, r.TP, r.Readiness, r.ReadinessTags,
		r.Health, r.PeakReadiness, r.TrendTags, r.WarningCount,
		r.CVDTag, r.CVDScore, r.Efficiency, r.Hurst, r.QualityScore, boolInt(r.FakeBreakout),
		r.Status, r.LimitOrderID, filledAt, r.PnLPct, r.AIReviews, r.ID)
	return err
}

// ListActive returns watching, ready and limit_placed rows.
func (s *HighVolStore) ListActive() ([]HighVolRow, error) {
	rows, err := s.db.Query(
		`SELECT id, symbol, side, signal_price, entry, sl, tp, change_24h, quote_volume, atr_pct,
		        readiness, readiness_tags, health, peak_readiness, trend_tags, warning_count,
		        cvd_tag, cvd_score, efficiency, hurst, quality_score, fake_breakout,
		        status, limit_order_id, filled_at, pnl_pct, strategy, ai_reviews, created_at
		 FROM high_vol_signals WHERE status IN (?,?,?) ORDER BY created_at`,
		HVWatching, HVReady, HVLimitPlaced)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HighVolRow
	for rows.Next() {
		var r HighVolRow
		var fake int
		var filledAt sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.SignalPrice, &r.Entry, &r.SL, &r.TP,
			&r.Change24h, &r.QuoteVolume, &r.ATRPct,
			&r.Readiness, &r.ReadinessTags, &r.Health, &r.PeakReadiness, &r.TrendTags, &r.WarningCount,
			&r.CVDTag, &r.CVDScore, &r.Efficiency, &r.Hurst, &r.QualityScore, &fake,
			&r.Status, &r.LimitOrderID, &filledAt, &r.PnLPct, &r.Strategy, &r.AIReviews, &created); err != nil {
			return nil, err
		}
		r.FakeBreakout = fake != 0
		if filledAt.Valid {
			r.FilledAt = parseTS(filledAt.String)
		}
		r.CreatedAt = parseTS(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
