package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stock-rise-monitor/internal/engine"
)

type Store struct {
	db *sql.DB
}

// RankingRun describes one monitoring cycle.
type RankingRun struct {
	ID          string `json:"id"`
	TS          int64  `json:"ts"`
	Instruments int    `json:"instruments"`
	Ranked      int    `json:"ranked"`
	Batches     int    `json:"batches"`
	Degraded    int    `json:"degraded"`
	Synthetic   int    `json:"synthetic"`
	DurationMS  int64  `json:"duration_ms"`
	CreatedAt   string `json:"created_at"`
}

type RankedRow struct {
	RunID     string  `json:"run_id"`
	TS        int64   `json:"ts"`
	Rank      int     `json:"rank"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	RiseSpeed float64 `json:"rise_speed"`
	Volume    int64   `json:"volume"`
	Amount    float64 `json:"amount"`
}

type AlertRecord struct {
	TS              int64  `json:"ts"`
	RunID           string `json:"run_id"`
	Priority        string `json:"priority"`
	Title           string `json:"title"`
	DedupKey        string `json:"dedup_key"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	DingTalkErrCode int    `json:"dingtalk_errcode"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg"`
	PayloadMD       string `json:"payload_md"`
	CreatedAt       string `json:"created_at"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/monitor.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ranking_runs (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			instruments INTEGER,
			ranked INTEGER,
			batches INTEGER,
			degraded INTEGER,
			synthetic INTEGER,
			duration_ms INTEGER,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ranking_runs_ts ON ranking_runs(ts);`,
		`CREATE TABLE IF NOT EXISTS ranked_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			rank INTEGER,
			code TEXT,
			name TEXT,
			price REAL,
			change_pct REAL,
			rise_speed REAL,
			volume INTEGER,
			amount REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ranked_entries_run ON ranked_entries(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_ranked_entries_code ON ranked_entries(code, ts);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			run_id TEXT,
			priority TEXT,
			title TEXT,
			dedup_key TEXT,
			status TEXT,
			channel TEXT,
			dingtalk_errcode INTEGER,
			dingtalk_errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveRanking stores a run and its ranked entries in one transaction.
func (s *Store) SaveRanking(run RankingRun, entries []engine.RankedEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if run.ID == "" {
		return fmt.Errorf("ranking run id is empty")
	}
	if run.CreatedAt == "" {
		run.CreatedAt = time.Now().Format(time.RFC3339)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ranking tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO ranking_runs (id, ts, instruments, ranked, batches, degraded, synthetic, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TS, run.Instruments, run.Ranked, run.Batches, run.Degraded, run.Synthetic, run.DurationMS, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ranking run: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO ranked_entries (run_id, ts, rank, code, name, price, change_pct, rise_speed, volume, amount)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare ranked entry: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		q := e.Quote
		if _, err := stmt.Exec(run.ID, run.TS, e.Rank, string(e.Code), q.Name, q.Price, q.ChangePct, e.RiseSpeed, q.Volume, q.Amount); err != nil {
			return fmt.Errorf("insert ranked entry %s: %w", e.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ranking: %w", err)
	}
	return nil
}

func (s *Store) QueryRuns(limit int, offset int) ([]RankingRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.Query(
		`SELECT id, ts, instruments, ranked, batches, degraded, synthetic, duration_ms, created_at
		FROM ranking_runs ORDER BY ts DESC, created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query ranking runs: %w", err)
	}
	defer rows.Close()

	var out []RankingRun
	for rows.Next() {
		var r RankingRun
		if err := rows.Scan(&r.ID, &r.TS, &r.Instruments, &r.Ranked, &r.Batches, &r.Degraded, &r.Synthetic, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ranking run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows ranking run: %w", err)
	}
	return out, nil
}

// QueryRunEntries returns a run's entries in rank order.
func (s *Store) QueryRunEntries(runID string) ([]RankedRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	rows, err := s.db.Query(
		`SELECT run_id, ts, rank, code, name, price, change_pct, rise_speed, volume, amount
		FROM ranked_entries WHERE run_id = ? ORDER BY rank ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ranked entries: %w", err)
	}
	return scanRankedRows(rows)
}

// QueryCodeHistory returns the most recent appearances of code in rankings.
func (s *Store) QueryCodeHistory(code string, limit int, offset int) ([]RankedRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.Query(
		`SELECT run_id, ts, rank, code, name, price, change_pct, rise_speed, volume, amount
		FROM ranked_entries WHERE code = ?
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		code, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query code history: %w", err)
	}
	return scanRankedRows(rows)
}

func scanRankedRows(rows *sql.Rows) ([]RankedRow, error) {
	defer rows.Close()
	var out []RankedRow
	for rows.Next() {
		var r RankedRow
		if err := rows.Scan(&r.RunID, &r.TS, &r.Rank, &r.Code, &r.Name, &r.Price, &r.ChangePct, &r.RiseSpeed, &r.Volume, &r.Amount); err != nil {
			return nil, fmt.Errorf("scan ranked entry: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows ranked entry: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAlert(a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO alerts (ts, run_id, priority, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.RunID, a.Priority, a.Title, a.DedupKey, a.Status, a.Channel, a.DingTalkErrCode, a.DingTalkErrMsg, a.PayloadMD, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlertsByDate(date string, status string, limit int, offset int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	query := `SELECT ts, run_id, priority, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at
		FROM alerts WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.TS, &a.RunID, &a.Priority, &a.Title, &a.DedupKey, &a.Status, &a.Channel, &a.DingTalkErrCode, &a.DingTalkErrMsg, &a.PayloadMD, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows alert: %w", err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ChinaLocation is the exchange time zone. It falls back to a fixed +08:00
// zone when tzdata is unavailable.
func ChinaLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

func dateRange(date string) (int64, int64, error) {
	loc := ChinaLocation()
	t, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return start.Unix(), end.Unix(), nil
}
