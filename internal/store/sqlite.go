package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stockbar/internal/config"
)

// Store persists user preferences and the limit alert log. Quotes are never
// written here.
type Store struct {
	db *sql.DB
}

// Preferences is what the user changes at runtime and expects back after a
// restart.
type Preferences struct {
	Symbols     []string              `json:"symbols"`
	IntervalSec int                   `json:"interval_sec"`
	Display     *config.DisplayConfig `json:"display,omitempty"`
}

type AlertRecord struct {
	ID              int64  `json:"id"`
	TS              int64  `json:"ts"`
	Symbol          string `json:"symbol"`
	Direction       string `json:"direction"`
	Price           string `json:"price"`
	Status          string `json:"status"`
	DingTalkErrCode int    `json:"dingtalk_errcode"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg"`
	CreatedAt       string `json:"created_at"`
}

const preferencesKey = "preferences"

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/stockbar.db"
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
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS limit_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			price TEXT,
			status TEXT,
			dingtalk_errcode INTEGER,
			dingtalk_errmsg TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_limit_alerts_ts ON limit_alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_limit_alerts_symbol ON limit_alerts(symbol);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Put stores v as JSON under key.
func (s *Store) Put(key string, v any) error {
	if s == nil || s.db == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

// Get decodes the value under key into out and reports whether it existed.
func (s *Store) Get(key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SavePreferences(p Preferences) error {
	return s.Put(preferencesKey, p)
}

// LoadPreferences returns nil when nothing was saved yet.
func (s *Store) LoadPreferences() (*Preferences, error) {
	var p Preferences
	ok, err := s.Get(preferencesKey, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertAlert(a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO limit_alerts (ts, symbol, direction, price, status, dingtalk_errcode, dingtalk_errmsg, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Symbol, a.Direction, a.Price, a.Status, a.DingTalkErrCode, a.DingTalkErrMsg, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// QueryAlertsByDate lists alerts of one China trading date, newest first.
func (s *Store) QueryAlertsByDate(date string, limit int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, symbol, direction, price, status, dingtalk_errcode, dingtalk_errmsg, created_at
		 FROM limit_alerts WHERE ts >= ? AND ts < ? ORDER BY ts DESC, id DESC LIMIT ?`,
		start, end, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.Symbol, &a.Direction, &a.Price, &a.Status, &a.DingTalkErrCode, &a.DingTalkErrMsg, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func dateRange(date string) (int64, int64, error) {
	loc := time.FixedZone("CST", 8*3600)
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %w", err)
	}
	return day.Unix(), day.Add(24 * time.Hour).Unix(), nil
}
