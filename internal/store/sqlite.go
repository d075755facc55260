package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates a database at dsn.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			candidates INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			error_kind TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_ts ON request_logs(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON request_logs(provider, ts_ms)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LogRequest(ctx context.Context, e RequestLog) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (ts_ms, request_id, mode, model, provider, strategy, candidates, attempts,
			prompt_tokens, completion_tokens, estimated_cost_usd, latency_ms, status_code, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixMilli(), e.RequestID, e.Mode, e.Model, e.Provider, e.Strategy, e.Candidates, e.Attempts,
		e.PromptTokens, e.CompletionTokens, e.EstimatedCostUSD, e.LatencyMs, e.StatusCode, e.ErrorKind)
	return err
}

// ListRequestLogs returns entries newest first. Limit defaults to 100.
func (s *SQLiteStore) ListRequestLogs(ctx context.Context, f LogFilter) ([]RequestLog, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Errors {
		where = append(where, "error_kind != ''")
	}
	q := `SELECT id, ts_ms, request_id, mode, model, provider, strategy, candidates, attempts,
			prompt_tokens, completion_tokens, estimated_cost_usd, latency_ms, status_code, error_kind
		  FROM request_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ms DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var (
			l  RequestLog
			ts int64
		)
		if err := rows.Scan(&l.ID, &ts, &l.RequestID, &l.Mode, &l.Model, &l.Provider, &l.Strategy,
			&l.Candidates, &l.Attempts, &l.PromptTokens, &l.CompletionTokens,
			&l.EstimatedCostUSD, &l.LatencyMs, &l.StatusCode, &l.ErrorKind); err != nil {
			return nil, err
		}
		l.Timestamp = time.UnixMilli(ts).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ProviderSummary aggregates requests served or failed by each provider
// since the given time. Requests that never reached a provider are omitted.
func (s *SQLiteStore) ProviderSummary(ctx context.Context, since time.Time) ([]ProviderSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END),
			AVG(latency_ms), SUM(estimated_cost_usd)
		 FROM request_logs
		 WHERE ts_ms >= ? AND provider != ''
		 GROUP BY provider ORDER BY provider`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderSummary
	for rows.Next() {
		var p ProviderSummary
		if err := rows.Scan(&p.Provider, &p.Requests, &p.Errors, &p.AvgLatencyMs, &p.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
