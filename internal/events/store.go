// Package events is the append-only SQLite log of evaluated requests. The
// proxy writes fire-and-forget; the learner reads flagged entries per tick.
package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/vigil-waf/vigil/internal/model"
)

// maxConns bounds the connection pool. Write contention is low; a small
// pool keeps the embedded database happy.
const maxConns = 5

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    method       TEXT    NOT NULL,
    path         TEXT    NOT NULL,
    payload_hash TEXT    NOT NULL,
    decision     TEXT    NOT NULL,
    confidence   REAL    NOT NULL,
    reason       TEXT,
    ip_addr      TEXT,
    user_agent   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_decision_ts ON events (decision, timestamp);
`

// Store owns the SQL connection pool for the event log.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the event database at dbPath and
// applies migrations. The parent directory is created if absent.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(maxConns)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event log migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogEvent appends one evaluated request with the current wall clock.
// Returns the inserted row id.
func (s *Store) LogEvent(ctx context.Context, p model.RequestPayload, d model.Decision) (int64, error) {
	var reason *string
	if d.Verdict != model.VerdictAllow && d.Reason != "" {
		reason = &d.Reason
	}
	var ipAddr *string
	if p.IPAddr != "" {
		ipAddr = &p.IPAddr
	}
	var userAgent *string
	if ua := p.UserAgent(); ua != "" {
		userAgent = &ua
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, method, path, payload_hash, decision, confidence, reason, ip_addr, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), p.Method, p.Path, p.Fingerprint,
		string(d.Verdict), d.Confidence, reason, ipAddr, userAgent,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event row id: %w", err)
	}
	return id, nil
}

// GetFlaggedSince returns flagged events with timestamp >= ts, newest first.
func (s *Store) GetFlaggedSince(ctx context.Context, ts int64) ([]model.LogEntry, error) {
	return s.byDecisionSince(ctx, model.VerdictFlag, ts)
}

// GetBlockedSince returns blocked events with timestamp >= ts, newest first.
func (s *Store) GetBlockedSince(ctx context.Context, ts int64) ([]model.LogEntry, error) {
	return s.byDecisionSince(ctx, model.VerdictBlock, ts)
}

func (s *Store) byDecisionSince(ctx context.Context, v model.Verdict, ts int64) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, timestamp, method, path, payload_hash, decision, confidence, reason, ip_addr, user_agent
		 FROM events
		 WHERE decision = ? AND timestamp >= ?
		 ORDER BY timestamp DESC`,
		string(v), ts,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s events: %w", v, err)
	}
	return entries, nil
}

// GetEventsSince returns up to limit events with timestamp >= ts, newest
// first.
func (s *Store) GetEventsSince(ctx context.Context, ts int64, limit int64) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT id, timestamp, method, path, payload_hash, decision, confidence, reason, ip_addr, user_agent
		 FROM events
		 WHERE timestamp >= ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		ts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return entries, nil
}

// CountEventsByDecision returns event counts per decision tag since ts.
func (s *Store) CountEventsByDecision(ctx context.Context, ts int64) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT decision, COUNT(*) AS count FROM events WHERE timestamp >= ? GROUP BY decision`, ts)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[decision] = count
	}
	return counts, rows.Err()
}
