package history

import (
	"database/sql"
	"fmt"
	"time"

	"blive-proxy/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Dead-host bookkeeping: a CDN node is treated as dead after this many
// consecutive probe failures, and forgiven after the cooldown passes.
const (
	deadThreshold = 3
	deadCooldown  = 10 * time.Minute
)

// Store persists resolution history, probe outcomes and dead CDN hosts in a
// local SQLite file. A nil *Store is valid and turns every method into a
// no-op, which is how the feature is disabled.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path. An empty path
// disables history and returns a nil store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS resolutions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			room_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS probes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			action TEXT NOT NULL,
			status INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dead_hosts (
			host TEXT PRIMARY KEY,
			failures INTEGER NOT NULL DEFAULT 0,
			last_failure TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_resolutions_channel ON resolutions(channel, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_probes_host ON probes(host, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordResolution logs one resolution attempt. Failures here are logged,
// never propagated; history is advisory.
func (s *Store) RecordResolution(channel string, roomID int64, url, outcome string) {
	if s == nil || s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO resolutions (channel, room_id, url, outcome) VALUES (?, ?, ?, ?)`,
		channel, roomID, url, outcome,
	)
	if err != nil {
		logger.Warn("history: record resolution: %v", err)
	}
}

// RecordProbe logs one candidate probe and updates the host's dead counter.
// A successful probe clears the counter.
func (s *Store) RecordProbe(host, action string, status int, ok bool) {
	if s == nil || s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO probes (host, action, status, ok) VALUES (?, ?, ?, ?)`,
		host, action, status, boolToInt(ok),
	)
	if err != nil {
		logger.Warn("history: record probe: %v", err)
	}

	if ok {
		if _, err := s.db.Exec(`DELETE FROM dead_hosts WHERE host = ?`, host); err != nil {
			logger.Warn("history: clear dead host: %v", err)
		}
		return
	}
	_, err = s.db.Exec(
		`INSERT INTO dead_hosts (host, failures, last_failure) VALUES (?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(host) DO UPDATE SET failures = failures + 1, last_failure = CURRENT_TIMESTAMP`,
		host,
	)
	if err != nil {
		logger.Warn("history: mark dead host: %v", err)
	}
}

// IsHostDead reports whether a CDN host has failed enough recent probes to be
// skipped. Hosts recover automatically once the cooldown passes.
func (s *Store) IsHostDead(host string) bool {
	if s == nil || s.db == nil {
		return false
	}
	var failures int
	var lastFailure time.Time
	err := s.db.QueryRow(
		`SELECT failures, last_failure FROM dead_hosts WHERE host = ?`, host,
	).Scan(&failures, &lastFailure)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Warn("history: dead host lookup: %v", err)
		}
		return false
	}
	return failures >= deadThreshold && time.Since(lastFailure) < deadCooldown
}

// Resolution is one row of resolution history, as served on the status page.
type Resolution struct {
	Channel   string    `json:"channel"`
	RoomID    int64     `json:"roomId"`
	URL       string    `json:"url"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecentResolutions returns the newest resolution records, newest first.
func (s *Store) RecentResolutions(limit int) ([]Resolution, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT channel, room_id, url, outcome, created_at
		 FROM resolutions ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: recent resolutions: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var r Resolution
		if err := rows.Scan(&r.Channel, &r.RoomID, &r.URL, &r.Outcome, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan resolution: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
