// Package storage persists summary history on the central aggregator.
// The drone itself keeps no state across restarts.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skymesh/drone-gateway/internal/protocol"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	schema := `
	-- Drone summaries as received on the uplink
	CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		drone_id TEXT NOT NULL,
		battery_level INTEGER NOT NULL,
		mode TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_drone ON summaries(drone_id);
	CREATE INDEX IF NOT EXISTS idx_summaries_received ON summaries(received_at);

	-- Anomaly and lifecycle events extracted from summaries
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		drone_id TEXT NOT NULL,
		identity TEXT,
		source_id TEXT,
		type TEXT NOT NULL,
		value TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_drone ON events(drone_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// InsertSummary stores one received summary and its events.
func (db *DB) InsertSummary(s *protocol.Summary) (int64, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("marshal summary: %w", err)
	}

	res, err := db.conn.Exec(
		`INSERT INTO summaries (drone_id, battery_level, mode, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.DroneID, s.BatteryLevel, string(s.Mode), string(payload), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, ev := range s.Events {
		if _, err := db.conn.Exec(
			`INSERT INTO events (drone_id, identity, source_id, type, value, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			s.DroneID, ev.Identity, ev.SourceID, ev.Type, ev.Value, ev.Timestamp.UTC(),
		); err != nil {
			return id, fmt.Errorf("insert event: %w", err)
		}
	}
	return id, nil
}

// RecentSummaries returns the newest summaries for a drone, newest first.
func (db *DB) RecentSummaries(droneID string, limit int) ([]*SummaryRecord, error) {
	rows, err := db.conn.Query(
		`SELECT id, drone_id, battery_level, mode, payload, received_at
		 FROM summaries WHERE drone_id = ?
		 ORDER BY id DESC LIMIT ?`,
		droneID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []*SummaryRecord
	for rows.Next() {
		r := &SummaryRecord{}
		if err := rows.Scan(&r.ID, &r.DroneID, &r.BatteryLevel, &r.Mode, &r.Payload, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentEvents returns the newest events across all drones, newest first.
func (db *DB) RecentEvents(limit int) ([]*EventRecord, error) {
	rows, err := db.conn.Query(
		`SELECT id, drone_id, identity, source_id, type, value, timestamp
		 FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		r := &EventRecord{}
		if err := rows.Scan(&r.ID, &r.DroneID, &r.Identity, &r.SourceID, &r.Type, &r.Value, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneSummaries keeps only the newest keep rows per drone.
func (db *DB) PruneSummaries(droneID string, keep int) error {
	_, err := db.conn.Exec(
		`DELETE FROM summaries WHERE drone_id = ? AND id NOT IN (
			SELECT id FROM summaries WHERE drone_id = ? ORDER BY id DESC LIMIT ?
		)`,
		droneID, droneID, keep,
	)
	if err != nil {
		return fmt.Errorf("prune summaries: %w", err)
	}
	return nil
}
