// Package history provides SQLite-backed storage of route lifecycle and
// status-transition events for the dashboard's activity view. Recording
// is best-effort: a failed insert is logged by the caller, never
// propagated into the routing path.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/midimesh/midimesh/internal/store"
)

// Event type constants.
const (
	EventRouteCreated  = "route_created"
	EventRouteUpdated  = "route_updated"
	EventRouteDeleted  = "route_deleted"
	EventStatusChanged = "status_changed"
)

// RouteEvent is one recorded event.
type RouteEvent struct {
	ID        string
	RouteID   string
	EventType string
	Status    sql.NullString
	Detail    sql.NullString
	CreatedAt time.Time
}

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
}

// Open creates or opens the history database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationRouteEvents = `
CREATE TABLE IF NOT EXISTS route_events (
	id TEXT PRIMARY KEY,
	route_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT,
	detail TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_route_events_route ON route_events(route_id, created_at);
`

// Migrate creates the schema.
func (db *DB) Migrate() error {
	if _, err := db.Exec(migrationRouteEvents); err != nil {
		return fmt.Errorf("migrate route_events: %w", err)
	}
	return nil
}

// RecordRouteEvent inserts one event. status and detail may be empty.
func (db *DB) RecordRouteEvent(routeID, eventType, status, detail string) (*RouteEvent, error) {
	ev := &RouteEvent{
		ID:        store.NewPrefixedID("ev"),
		RouteID:   routeID,
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
	}
	if status != "" {
		ev.Status = sql.NullString{String: status, Valid: true}
	}
	if detail != "" {
		ev.Detail = sql.NullString{String: detail, Valid: true}
	}

	_, err := db.Exec(
		`INSERT INTO route_events (id, route_id, event_type, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RouteID, ev.EventType, ev.Status, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record route event: %w", err)
	}
	return ev, nil
}

// ListRouteEvents returns the most recent events for one route, newest
// first, capped at limit.
func (db *DB) ListRouteEvents(routeID string, limit int) ([]*RouteEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT id, route_id, event_type, status, detail, created_at
		 FROM route_events WHERE route_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		routeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list route events: %w", err)
	}
	defer rows.Close()

	var events []*RouteEvent
	for rows.Next() {
		ev := &RouteEvent{}
		if err := rows.Scan(&ev.ID, &ev.RouteID, &ev.EventType, &ev.Status, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan route event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window.
func (db *DB) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := db.Exec(`DELETE FROM route_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune route events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
