package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/econet/internal/model"
)

// EventStore records and queries audit events and bottle logs.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Log appends a system event. Failures here must never abort the mutation
// that triggered them, so callers typically log and continue.
func (s *EventStore) Log(eventType, description string) error {
	_, err := s.db.Exec(
		`INSERT INTO system_logs (event_type, description, created_at) VALUES (?, ?, ?)`,
		eventType, description, now(),
	)
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

const eventCols = `id, event_type, description, created_at`

// Recent returns the newest events, optionally filtered by type.
func (s *EventStore) Recent(limit int, eventType string) ([]model.SystemEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if eventType != "" {
		rows, err = s.db.Query(
			`SELECT `+eventCols+` FROM system_logs WHERE event_type = ?
			 ORDER BY created_at DESC LIMIT ?`,
			eventType, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT `+eventCols+` FROM system_logs ORDER BY created_at DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	defer rows.Close()

	var events []model.SystemEvent
	for rows.Next() {
		var e model.SystemEvent
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &desc, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		e.Description = desc.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// BottleLogs returns every confirmed bottle increment for a session in
// detection order.
func (s *EventStore) BottleLogs(sessionID int64) ([]model.BottleLog, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, count, detected_at FROM bottle_logs
		 WHERE session_id = ? ORDER BY detected_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bottle logs: %w", err)
	}
	defer rows.Close()

	var logs []model.BottleLog
	for rows.Next() {
		var l model.BottleLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.Count, &l.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan bottle log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
