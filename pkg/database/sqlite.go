// Package database persists the kernel's event stream and interaction history
// in SQLite. The store implements events.Sink, so wiring it into the bus is
// enough to make every session replayable.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/plan"
)

// SQLiteStore is the sqlite-backed history store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and brings its
// schema up to date.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// One writer at a time; the bus serializes writes but replay reads race
	// against them.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationRunner(db).RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// StoreEvent persists one bus event. Implements events.Sink.
func (s *SQLiteStore) StoreEvent(ev *events.Event) error {
	if err := s.touchSession(ev.SessionID, ev.Timestamp); err != nil {
		return err
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (session_id, interaction_id, event_type, component, hierarchy_level, event_index, timestamp, event_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.SessionID, ev.InteractionID, string(ev.Type), ev.Component, ev.HierarchyLevel, ev.EventIndex, ev.Timestamp, string(data))
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	// Interaction boundaries maintain the summary table as a side effect.
	switch data := ev.Data.(type) {
	case *events.InteractionStartData:
		return s.beginInteraction(ev, data.Request)
	case *events.InteractionEndData:
		return s.endInteraction(ev, string(data.Status))
	}
	return nil
}

func (s *SQLiteStore) touchSession(sessionID string, at time.Time) error {
	if _, err := s.db.Exec(`
		INSERT INTO sessions (session_id, last_activity) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_activity = excluded.last_activity
	`, sessionID, at); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) beginInteraction(ev *events.Event, request string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO interactions (interaction_id, session_id, request, started_at)
		VALUES (?, ?, ?, ?)
	`, ev.InteractionID, ev.SessionID, request, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record interaction start: %w", err)
	}
	return nil
}

func (s *SQLiteStore) endInteraction(ev *events.Event, status string) error {
	reply := s.latestReply(ev.SessionID, ev.InteractionID)
	_, err := s.db.Exec(`
		UPDATE interactions SET status = ?, reply = ?, finished_at = ?
		WHERE interaction_id = ?
	`, status, reply, ev.Timestamp, ev.InteractionID)
	if err != nil {
		return fmt.Errorf("failed to record interaction end: %w", err)
	}
	return nil
}

// latestReply digs the final user-facing message out of the stored
// reply_ready event. Best effort; the raw event is the source of truth.
func (s *SQLiteStore) latestReply(sessionID, interactionID string) string {
	var raw string
	err := s.db.QueryRow(`
		SELECT event_data FROM events
		WHERE session_id = ? AND interaction_id = ? AND event_type = ?
		ORDER BY event_index DESC LIMIT 1
	`, sessionID, interactionID, string(events.ReplyReady)).Scan(&raw)
	if err != nil {
		return ""
	}
	var payload struct {
		Reply *plan.Reply `json:"reply"`
	}
	if json.Unmarshal([]byte(raw), &payload) != nil || payload.Reply == nil {
		return ""
	}
	return payload.Reply.Message
}

// GetEventsBySession replays a session's events in publish order.
func (s *SQLiteStore) GetEventsBySession(ctx context.Context, sessionID string, limit, offset int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, interaction_id, event_type, component, hierarchy_level, event_index, timestamp, event_data
		FROM events
		WHERE session_id = ?
		ORDER BY event_index ASC
		LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by session: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEvents replays events matching the query, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, q *EventQuery) (*EventPage, error) {
	whereClause := "WHERE 1=1"
	args := []interface{}{}

	if q.SessionID != "" {
		whereClause += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.InteractionID != "" {
		whereClause += " AND interaction_id = ?"
		args = append(args, q.InteractionID)
	}
	if q.EventType != "" {
		whereClause += " AND event_type = ?"
		args = append(args, q.EventType)
	}
	if !q.FromDate.IsZero() {
		whereClause += " AND timestamp >= ?"
		args = append(args, q.FromDate)
	}
	if !q.ToDate.IsZero() {
		whereClause += " AND timestamp <= ?"
		args = append(args, q.ToDate)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events "+whereClause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, interaction_id, event_type, component, hierarchy_level, event_index, timestamp, event_data
		FROM events `+whereClause+`
		ORDER BY timestamp DESC, event_index DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	list, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return &EventPage{Events: list, Total: total, Limit: limit, Offset: offset}, nil
}

func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	var list []EventRow
	for rows.Next() {
		var row EventRow
		var data string
		var component sql.NullString
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.InteractionID, &row.EventType,
			&component, &row.HierarchyLevel, &row.EventIndex, &row.Timestamp, &data,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		row.Component = component.String
		row.EventData = json.RawMessage(data)
		list = append(list, row)
	}
	return list, rows.Err()
}

// ListSessions lists stored sessions with activity counters, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]SessionSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			s.session_id,
			s.created_at,
			s.last_activity,
			s.status,
			COUNT(e.id) AS total_events,
			(SELECT COUNT(*) FROM interactions i WHERE i.session_id = s.session_id) AS interactions
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.session_id
		GROUP BY s.session_id, s.created_at, s.last_activity, s.status
		ORDER BY s.created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]SessionSummary, 0)
	for rows.Next() {
		var summary SessionSummary
		var lastActivity sql.NullTime
		if err := rows.Scan(
			&summary.SessionID, &summary.CreatedAt, &lastActivity, &summary.Status,
			&summary.TotalEvents, &summary.Interactions,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		if lastActivity.Valid {
			summary.LastActivity = &lastActivity.Time
		}
		sessions = append(sessions, summary)
	}
	return sessions, total, rows.Err()
}

// ListInteractions returns a session's interaction summaries in start order.
func (s *SQLiteStore) ListInteractions(ctx context.Context, sessionID string) ([]InteractionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interaction_id, session_id, request, status, reply, started_at, finished_at
		FROM interactions
		WHERE session_id = ?
		ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var list []InteractionRow
	for rows.Next() {
		var row InteractionRow
		var status, reply sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(
			&row.InteractionID, &row.SessionID, &row.Request,
			&status, &reply, &row.StartedAt, &finished,
		); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		row.Status = status.String
		row.Reply = reply.String
		if finished.Valid {
			row.FinishedAt = &finished.Time
		}
		list = append(list, row)
	}
	return list, rows.Err()
}

// DeleteSession removes a session and everything recorded under it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// Ping tests the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
