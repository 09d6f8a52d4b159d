package database

import (
	"encoding/json"
	"time"
)

// SessionRow is one row of the sessions table.
type SessionRow struct {
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Status       string     `json:"status"`
}

// SessionSummary is the listing view: a session plus its activity counters.
type SessionSummary struct {
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Status       string     `json:"status"`
	TotalEvents  int        `json:"total_events"`
	Interactions int        `json:"interactions"`
}

// EventRow is one stored event. EventData is the marshaled payload as
// published on the bus; replay clients decode it by event_type.
type EventRow struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	InteractionID  string          `json:"interaction_id"`
	EventType      string          `json:"event_type"`
	Component      string          `json:"component,omitempty"`
	HierarchyLevel int             `json:"hierarchy_level"`
	EventIndex     int             `json:"event_index"`
	Timestamp      time.Time       `json:"timestamp"`
	EventData      json.RawMessage `json:"event_data"`
}

// InteractionRow is the per-interaction summary kept alongside the raw events.
type InteractionRow struct {
	InteractionID string     `json:"interaction_id"`
	SessionID     string     `json:"session_id"`
	Request       string     `json:"request"`
	Status        string     `json:"status,omitempty"`
	Reply         string     `json:"reply,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// EventQuery filters a replay request.
type EventQuery struct {
	SessionID     string    `json:"session_id,omitempty"`
	InteractionID string    `json:"interaction_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	FromDate      time.Time `json:"from_date,omitempty"`
	ToDate        time.Time `json:"to_date,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

// EventPage is one page of replayed events.
type EventPage struct {
	Events []EventRow `json:"events"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}
