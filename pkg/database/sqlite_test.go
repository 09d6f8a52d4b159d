package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/plan"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func emit(t *testing.T, store *SQLiteStore, sessionID, interactionID string, index int, data events.EventData) {
	t.Helper()
	eventType := data.GetEventType()
	err := store.StoreEvent(&events.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		EventIndex:     index,
		SessionID:      sessionID,
		InteractionID:  interactionID,
		HierarchyLevel: events.HierarchyFor(eventType),
		Component:      events.ComponentFor(eventType),
		Data:           data,
	})
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
}

func TestStoreAndReplayEvents(t *testing.T) {
	store := newTestStore(t)

	emit(t, store, "s1", "i1", 1, &events.InteractionStartData{Request: "find duplicates"})
	emit(t, store, "s1", "i1", 2, &events.StateTransitionData{From: "IDLE", To: "PLANNING"})
	emit(t, store, "s1", "i1", 3, &events.StepStartData{StepID: 1, Action: "folder_find_duplicates"})

	rows, err := store.GetEventsBySession(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].EventType != string(events.InteractionStart) || rows[2].EventType != string(events.StepStart) {
		t.Errorf("replay order wrong: %s, %s", rows[0].EventType, rows[2].EventType)
	}
	if rows[2].Component != "executor" || rows[2].HierarchyLevel != 2 {
		t.Errorf("envelope fields lost: %+v", rows[2])
	}

	var payload struct {
		StepID int    `json:"step_id"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(rows[2].EventData, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.StepID != 1 || payload.Action != "folder_find_duplicates" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestInteractionSummaryMaintained(t *testing.T) {
	store := newTestStore(t)

	emit(t, store, "s1", "i1", 1, &events.InteractionStartData{Request: "email me the report"})
	emit(t, store, "s1", "i1", 2, &events.ReplyReadyData{
		Reply: &plan.Reply{Message: "Sent.", Status: plan.InteractionSuccess},
	})
	emit(t, store, "s1", "i1", 3, &events.InteractionEndData{
		Status: plan.InteractionSuccess, Duration: time.Second,
	})

	interactions, err := store.ListInteractions(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(interactions) != 1 {
		t.Fatalf("interactions = %d, want 1", len(interactions))
	}
	row := interactions[0]
	if row.Request != "email me the report" || row.Status != string(plan.InteractionSuccess) {
		t.Errorf("row = %+v", row)
	}
	if row.Reply != "Sent." {
		t.Errorf("reply = %q", row.Reply)
	}
	if row.FinishedAt == nil {
		t.Errorf("finished_at not set")
	}
}

func TestGetEventsFilters(t *testing.T) {
	store := newTestStore(t)

	emit(t, store, "s1", "i1", 1, &events.InteractionStartData{Request: "a"})
	emit(t, store, "s1", "i1", 2, &events.StepStartData{StepID: 1, Action: "x"})
	emit(t, store, "s2", "i2", 1, &events.InteractionStartData{Request: "b"})

	page, err := store.GetEvents(context.Background(), &EventQuery{
		SessionID: "s1", EventType: string(events.StepStart),
	})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Events) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Events[0].SessionID != "s1" {
		t.Errorf("event = %+v", page.Events[0])
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	emit(t, store, "s1", "i1", 1, &events.InteractionStartData{Request: "a"})
	emit(t, store, "s2", "i2", 1, &events.InteractionStartData{Request: "b"})

	sessions, total, err := store.ListSessions(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(sessions) != 2 {
		t.Fatalf("total = %d, sessions = %d", total, len(sessions))
	}
	for _, s := range sessions {
		if s.TotalEvents != 1 || s.Interactions != 1 {
			t.Errorf("summary = %+v", s)
		}
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetEventsBySession(ctx, "s1", 0, 0); err != nil {
		t.Fatal(err)
	}
	rows, _ := store.GetEventsBySession(ctx, "s1", 0, 0)
	if len(rows) != 0 {
		t.Errorf("events survived session delete: %d", len(rows))
	}
	if err := store.DeleteSession(ctx, "missing"); err == nil {
		t.Errorf("deleting a missing session must fail")
	}
}
