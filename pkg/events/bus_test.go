package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maghams62/auto-mac/pkg/logger"
	"github.com/maghams62/auto-mac/pkg/plan"
)

type recordingSink struct {
	events []*Event
}

func (s *recordingSink) StoreEvent(event *Event) error {
	s.events = append(s.events, event)
	return nil
}

func testBus(t *testing.T, sink Sink) *Bus {
	t.Helper()
	log := logger.CreateTestLogger(filepath.Join(t.TempDir(), "test.log"), "info")
	return NewBus(sink, log)
}

func drain(sub *Subscriber) []*Event {
	var out []*Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestEmitStampsEnvelope(t *testing.T) {
	bus := testBus(t, nil)
	sub := bus.Subscribe("s1")
	defer bus.Unsubscribe(sub.ID)

	bus.Emit("s1", "i1", &InteractionStartData{Request: "find duplicates"})
	bus.Emit("s1", "i1", &StepStartData{StepID: 1, Action: "folder_find_duplicates"})
	bus.Emit("s1", "i1", &PlanReadyData{StepCount: 2})

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.EventIndex != i+1 {
			t.Errorf("event %d has index %d, want %d", i, ev.EventIndex, i+1)
		}
		if ev.SessionID != "s1" || ev.InteractionID != "i1" {
			t.Errorf("event %d envelope = %s/%s", i, ev.SessionID, ev.InteractionID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has zero timestamp", i)
		}
	}
	if got[0].Component != "orchestrator" || got[0].HierarchyLevel != 0 || got[0].ParentType != "" {
		t.Errorf("interaction_start stamped %s/%d/%s", got[0].Component, got[0].HierarchyLevel, got[0].ParentType)
	}
	if got[1].Component != "executor" || got[1].HierarchyLevel != 2 || got[1].ParentType != StateTransition {
		t.Errorf("step_start stamped %s/%d/%s", got[1].Component, got[1].HierarchyLevel, got[1].ParentType)
	}
	if got[2].Component != "planner" || got[2].HierarchyLevel != 1 || got[2].ParentType != InteractionStart {
		t.Errorf("plan_ready stamped %s/%d/%s", got[2].Component, got[2].HierarchyLevel, got[2].ParentType)
	}
}

func TestEventIndexPerSession(t *testing.T) {
	bus := testBus(t, nil)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	defer bus.Close()

	bus.Emit("a", "i1", &InteractionStartData{})
	bus.Emit("b", "i2", &InteractionStartData{})
	bus.Emit("a", "i1", &InteractionEndData{Status: plan.InteractionSuccess})

	gotA := drain(a)
	gotB := drain(b)
	if len(gotA) != 2 || gotA[0].EventIndex != 1 || gotA[1].EventIndex != 2 {
		t.Fatalf("session a indexes = %+v", gotA)
	}
	if len(gotB) != 1 || gotB[0].EventIndex != 1 {
		t.Fatalf("session b should count from 1, got %+v", gotB)
	}
}

func TestSubscribeAllSessions(t *testing.T) {
	bus := testBus(t, nil)
	all := bus.Subscribe("")
	only := bus.Subscribe("s1")
	defer bus.Close()

	bus.Emit("s1", "i1", &InteractionStartData{})
	bus.Emit("s2", "i2", &InteractionStartData{})

	if got := drain(all); len(got) != 2 {
		t.Errorf("wildcard subscriber received %d events, want 2", len(got))
	}
	if got := drain(only); len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("filtered subscriber received %+v", got)
	}
}

func TestSinkReceivesEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	bus := testBus(t, sink)

	bus.Emit("s1", "i1", &InteractionStartData{Request: "r"})
	bus.Emit("s2", "i2", &ReplyReadyData{Reply: &plan.Reply{Message: "done"}})

	// No subscribers; the sink still sees everything, inline and ordered.
	if len(sink.events) != 2 {
		t.Fatalf("sink stored %d events, want 2", len(sink.events))
	}
	if sink.events[0].Type != InteractionStart || sink.events[1].Type != ReplyReady {
		t.Errorf("sink order = %s, %s", sink.events[0].Type, sink.events[1].Type)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := testBus(t, nil)
	sub := bus.Subscribe("s1")
	defer bus.Unsubscribe(sub.ID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Emit("s1", "i1", &StepStartData{StepID: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}

	got := drain(sub)
	if len(got) != subscriberBuffer {
		t.Errorf("received %d events, want the buffer size %d", len(got), subscriberBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := testBus(t, nil)
	sub := bus.Subscribe("s1")
	bus.Unsubscribe(sub.ID)

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Unsubscribing twice or with an unknown id is a no-op.
	bus.Unsubscribe(sub.ID)
	bus.Unsubscribe("observer_unknown")

	bus.Emit("s1", "i1", &InteractionStartData{})
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	bus := testBus(t, nil)
	a := bus.Subscribe("s1")
	b := bus.Subscribe("")
	bus.Close()

	if _, ok := <-a.Events(); ok {
		t.Error("subscriber a still open after Close")
	}
	if _, ok := <-b.Events(); ok {
		t.Error("subscriber b still open after Close")
	}
}
