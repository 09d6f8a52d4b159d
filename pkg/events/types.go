// Package events defines the kernel's streaming event surface. Every state
// transition and step boundary is published as a typed event; the SSE server
// and the sqlite history store both consume the same stream.
package events

import (
	"time"
)

// EventType names one kind of kernel event.
type EventType string

const (
	// Interaction lifecycle events
	InteractionStart EventType = "interaction_start"
	InteractionEnd   EventType = "interaction_end"
	InteractionError EventType = "interaction_error"

	// Pipeline stage events
	StateTransition EventType = "state_transition"
	PlanningStart   EventType = "planning_start"
	PlanReady       EventType = "plan_ready"
	PlanRejected    EventType = "plan_rejected"
	PlanRepaired    EventType = "plan_repaired"
	ReplanStart     EventType = "replan_start"

	// Step execution events
	StepStart    EventType = "step_start"
	StepComplete EventType = "step_complete"
	StepSkipped  EventType = "step_skipped"

	// Verification events
	VerdictReady EventType = "verdict_ready"

	// Finalization events
	CommitmentCheck EventType = "commitment_check"
	ReplyReady      EventType = "reply_ready"

	// LLM events
	LLMGenerationStart EventType = "llm_generation_start"
	LLMGenerationEnd   EventType = "llm_generation_end"
	LLMGenerationError EventType = "llm_generation_error"

	// Cancellation
	Cancelled EventType = "cancelled"
)

// Event is the envelope published to observers. Hierarchy fields let a
// frontend rebuild the stage → step tree without replaying the whole stream.
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	EventIndex    int       `json:"event_index"`
	SessionID     string    `json:"session_id,omitempty"`
	InteractionID string    `json:"interaction_id,omitempty"`

	// HierarchyLevel is 0 for interaction-level events, 1 for stage-level,
	// 2 for step-level.
	HierarchyLevel int       `json:"hierarchy_level"`
	ParentType     EventType `json:"parent_type,omitempty"`
	Component      string    `json:"component,omitempty"`

	Data EventData `json:"data,omitempty"`
}

// EventData is implemented by every typed event payload.
type EventData interface {
	GetEventType() EventType
}

// ComponentFor maps an event type to the pipeline component that emits it.
func ComponentFor(eventType EventType) string {
	switch eventType {
	case PlanningStart, PlanReady, ReplanStart:
		return "planner"
	case PlanRejected, PlanRepaired:
		return "validator"
	case StepStart, StepComplete, StepSkipped:
		return "executor"
	case VerdictReady:
		return "verifier"
	case CommitmentCheck, ReplyReady:
		return "finalizer"
	case LLMGenerationStart, LLMGenerationEnd, LLMGenerationError:
		return "llm"
	default:
		return "orchestrator"
	}
}

// HierarchyFor maps an event type to its depth in the event tree.
func HierarchyFor(eventType EventType) int {
	switch eventType {
	case InteractionStart, InteractionEnd, InteractionError, Cancelled:
		return 0
	case StepStart, StepComplete, StepSkipped, VerdictReady,
		LLMGenerationStart, LLMGenerationEnd, LLMGenerationError:
		return 2
	default:
		return 1
	}
}

// ParentFor returns the event type a frontend should nest this event under.
// Step-level events hang off the stage's state transition, stage-level events
// off the interaction start; interaction-level events are roots.
func ParentFor(eventType EventType) EventType {
	switch HierarchyFor(eventType) {
	case 2:
		return StateTransition
	case 1:
		return InteractionStart
	default:
		return ""
	}
}
