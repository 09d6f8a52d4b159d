package events

import (
	"time"

	"github.com/maghams62/auto-mac/pkg/plan"
)

// InteractionStartData announces a new user request entering the pipeline.
type InteractionStartData struct {
	Request string `json:"request"`
}

func (d *InteractionStartData) GetEventType() EventType { return InteractionStart }

// InteractionEndData carries the final status of a finished interaction.
type InteractionEndData struct {
	Status   plan.InteractionStatus `json:"status"`
	Duration time.Duration          `json:"duration_ns"`
}

func (d *InteractionEndData) GetEventType() EventType { return InteractionEnd }

// InteractionErrorData reports an unrecoverable pipeline failure.
type InteractionErrorData struct {
	ErrorKind plan.ErrorKind `json:"error_kind"`
	Message   string         `json:"message"`
}

func (d *InteractionErrorData) GetEventType() EventType { return InteractionError }

// StateTransitionData records one state machine edge.
type StateTransitionData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (d *StateTransitionData) GetEventType() EventType { return StateTransition }

// PlanningStartData announces a planner call.
type PlanningStartData struct {
	Attempt       int `json:"attempt"`
	ExemplarCount int `json:"exemplar_count"`
	PromptTokens  int `json:"prompt_tokens,omitempty"`
}

func (d *PlanningStartData) GetEventType() EventType { return PlanningStart }

// PlanReadyData carries an accepted plan.
type PlanReadyData struct {
	Plan      *plan.Plan `json:"plan"`
	StepCount int        `json:"step_count"`
	Repaired  bool       `json:"repaired"`
}

func (d *PlanReadyData) GetEventType() EventType { return PlanReady }

// PlanRejectedData carries the validator's fatal issues.
type PlanRejectedData struct {
	Issues []string `json:"issues"`
}

func (d *PlanRejectedData) GetEventType() EventType { return PlanRejected }

// PlanRepairedData describes one auto-correction applied to a plan.
type PlanRepairedData struct {
	StepID int    `json:"step_id,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (d *PlanRepairedData) GetEventType() EventType { return PlanRepaired }

// ReplanStartData announces a correction cycle.
type ReplanStartData struct {
	Attempt      int      `json:"attempt"`
	Budget       int      `json:"budget"`
	Continuation bool     `json:"continuation"`
	FailedSteps  []int    `json:"failed_steps,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

func (d *ReplanStartData) GetEventType() EventType { return ReplanStart }

// StepStartData announces a step dispatch.
type StepStartData struct {
	StepID     int    `json:"step_id"`
	Action     string `json:"action"`
	Generation int    `json:"generation"`
}

func (d *StepStartData) GetEventType() EventType { return StepStart }

// StepCompleteData carries one step's result.
type StepCompleteData struct {
	StepID   int              `json:"step_id"`
	Action   string           `json:"action"`
	Result   *plan.StepResult `json:"result"`
	Duration time.Duration    `json:"duration_ns"`
}

func (d *StepCompleteData) GetEventType() EventType { return StepComplete }

// StepSkippedData reports a step skipped because a dependency failed.
type StepSkippedData struct {
	StepID         int    `json:"step_id"`
	Action         string `json:"action"`
	FailedUpstream int    `json:"failed_upstream"`
}

func (d *StepSkippedData) GetEventType() EventType { return StepSkipped }

// VerdictReadyData carries a step verifier verdict.
type VerdictReadyData struct {
	StepID      int                    `json:"step_id"`
	Verdict     string                 `json:"verdict"`
	Explanation string                 `json:"explanation,omitempty"`
	Suggested   map[string]interface{} `json:"suggested_parameters,omitempty"`
}

func (d *VerdictReadyData) GetEventType() EventType { return VerdictReady }

// CommitmentCheckData reports one commitment verification during finalization.
type CommitmentCheckData struct {
	Tag       string `json:"tag"`
	Fulfilled bool   `json:"fulfilled"`
	Detail    string `json:"detail,omitempty"`
}

func (d *CommitmentCheckData) GetEventType() EventType { return CommitmentCheck }

// ReplyReadyData carries the final user-facing reply.
type ReplyReadyData struct {
	Reply *plan.Reply `json:"reply"`
}

func (d *ReplyReadyData) GetEventType() EventType { return ReplyReady }

// LLMGenerationStartData announces one LLM call.
type LLMGenerationStartData struct {
	Purpose string `json:"purpose"` // plan, verify, reflect
	Model   string `json:"model,omitempty"`
}

func (d *LLMGenerationStartData) GetEventType() EventType { return LLMGenerationStart }

// LLMGenerationEndData closes an LLM call.
type LLMGenerationEndData struct {
	Purpose  string        `json:"purpose"`
	Duration time.Duration `json:"duration_ns"`
	Tokens   int           `json:"tokens,omitempty"`
}

func (d *LLMGenerationEndData) GetEventType() EventType { return LLMGenerationEnd }

// LLMGenerationErrorData reports a failed LLM call.
type LLMGenerationErrorData struct {
	Purpose string `json:"purpose"`
	Error   string `json:"error"`
}

func (d *LLMGenerationErrorData) GetEventType() EventType { return LLMGenerationError }

// CancelledData reports user-initiated cancellation.
type CancelledData struct {
	CompletedSteps []int `json:"completed_steps,omitempty"`
}

func (d *CancelledData) GetEventType() EventType { return Cancelled }
