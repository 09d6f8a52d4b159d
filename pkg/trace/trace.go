// Package trace holds the per-session reasoning log: an append-only record of
// decisions, commitments, evidence and corrections that outlives individual
// steps. The planner consumes a summary view rather than raw strings so that
// memory quality stays testable.
package trace

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maghams62/auto-mac/pkg/plan"
)

// Stage identifies which pipeline phase produced an entry.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageExecution    Stage = "execution"
	StageVerification Stage = "verification"
	StageCorrection   Stage = "correction"
	StageFinalization Stage = "finalization"
)

// Outcome is the resolution state of an entry. Entries start pending and may
// only move to success, partial or failed.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one reasoning record.
type Entry struct {
	ID            string                 `json:"id"`
	InteractionID string                 `json:"interaction_id"`
	Stage         Stage                  `json:"stage"`
	Thought       string                 `json:"thought"`
	Action        string                 `json:"action,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Outcome       Outcome                `json:"outcome"`
	Evidence      []string               `json:"evidence,omitempty"`
	Commitments   []CommitmentTag        `json:"commitments,omitempty"`
	Corrections   []string               `json:"corrections,omitempty"`
	Attachments   []plan.FileRef         `json:"attachments,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Trace is the append-only reasoning log scoped to one interaction. It is not
// safe for concurrent use on its own; all access goes through the session
// manager's per-session lock.
type Trace struct {
	InteractionID string   `json:"interaction_id"`
	Entries       []*Entry `json:"entries"`
	Frozen        bool     `json:"frozen"`
}

// NewTrace creates an empty trace for an interaction.
func NewTrace(interactionID string) *Trace {
	return &Trace{InteractionID: interactionID}
}

// AddEntry appends a new pending-or-resolved entry and returns its id.
func (t *Trace) AddEntry(stage Stage, thought string, opts ...EntryOption) (string, error) {
	if t.Frozen {
		return "", fmt.Errorf("trace for interaction %s is frozen", t.InteractionID)
	}
	entry := &Entry{
		ID:            uuid.NewString(),
		InteractionID: t.InteractionID,
		Stage:         stage,
		Thought:       thought,
		Outcome:       OutcomePending,
		Timestamp:     time.Now(),
	}
	for _, opt := range opts {
		opt(entry)
	}
	t.Entries = append(t.Entries, entry)
	return entry.ID, nil
}

// UpdateEntry resolves a pending entry and attaches late evidence. Resolved
// entries may still gain evidence, attachments and corrections, but their
// outcome can no longer change back to pending.
func (t *Trace) UpdateEntry(entryID string, outcome Outcome, opts ...EntryOption) error {
	if t.Frozen {
		return fmt.Errorf("trace for interaction %s is frozen", t.InteractionID)
	}
	entry := t.entryByID(entryID)
	if entry == nil {
		return fmt.Errorf("no trace entry %s", entryID)
	}
	if outcome == OutcomePending {
		return fmt.Errorf("entry %s cannot be reset to pending", entryID)
	}
	entry.Outcome = outcome
	for _, opt := range opts {
		opt(entry)
	}
	return nil
}

// Freeze seals the trace; further mutation fails.
func (t *Trace) Freeze() {
	t.Frozen = true
}

func (t *Trace) entryByID(id string) *Entry {
	for _, e := range t.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// EntryOption mutates an entry during AddEntry or UpdateEntry.
type EntryOption func(*Entry)

// WithAction records the tool action and parameters the entry refers to.
func WithAction(action string, params map[string]interface{}) EntryOption {
	return func(e *Entry) {
		e.Action = action
		e.Parameters = params
	}
}

// WithEvidence appends evidence strings.
func WithEvidence(evidence ...string) EntryOption {
	return func(e *Entry) {
		e.Evidence = append(e.Evidence, evidence...)
	}
}

// WithCommitments records commitment tags on the entry.
func WithCommitments(tags ...CommitmentTag) EntryOption {
	return func(e *Entry) {
		e.Commitments = append(e.Commitments, tags...)
	}
}

// WithCorrections appends correction hints for the replanner.
func WithCorrections(corrections ...string) EntryOption {
	return func(e *Entry) {
		e.Corrections = append(e.Corrections, corrections...)
	}
}

// WithAttachments appends file references.
func WithAttachments(refs ...plan.FileRef) EntryOption {
	return func(e *Entry) {
		e.Attachments = append(e.Attachments, refs...)
	}
}

// Summary is the compact view of a trace consumed by the planner prompt and
// by memory-enabled tools.
type Summary struct {
	Commitments         []CommitmentTag `json:"commitments"`
	PastAttempts        int             `json:"past_attempts"`
	RecentCorrections   []string        `json:"recent_corrections"`
	AttachmentInventory []plan.FileRef  `json:"attachment_inventory"`
}

// maxRecentCorrections bounds the corrections carried into prompts.
const maxRecentCorrections = 5

// Summarize computes the summary view of a trace.
func (t *Trace) Summarize() Summary {
	s := Summary{
		Commitments:         []CommitmentTag{},
		RecentCorrections:   []string{},
		AttachmentInventory: []plan.FileRef{},
	}
	seen := make(map[CommitmentTag]bool)
	var corrections []string
	for _, e := range t.Entries {
		for _, tag := range e.Commitments {
			if !seen[tag] {
				seen[tag] = true
				s.Commitments = append(s.Commitments, tag)
			}
		}
		if e.Outcome == OutcomeFailed {
			s.PastAttempts++
		}
		corrections = append(corrections, e.Corrections...)
		s.AttachmentInventory = append(s.AttachmentInventory, e.Attachments...)
	}
	if len(corrections) > maxRecentCorrections {
		corrections = corrections[len(corrections)-maxRecentCorrections:]
	}
	s.RecentCorrections = append(s.RecentCorrections, corrections...)
	return s
}

// PendingCommitments returns commitments recorded at planning stage that have
// not been explicitly resolved by a later entry carrying the same tag with a
// non-pending outcome.
func (t *Trace) PendingCommitments() []CommitmentTag {
	recorded := make(map[CommitmentTag]bool)
	resolved := make(map[CommitmentTag]bool)
	var order []CommitmentTag
	for _, e := range t.Entries {
		for _, tag := range e.Commitments {
			if e.Stage == StagePlanning {
				if !recorded[tag] {
					recorded[tag] = true
					order = append(order, tag)
				}
			} else if e.Outcome != OutcomePending {
				resolved[tag] = true
			}
		}
	}
	var pending []CommitmentTag
	for _, tag := range order {
		if !resolved[tag] {
			pending = append(pending, tag)
		}
	}
	return pending
}
