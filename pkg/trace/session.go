package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/plan"
)

// Interaction is one user request together with everything it produced.
// Immutable once finalized.
type Interaction struct {
	ID          string                   `json:"id"`
	Request     string                   `json:"request"`
	Plan        *plan.Plan               `json:"plan,omitempty"`
	StepResults map[int]*plan.StepResult `json:"step_results,omitempty"`
	Reply       *plan.Reply              `json:"reply,omitempty"`
	Trace       *Trace                   `json:"reasoning_trace,omitempty"`
	Status      plan.InteractionStatus   `json:"status,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	FinalizedAt time.Time                `json:"finalized_at,omitempty"`
	Finalized   bool                     `json:"finalized"`
}

// Session groups the interactions issued under one stable id, plus the single
// live reasoning trace.
type Session struct {
	ID           string         `json:"session_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Interactions []*Interaction `json:"interactions"`

	mu     sync.Mutex
	active *Interaction
	dirty  bool
}

// Manager owns all sessions in the process. A single lock per session guards
// the interactions list and the active trace; all mutating operations are
// short and never block on I/O (persistence runs write-behind).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   *Store
	logger  utils.ExtendedLogger
	enabled bool

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Dir is where per-session files live; empty disables persistence.
	Dir string

	// Enabled mirrors reasoning_trace.enabled; when false, traces still
	// exist in memory (the pipeline depends on them) but are never persisted.
	Enabled bool

	// FlushInterval is the write-behind period (default 30s).
	FlushInterval time.Duration
}

// NewManager creates a session manager and starts the write-behind flusher.
func NewManager(cfg ManagerConfig, logger utils.ExtendedLogger) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		logger:        logger,
		enabled:       cfg.Enabled,
		flushInterval: cfg.FlushInterval,
		stopFlush:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}
	if cfg.Dir != "" {
		m.store = NewStore(cfg.Dir, logger)
	}
	go m.flushLoop()
	return m
}

// GetOrCreate returns the session for id, creating it on first use. When a
// persisted file exists for an unknown id, the session is reloaded from disk.
func (m *Manager) GetOrCreate(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	if m.store != nil {
		if s, err := m.store.Load(sessionID); err == nil && s != nil {
			m.sessions[sessionID] = s
			m.logger.Infof("reloaded session %s with %d interaction(s)", sessionID, len(s.Interactions))
			return s
		}
	}
	s := &Session{ID: sessionID, CreatedAt: time.Now()}
	m.sessions[sessionID] = s
	return s
}

// BeginInteraction starts a new interaction and its trace. Only one live
// interaction per session is allowed.
func (m *Manager) BeginInteraction(sessionID, request string) (*Interaction, error) {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fmt.Errorf("session %s already has a live interaction %s", sessionID, s.active.ID)
	}
	in := &Interaction{
		ID:          uuid.NewString(),
		Request:     request,
		StepResults: make(map[int]*plan.StepResult),
		CreatedAt:   time.Now(),
	}
	in.Trace = NewTrace(in.ID)
	s.Interactions = append(s.Interactions, in)
	s.active = in
	s.dirty = true
	return in, nil
}

// withActive runs fn under the session lock against the live interaction.
func (m *Manager) withActive(sessionID string, fn func(*Interaction) error) error {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return fmt.Errorf("session %s has no live interaction", sessionID)
	}
	if err := fn(s.active); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// AddEntry appends a reasoning entry to the live trace.
func (m *Manager) AddEntry(sessionID string, stage Stage, thought string, opts ...EntryOption) (string, error) {
	var id string
	err := m.withActive(sessionID, func(in *Interaction) error {
		var err error
		id, err = in.Trace.AddEntry(stage, thought, opts...)
		return err
	})
	return id, err
}

// UpdateEntry resolves a pending entry on the live trace.
func (m *Manager) UpdateEntry(sessionID, entryID string, outcome Outcome, opts ...EntryOption) error {
	return m.withActive(sessionID, func(in *Interaction) error {
		return in.Trace.UpdateEntry(entryID, outcome, opts...)
	})
}

// RecordPlan stores the accepted plan on the live interaction.
func (m *Manager) RecordPlan(sessionID string, p *plan.Plan) error {
	return m.withActive(sessionID, func(in *Interaction) error {
		in.Plan = p
		return nil
	})
}

// RecordStepResult publishes one step's result. A result is published exactly
// once per step per run; replans overwrite only the steps they re-execute.
func (m *Manager) RecordStepResult(sessionID string, stepID int, result *plan.StepResult) error {
	return m.withActive(sessionID, func(in *Interaction) error {
		in.StepResults[stepID] = result
		return nil
	})
}

// Summary returns the live trace's summary view, or a zero summary when no
// interaction is live.
func (m *Manager) Summary(sessionID string) Summary {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Summary{}
	}
	return s.active.Trace.Summarize()
}

// Snapshot returns a deep copy of the live trace for read-only consumers
// (memory-enabled tools), so readers never hold the session lock.
func (m *Manager) Snapshot(sessionID string) *Trace {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	data, err := json.Marshal(s.active.Trace)
	if err != nil {
		return nil
	}
	copy := &Trace{}
	if err := json.Unmarshal(data, copy); err != nil {
		return nil
	}
	return copy
}

// RecentInteractions returns up to n finalized interactions, newest last, for
// planner context.
func (m *Manager) RecentInteractions(sessionID string, n int) []*Interaction {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var finalized []*Interaction
	for _, in := range s.Interactions {
		if in.Finalized {
			finalized = append(finalized, in)
		}
	}
	if len(finalized) > n {
		finalized = finalized[len(finalized)-n:]
	}
	return finalized
}

// FinalizeInteraction stamps the live interaction, freezes its trace and
// releases the session for the next request. The trace is flushed eagerly.
func (m *Manager) FinalizeInteraction(sessionID string, status plan.InteractionStatus, reply *plan.Reply) error {
	s := m.GetOrCreate(sessionID)
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s has no live interaction", sessionID)
	}
	in := s.active
	in.Status = status
	in.Reply = reply
	in.FinalizedAt = time.Now()
	in.Finalized = true
	in.Trace.Freeze()
	s.active = nil
	s.dirty = true
	s.mu.Unlock()

	m.persist(s)
	return nil
}

// AbortInteraction releases a live interaction that cannot finalize normally
// (cancellation, unrecoverable pipeline errors).
func (m *Manager) AbortInteraction(sessionID string, status plan.InteractionStatus) {
	_ = m.FinalizeInteraction(sessionID, status, nil)
}

// Flush persists every dirty session now.
func (m *Manager) Flush() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.persist(s)
	}
}

// Close stops the flusher and performs a final flush.
func (m *Manager) Close() {
	close(m.stopFlush)
	<-m.flushDone
	m.Flush()
}

func (m *Manager) flushLoop() {
	defer close(m.flushDone)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Flush()
		case <-m.stopFlush:
			return
		}
	}
}

func (m *Manager) persist(s *Session) {
	if m.store == nil || !m.enabled {
		return
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	header := fileHeader{SessionID: s.ID, CreatedAt: s.CreatedAt}
	lines := make([][]byte, 0, len(s.Interactions))
	var marshalErr error
	for _, in := range s.Interactions {
		line, err := json.Marshal(in)
		if err != nil {
			marshalErr = err
			break
		}
		lines = append(lines, line)
	}
	s.dirty = false
	s.mu.Unlock()

	if marshalErr != nil {
		m.logger.Errorf("failed to snapshot session %s: %v", s.ID, marshalErr)
		return
	}
	if err := m.store.Save(header, lines); err != nil {
		m.logger.Errorf("failed to persist session %s: %v", s.ID, err)
	}
}
