// Package planner turns user requests into tool plans via the LLM. Prompt
// assembly, exemplar retrieval and parse retries live here; structural
// validation of the resulting plan does not.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/maghams62/auto-mac/internal/llm"
	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/trace"
)

// ErrUnparseable is returned when the model never produced a parseable plan
// within the retry budget. Maps to the planner_unparseable error kind.
var ErrUnparseable = errors.New("planner produced no parseable plan")

// Config tunes the planner.
type Config struct {
	// MaxParseRetries bounds re-asks after an unparseable response.
	MaxParseRetries int `json:"max_parse_retries"`

	// ExemplarLimit is how many exemplars to retrieve before budgeting.
	ExemplarLimit int `json:"exemplar_limit"`

	// ExemplarTokenBudget caps the rendered exemplar block.
	ExemplarTokenBudget int `json:"exemplar_token_budget"`

	// RecentInteractions is how many finalized requests to include.
	RecentInteractions int `json:"recent_interactions"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxParseRetries:     2,
		ExemplarLimit:       8,
		ExemplarTokenBudget: defaultExemplarBudget,
		RecentInteractions:  3,
	}
}

// Planner generates plans.
type Planner struct {
	generator *llm.StructuredGenerator
	registry  *registry.Registry
	index     Index
	config    Config
	logger    utils.ExtendedLogger

	mu           sync.Mutex
	preamble     string
	preambleHash string
}

// New creates a planner. index may be nil when no exemplar store is
// configured.
func New(model llms.Model, reg *registry.Registry, index Index, config Config, logger utils.ExtendedLogger) *Planner {
	if config.MaxParseRetries <= 0 {
		config.MaxParseRetries = 2
	}
	if config.ExemplarLimit <= 0 {
		config.ExemplarLimit = 8
	}
	return &Planner{
		generator: llm.NewStructuredGenerator(model, logger),
		registry:  reg,
		index:     index,
		config:    config,
		logger:    logger,
	}
}

// Request carries one planning task.
type Request struct {
	SessionID string
	Goal      string

	Summary        trace.Summary
	RecentRequests []string

	// Feedback from a rejected previous plan.
	Feedback []string

	// Continuation fields; see PromptInput.
	Continuation bool
	MinStepID    int
	PriorPlan    *plan.Plan
	Results      map[int]*plan.StepResult
}

// Result is an accepted planner output before validation.
type Result struct {
	Plan *plan.Plan

	// ProposedCommitments is the model's own commitment list, merged with
	// detection by the orchestrator.
	ProposedCommitments []string

	Attempts      int
	ExemplarCount int
}

// planResponse is the JSON shape the model is asked for.
type planResponse struct {
	Goal        string       `json:"goal"`
	Steps       []*plan.Step `json:"steps"`
	Commitments []string     `json:"commitments"`
}

// CreatePlan runs exemplar retrieval, prompt assembly and generation, with
// bounded retries on unparseable output.
func (p *Planner) CreatePlan(ctx context.Context, req Request) (*Result, error) {
	exemplars := p.retrieveExemplars(ctx, req.Goal)

	input := PromptInput{
		Request:        req.Goal,
		Preamble:       p.catalogPreamble(),
		Summary:        req.Summary,
		RecentRequests: req.RecentRequests,
		Exemplars:      exemplars,
		Feedback:       append([]string(nil), req.Feedback...),
		Continuation:   req.Continuation,
		MinStepID:      req.MinStepID,
	}
	if req.Continuation && req.PriorPlan != nil {
		input.PriorPlan = renderPlan(req.PriorPlan)
		input.ResultDigest = renderResults(req.Results)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxParseRetries+1; attempt++ {
		prompt := BuildPrompt(input)
		p.logger.Infof("planning attempt %d for session %s (%d exemplars, %d chars)",
			attempt, req.SessionID, len(exemplars), len(prompt))

		body, err := p.generator.GenerateJSON(ctx, systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("planner LLM call failed: %w", err)
		}

		response := &planResponse{}
		if err := json.Unmarshal([]byte(body), response); err != nil {
			lastErr = err
			input.Feedback = append(input.Feedback,
				fmt.Sprintf("your response was not valid JSON: %v", err))
			continue
		}

		parsed, err := plan.Parse(mustMarshal(plan.Plan{Goal: response.Goal, Steps: response.Steps}))
		if err != nil {
			lastErr = err
			input.Feedback = append(input.Feedback,
				fmt.Sprintf("your plan was malformed: %v", err))
			continue
		}
		if parsed.Goal == "" {
			parsed.Goal = req.Goal
		}
		return &Result{
			Plan:                parsed,
			ProposedCommitments: response.Commitments,
			Attempts:            attempt,
			ExemplarCount:       len(exemplars),
		}, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnparseable, p.config.MaxParseRetries+1, lastErr)
}

// catalogPreamble renders the rules-plus-catalog prompt block, cached against
// the registry's catalog hash so it is rebuilt only when tools change.
func (p *Planner) catalogPreamble() string {
	hash := p.registry.CatalogHash()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preambleHash == hash && p.preamble != "" {
		return p.preamble
	}
	var b strings.Builder
	b.WriteString(coreRules)
	b.WriteString("\n\nTool catalog:\n")
	b.WriteString(p.registry.Catalog())
	p.preamble = b.String()
	p.preambleHash = hash
	return p.preamble
}

func (p *Planner) retrieveExemplars(ctx context.Context, request string) []*Exemplar {
	if p.index == nil {
		return nil
	}
	ranked, err := p.index.Search(ctx, request, p.config.ExemplarLimit)
	if err != nil {
		// Exemplars improve plans but are never required.
		p.logger.Warnf("exemplar retrieval failed: %v", err)
		return nil
	}
	return selectWithinBudget(ranked, p.config.ExemplarTokenBudget, p.logger)
}

func renderPlan(p *plan.Plan) string {
	return string(mustMarshal(p))
}

func renderResults(results map[int]*plan.StepResult) string {
	if len(results) == 0 {
		return "(none)"
	}
	digest := make(map[string]interface{}, len(results))
	for id, r := range results {
		entry := map[string]interface{}{"status": r.Status}
		if r.ErrorKind != "" {
			entry["error_kind"] = r.ErrorKind
			entry["error"] = r.ErrorMessage
		}
		if r.Status == plan.StatusSuccess {
			entry["value"] = r.Value
		}
		digest[fmt.Sprintf("step%d", id)] = entry
	}
	return string(mustMarshal(digest))
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
