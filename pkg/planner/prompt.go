package planner

import (
	"fmt"
	"strings"

	"github.com/maghams62/auto-mac/pkg/trace"
)

const systemPrompt = `You are the planning component of a personal automation agent. ` +
	`You turn a user's request into a JSON plan of tool invocations. ` +
	`Always respond with valid JSON only, no additional text or explanations.`

// coreRules is included in every planning prompt verbatim. The validator
// enforces these mechanically; stating them up front keeps repair rates low.
const coreRules = `Rules:
1. Respond with a single JSON object: {"goal": string, "steps": [...], "commitments": [string]}.
2. Each step is {"id": int, "action": string, "parameters": object, "dependencies": [int], "reasoning": string, "expected_output": string}.
3. Step ids are positive integers, unique within the plan.
4. A step may only reference results of steps in its dependencies (directly or transitively), using "$stepN.field" or "{$stepN.field.path}" inside parameter strings.
5. Use "$stepN.field" alone as a whole parameter value to pass lists or objects through unchanged.
6. The final step must be the reply action and nothing may depend on it.
7. When the user asks for a file to be sent, the sending step must reference the producing step's file_path in its attachments, and set "send": true when the user wants it delivered rather than drafted.
8. List in "commitments" the user-visible promises this plan makes (e.g. send_email, attach_documents, play_music, post_social, create_document, schedule_event).
9. Do not invent tools. Only use actions from the catalog below.`

// PromptInput carries everything one planning prompt is assembled from.
type PromptInput struct {
	Request string

	// Preamble is the cached rules-plus-catalog block; see catalogPreamble.
	Preamble string

	// Summary digests the live reasoning trace; zero-valued on the first
	// planning pass.
	Summary trace.Summary

	// RecentRequests are prior finalized requests in this session, oldest
	// first, for pronoun and follow-up resolution.
	RecentRequests []string

	Exemplars []*Exemplar

	// Feedback holds validator rejection reasons or parse complaints from a
	// previous attempt.
	Feedback []string

	// Continuation is set when replanning after a partial failure. MinStepID
	// is the lowest id the new steps may use.
	Continuation bool
	MinStepID    int
	PriorPlan    string
	ResultDigest string
}

// BuildPrompt renders the planning prompt.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString(in.Preamble)

	if len(in.Exemplars) > 0 {
		b.WriteString("\nExamples of good plans:\n\n")
		for _, e := range in.Exemplars {
			b.WriteString(e.Render())
			b.WriteString("\n")
		}
	}

	if len(in.RecentRequests) > 0 {
		b.WriteString("\nEarlier requests in this session:\n")
		for _, r := range in.RecentRequests {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	writeSummary(&b, in.Summary)

	if in.Continuation {
		b.WriteString("\nA previous plan for this request partially failed.\n")
		b.WriteString("Prior plan:\n")
		b.WriteString(in.PriorPlan)
		b.WriteString("\nResults so far:\n")
		b.WriteString(in.ResultDigest)
		fmt.Fprintf(&b, "\nProduce a continuation plan that builds on the successful results. All new step ids must be %d or higher. Reference completed steps' results instead of redoing their work.\n", in.MinStepID)
	}

	if len(in.Feedback) > 0 {
		b.WriteString("\nYour previous attempt was rejected:\n")
		for _, f := range in.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("Fix these problems in the new plan.\n")
	}

	b.WriteString("\nUser request: ")
	b.WriteString(in.Request)
	return b.String()
}

func writeSummary(b *strings.Builder, s trace.Summary) {
	if len(s.Commitments) == 0 && s.PastAttempts == 0 &&
		len(s.RecentCorrections) == 0 && len(s.AttachmentInventory) == 0 {
		return
	}
	b.WriteString("\nReasoning so far:\n")
	if len(s.Commitments) > 0 {
		commitments := make([]string, len(s.Commitments))
		for i, c := range s.Commitments {
			commitments[i] = string(c)
		}
		fmt.Fprintf(b, "- commitments made: %s\n", strings.Join(commitments, ", "))
	}
	if s.PastAttempts > 0 {
		fmt.Fprintf(b, "- failed attempts: %d\n", s.PastAttempts)
	}
	for _, c := range s.RecentCorrections {
		fmt.Fprintf(b, "- correction: %s\n", c)
	}
	for _, a := range s.AttachmentInventory {
		fmt.Fprintf(b, "- file already produced: %s\n", a.Path)
	}
}
