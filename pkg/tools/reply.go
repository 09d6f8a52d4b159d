package tools

import (
	"context"
	"fmt"

	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
)

type replyParams struct {
	Message string      `json:"message" jsonschema:"description=User-facing summary of what was done"`
	Details interface{} `json:"details,omitempty" jsonschema:"description=Optional structured details; reference upstream results"`
}

type replyResult struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// replyTool is the terminal action. Every valid plan ends with it; the
// finalizer lifts its result into the interaction reply.
func replyTool() (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "reply_to_user",
		Description:     "Reply to the user with a summary of the completed work. Must be the final step of every plan.",
		ParameterSchema: registry.SchemaFor(&replyParams{}),
		ResultSchema:    registry.SchemaFor(&replyResult{}),
		Terminal:        true,
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p replyParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if p.Message == "" {
			p.Message = "Done."
		}
		value := map[string]interface{}{"message": p.Message}
		if p.Details != nil {
			value["details"] = p.Details
		}
		return plan.Success(value)
	}
}
