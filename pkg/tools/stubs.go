package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
)

type composeEmailParams struct {
	To          string   `json:"to" jsonschema:"description=Recipient address or contact name"`
	Subject     string   `json:"subject,omitempty" jsonschema:"description=Subject line"`
	Body        string   `json:"body" jsonschema:"description=Email body; reference upstream results for content"`
	Attachments []string `json:"attachments,omitempty" jsonschema:"description=File paths to attach; reference the producing step's file_path"`
	Send        bool     `json:"send,omitempty" jsonschema:"description=Send immediately when true; otherwise the message is left as a draft"`
}

type composeEmailResult struct {
	Sent            bool   `json:"sent"`
	To              string `json:"to"`
	AttachmentCount int    `json:"attachment_count"`
}

func composeEmailTool(logger utils.ExtendedLogger) (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "compose_email",
		Description:     "Compose and send an email with optional file attachments.",
		ParameterSchema: registry.SchemaFor(&composeEmailParams{}),
		ResultSchema:    registry.SchemaFor(&composeEmailResult{}),
		Verifiable:      true,
		Tags:            []string{registry.TagDelivery},
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p composeEmailParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if p.To == "" {
			return plan.Failure(plan.ErrToolInvocation, "recipient is required")
		}
		if strings.TrimSpace(p.Body) == "" {
			return plan.Failure(plan.ErrToolInvocation, "body is empty")
		}
		if p.Send {
			logger.Infof("email to %s (%d attachment(s)): %s", p.To, len(p.Attachments), p.Subject)
		} else {
			logger.Infof("drafted email to %s (%d attachment(s)): %s", p.To, len(p.Attachments), p.Subject)
		}
		return plan.Success(map[string]interface{}{
			"sent":             p.Send,
			"to":               p.To,
			"attachment_count": len(p.Attachments),
		})
	}
}

type playSongParams struct {
	Query string `json:"query" jsonschema:"description=Song, album or artist to play"`
}

type playSongResult struct {
	Playing bool   `json:"playing"`
	Query   string `json:"query"`
}

func playSongTool(logger utils.ExtendedLogger) (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "play_song",
		Description:     "Start music playback matching a query.",
		ParameterSchema: registry.SchemaFor(&playSongParams{}),
		ResultSchema:    registry.SchemaFor(&playSongResult{}),
		Tags:            []string{registry.TagMusic},
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p playSongParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if p.Query == "" {
			return plan.Failure(plan.ErrToolInvocation, "query is required")
		}
		logger.Infof("playing %q", p.Query)
		return plan.Success(map[string]interface{}{
			"playing": true,
			"query":   p.Query,
		})
	}
}

type postUpdateParams struct {
	Text string `json:"text" jsonschema:"description=Text of the post"`
}

type postUpdateResult struct {
	Posted bool   `json:"posted"`
	Text   string `json:"text"`
}

func postUpdateTool(logger utils.ExtendedLogger) (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "post_update",
		Description:     "Publish a short status update to the user's social feed.",
		ParameterSchema: registry.SchemaFor(&postUpdateParams{}),
		ResultSchema:    registry.SchemaFor(&postUpdateResult{}),
		Verifiable:      true,
		Tags:            []string{registry.TagSocial},
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p postUpdateParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if strings.TrimSpace(p.Text) == "" {
			return plan.Failure(plan.ErrToolInvocation, "text is empty")
		}
		logger.Infof("posted update: %s", p.Text)
		return plan.Success(map[string]interface{}{
			"posted": true,
			"text":   p.Text,
		})
	}
}

type scheduleEventParams struct {
	Title string `json:"title" jsonschema:"description=Event title"`
	Start string `json:"start" jsonschema:"description=Start time, RFC 3339 or YYYY-MM-DD HH:MM"`
	End   string `json:"end,omitempty" jsonschema:"description=Optional end time"`
}

type scheduleEventResult struct {
	Scheduled bool   `json:"scheduled"`
	Title     string `json:"title"`
	Start     string `json:"start"`
}

func scheduleEventTool(logger utils.ExtendedLogger) (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "schedule_event",
		Description:     "Create a calendar event.",
		ParameterSchema: registry.SchemaFor(&scheduleEventParams{}),
		ResultSchema:    registry.SchemaFor(&scheduleEventResult{}),
		Tags:            []string{registry.TagSchedule},
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p scheduleEventParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if p.Title == "" || p.Start == "" {
			return plan.Failure(plan.ErrToolInvocation, "title and start are required")
		}
		start, err := parseEventTime(p.Start)
		if err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad start time %q: %v", p.Start, err))
		}
		logger.Infof("scheduled %q at %s", p.Title, start.Format(time.RFC3339))
		return plan.Success(map[string]interface{}{
			"scheduled": true,
			"title":     p.Title,
			"start":     start.Format(time.RFC3339),
		})
	}
}

func parseEventTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}
