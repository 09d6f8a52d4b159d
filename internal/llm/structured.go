package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/maghams62/auto-mac/internal/utils"
)

// structuredMaxTokens bounds plan generation output. Plans are small; the
// headroom covers verbose reasoning fields.
const structuredMaxTokens = 8000

// StructuredGenerator asks the model for JSON and cleans the response so it
// parses. Markdown fences and prose wrappers around the JSON are the common
// failure modes and both are stripped here rather than retried.
type StructuredGenerator struct {
	llm    llms.Model
	logger utils.ExtendedLogger
}

// NewStructuredGenerator creates a generator over the given model.
func NewStructuredGenerator(llm llms.Model, logger utils.ExtendedLogger) *StructuredGenerator {
	return &StructuredGenerator{llm: llm, logger: logger}
}

// GenerateJSON sends the prompt in JSON mode and returns the cleaned body.
func (g *StructuredGenerator) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	response, err := g.llm.GenerateContent(ctx, messages,
		llms.WithJSONMode(),
		llms.WithMaxTokens(structuredMaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate structured output: %w", err)
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0].Content == "" {
		return "", fmt.Errorf("no content in LLM response")
	}
	return cleanContentForJSON(response.Choices[0].Content), nil
}

// GenerateInto generates JSON and unmarshals it into out.
func (g *StructuredGenerator) GenerateInto(ctx context.Context, system, prompt string, out interface{}) error {
	body, err := g.GenerateJSON(ctx, system, prompt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		g.logger.Warnf("structured output did not parse (%d chars): %v", len(body), err)
		return fmt.Errorf("structured output is not valid JSON: %w", err)
	}
	return nil
}

// cleanContentForJSON strips markdown code fences and any prose surrounding
// the outermost JSON value.
func cleanContentForJSON(content string) string {
	cleaned := strings.TrimSpace(content)

	if start := strings.Index(cleaned, "```"); start != -1 {
		contentStart := start + 3
		if newline := strings.Index(cleaned[contentStart:], "\n"); newline != -1 {
			contentStart += newline + 1
		}
		if end := strings.LastIndex(cleaned, "```"); end > contentStart {
			cleaned = cleaned[contentStart:end]
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	// Trim prose before the first brace/bracket and after the last.
	first := strings.IndexAny(cleaned, "{[")
	last := strings.LastIndexAny(cleaned, "}]")
	if first != -1 && last > first {
		cleaned = cleaned[first : last+1]
	}
	return cleaned
}
