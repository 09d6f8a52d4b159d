// Package tools holds the built-in tool set. The file tools do real local
// work; the delivery, playback and scheduling tools are stubs that stand in
// for macOS automations so the kernel runs end-to-end on any machine.
package tools

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/registry"
)

// Config tunes the built-in tools.
type Config struct {
	// OutputDir is where document tools write produced files. Defaults to a
	// per-process temp directory.
	OutputDir string
}

// RegisterBuiltins registers the full built-in tool set.
func RegisterBuiltins(reg *registry.Registry, cfg Config, logger utils.ExtendedLogger) error {
	if cfg.OutputDir == "" {
		dir, err := os.MkdirTemp("", "auto-mac-output-")
		if err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
		cfg.OutputDir = dir
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	type registration struct {
		desc   registry.Descriptor
		invoke registry.Invocable
	}
	var registrations []registration
	add := func(desc registry.Descriptor, invoke registry.Invocable) {
		registrations = append(registrations, registration{desc, invoke})
	}
	add(findDuplicatesTool())
	add(listFilesTool())
	add(writeReportTool(cfg, logger))
	add(createKeynoteTool(cfg, logger))
	add(composeEmailTool(logger))
	add(playSongTool(logger))
	add(postUpdateTool(logger))
	add(scheduleEventTool(logger))
	add(replyTool())
	for _, r := range registrations {
		if err := reg.Register(r.desc, r.invoke); err != nil {
			return err
		}
	}
	return nil
}

// decodeParams maps loose step parameters onto a typed parameter struct.
func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
