package validator

import (
	"context"
	"errors"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"
)

// walkModule validates a module boundary: its own namespace built from its
// variable declarations, unique event names, and no module nested inside.
func (v *PolicyValidator) walkModule(ctx context.Context, cfg *model.BlockConfig, state *walkState, inModule, inTool bool) {
	report := BlockReport{ID: cfg.ID, Name: cfg.Tag, IsValid: true}
	fail := func(message string) {
		report.Errors = append(report.Errors, message)
		report.IsValid = false
		state.report.IsValid = false
	}

	if inModule {
		fail("a module cannot contain another module")
	}
	if inTool {
		fail("a tool cannot contain a module")
	}
	v.registerNode(cfg, state, fail)
	v.checkModuleEvents(cfg, fail)

	ns := newNamespace()
	ns.addVariables(cfg.Variables)

	state.bindings = append(state.bindings, cfg.Events...)
	state.report.Modules = append(state.report.Modules, report)

	for _, child := range cfg.Children {
		v.walk(ctx, child, ns, state, true, inTool)
	}
}

// checkModuleEvents rejects duplicate declared event names on the module
// boundary.
func (v *PolicyValidator) checkModuleEvents(cfg *model.BlockConfig, fail func(string)) {
	seen := make(map[string]bool)
	for _, event := range cfg.InputEvents {
		if seen[event.Name] {
			fail("duplicate module event name " + event.Name)
		}
		seen[event.Name] = true
	}
	seen = make(map[string]bool)
	for _, event := range cfg.OutputEvents {
		if seen[event.Name] {
			fail("duplicate module event name " + event.Name)
		}
		seen[event.Name] = true
	}
}

// walkTool validates a tool boundary. Tools are published artifacts matched
// by message id and content hash; a module may not appear inside a tool, but
// tools nest freely.
func (v *PolicyValidator) walkTool(ctx context.Context, cfg *model.BlockConfig, state *walkState, inModule bool) {
	report := BlockReport{ID: cfg.ID, Name: cfg.Tag, IsValid: true}
	fail := func(message string) {
		report.Errors = append(report.Errors, message)
		report.IsValid = false
		state.report.IsValid = false
	}

	v.registerNode(cfg, state, fail)

	if cfg.MessageID == "" || cfg.Hash == "" {
		fail("the tool has no message id or hash")
	} else {
		tool, err := v.tools.GetTool(ctx, cfg.MessageID, cfg.Hash)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			fail("tool " + cfg.MessageID + " not found")
		case err != nil:
			fail("failed to resolve tool " + cfg.MessageID + ": " + err.Error())
		case tool.Status != storage.ToolStatusPublished:
			fail("tool " + cfg.MessageID + " is not published")
		}
	}

	ns := newNamespace()
	ns.addVariables(cfg.Variables)

	state.bindings = append(state.bindings, cfg.Events...)
	state.report.Tools = append(state.report.Tools, report)

	for _, child := range cfg.Children {
		v.walk(ctx, child, ns, state, inModule, true)
	}
}
