package validator

import (
	"context"
	"errors"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"go.uber.org/zap"
)

// namespace is the resolution scope of a validation walk. Policies resolve
// schemas and roles globally; every module and tool opens its own namespace
// fed by its variable declarations.
type namespace struct {
	schemas map[string]bool
	roles   map[string]bool
	tokens  map[string]bool
	topics  map[string]bool
	groups  map[string]bool
}

func newNamespace() *namespace {
	return &namespace{
		schemas: make(map[string]bool),
		roles:   make(map[string]bool),
		tokens:  make(map[string]bool),
		topics:  make(map[string]bool),
		groups:  make(map[string]bool),
	}
}

func (n *namespace) addVariables(vars []model.Variable) {
	for _, v := range vars {
		switch v.Type {
		case model.VariableSchema:
			n.schemas[v.Name] = true
		case model.VariableRole:
			n.roles[v.Name] = true
		case model.VariableToken, model.VariableTokenTemplate:
			n.tokens[v.Name] = true
		case model.VariableTopic:
			n.topics[v.Name] = true
		case model.VariableGroup:
			n.groups[v.Name] = true
		}
	}
}

// PolicyValidator walks one policy configuration tree.
type PolicyValidator struct {
	log       *zap.Logger
	schemas   storage.SchemaRegistry
	artifacts storage.ArtifactStore
	tools     storage.ToolRegistry
}

func New(logger *zap.Logger, schemas storage.SchemaRegistry, artifacts storage.ArtifactStore, tools storage.ToolRegistry) *PolicyValidator {
	return &PolicyValidator{
		log:       logger,
		schemas:   schemas,
		artifacts: artifacts,
		tools:     tools,
	}
}

// walkState carries the mutable bookkeeping of one Validate call.
type walkState struct {
	report   *SerializedErrors
	tagCount map[string]int
	seenIDs  map[string]bool
	bindings []model.EventBinding
	// tag -> block type, for binding target resolution after the walk
	blockTypes map[string]string
}

// Validate checks the whole tree and returns the accumulated report.
func (v *PolicyValidator) Validate(ctx context.Context, policy *model.Policy) *SerializedErrors {
	state := &walkState{
		report:     &SerializedErrors{IsValid: true},
		tagCount:   make(map[string]int),
		seenIDs:    make(map[string]bool),
		blockTypes: make(map[string]string),
	}
	if policy.Config == nil {
		state.report.addCommon("the policy has no configuration")
		return state.report
	}

	ns := newNamespace()
	for _, role := range policy.Roles {
		ns.roles[role] = true
	}
	for _, group := range policy.Groups {
		ns.groups[group] = true
	}
	for _, token := range policy.Tokens {
		ns.tokens[token] = true
	}
	for _, topic := range policy.Topics {
		ns.topics[topic] = true
	}

	v.walk(ctx, policy.Config, ns, state, false, false)
	v.checkBindings(state)
	state.report.TagCount = state.tagCount

	v.log.Info("policy validated",
		zap.String("policyId", policy.ID),
		zap.Bool("isValid", state.report.IsValid),
		zap.Int("blocks", len(state.report.Blocks)))
	return state.report
}

// walk validates one node and recurses. inModule and inTool track the
// enclosing scopes for the nesting rules.
func (v *PolicyValidator) walk(ctx context.Context, cfg *model.BlockConfig, ns *namespace, state *walkState, inModule, inTool bool) {
	switch cfg.BlockType {
	case model.BlockTypeModule:
		v.walkModule(ctx, cfg, state, inModule, inTool)
		return
	case model.BlockTypeTool:
		v.walkTool(ctx, cfg, state, inModule)
		return
	}

	report := BlockReport{ID: cfg.ID, Name: cfg.Tag, IsValid: true}
	fail := func(message string) {
		report.Errors = append(report.Errors, message)
		report.IsValid = false
		state.report.IsValid = false
	}

	v.registerNode(cfg, state, fail)
	v.checkPermissions(cfg, ns, fail)
	v.checkArtifacts(ctx, cfg, fail)
	v.checkOptions(ctx, cfg, ns, fail)
	state.bindings = append(state.bindings, cfg.Events...)

	state.report.Blocks = append(state.report.Blocks, report)

	for _, child := range cfg.Children {
		v.walk(ctx, child, ns, state, inModule, inTool)
	}
}

// registerNode tracks tags and ids across the whole tree. Tag reuse is legal
// (a binding addressing tag X targets all blocks with that tag) and is only
// counted; duplicate ids are reported but do not stop the walk.
func (v *PolicyValidator) registerNode(cfg *model.BlockConfig, state *walkState, fail func(string)) {
	if cfg.Tag == "" {
		fail("the block has no tag")
	} else {
		state.tagCount[cfg.Tag]++
		if state.tagCount[cfg.Tag] == 1 {
			state.blockTypes[cfg.Tag] = cfg.BlockType
		}
	}
	if cfg.ID == "" {
		fail("the block has no id")
		return
	}
	if state.seenIDs[cfg.ID] {
		fail("UUID " + cfg.ID + " already exist")
		return
	}
	state.seenIDs[cfg.ID] = true
}

func (v *PolicyValidator) checkPermissions(cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	for _, permission := range cfg.Permissions {
		switch permission {
		case model.RoleNone, model.RoleAny, model.RoleOwner:
			continue
		}
		if !ns.roles[permission] {
			fail("permission " + permission + " does not resolve to a policy role")
		}
	}
}

func (v *PolicyValidator) checkArtifacts(ctx context.Context, cfg *model.BlockConfig, fail func(string)) {
	for _, ref := range cfg.Artifacts {
		if ref.UUID == "" {
			fail("an artifact reference has no uuid")
			continue
		}
		if _, err := v.artifacts.GetArtifact(ctx, ref.UUID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fail("artifact " + ref.UUID + " not found")
			} else {
				fail("failed to resolve artifact " + ref.UUID + ": " + err.Error())
			}
		}
	}
}

// checkBindings runs after the walk so forward references resolve. Inputs and
// outputs are checked against the block type declarations.
func (v *PolicyValidator) checkBindings(state *walkState) {
	for _, eb := range state.bindings {
		where := "binding " + eb.SourceTag + " -> " + eb.TargetTag + ": "
		if !eb.OutputEvent.IsValid() {
			state.report.addCommon(where + "unknown output event " + string(eb.OutputEvent))
			continue
		}
		if !eb.InputEvent.IsValid() {
			state.report.addCommon(where + "unknown input event " + string(eb.InputEvent))
			continue
		}
		switch eb.Actor {
		case "", model.ActorOwner, model.ActorEventInitiator:
		default:
			state.report.addCommon(where + "unknown actor " + string(eb.Actor))
			continue
		}

		sourceType, sourceKnown := state.blockTypes[eb.SourceTag]
		if !sourceKnown {
			state.report.addCommon(where + "source block not found")
			continue
		}
		targetType, targetKnown := state.blockTypes[eb.TargetTag]
		if !targetKnown {
			state.report.addCommon(where + "target block not found")
			continue
		}
		if about, ok := model.AboutOf(sourceType); ok && !about.Emits(eb.OutputEvent) {
			state.report.addCommon(where + sourceType + " does not emit " + string(eb.OutputEvent))
		}
		if about, ok := model.AboutOf(targetType); ok && !about.Accepts(eb.InputEvent) {
			state.report.addCommon(where + targetType + " does not accept " + string(eb.InputEvent))
		}
	}
}
