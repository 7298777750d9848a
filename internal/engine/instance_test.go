package engine_test

import (
	"context"
	"testing"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func probeRegistry(calls *[]string) *engine.Registry {
	registry := engine.NewRegistry()
	registry.Register(probeBlockType, func(ref *engine.Ref) (engine.Block, error) {
		return &probe{Base: engine.NewBase(ref), calls: calls}, nil
	})
	return registry
}

func probeConfig(id, tag string, children ...*model.BlockConfig) *model.BlockConfig {
	return &model.BlockConfig{ID: id, BlockType: probeBlockType, Tag: tag, Children: children}
}

func TestInstanceBuildsTreeAndRoutes(t *testing.T) {
	_, services, _ := testSetup(t)
	var calls []string

	root := probeConfig("b1", "root",
		probeConfig("b2", "left"),
		probeConfig("b3", "right"),
	)
	root.Events = []model.EventBinding{
		{SourceTag: "left", OutputEvent: model.OutputRunEvent, TargetTag: "right", InputEvent: model.InputRunEvent},
	}
	policy := &model.Policy{ID: "p1", Owner: "did:example:owner", Status: model.PolicyStatusDryRun, Config: root}

	inst, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, probeRegistry(&calls))
	require.NoError(t, err)

	left, ok := inst.GetBlockByTag("left")
	require.True(t, ok)
	_, ok = inst.GetBlockByID("b3")
	require.True(t, ok)

	leftProbe := left.(*probe)
	user := &model.PolicyUser{DID: "did:example:alice", PolicyID: policy.ID}
	require.NoError(t, leftProbe.TriggerEvents(context.Background(), user, nil, model.OutputRunEvent))
	assert.Equal(t, []string{"right/RunEvent/did:example:alice"}, calls)
}

func TestInstanceFlattensModules(t *testing.T) {
	_, services, _ := testSetup(t)
	var calls []string

	module := &model.BlockConfig{
		ID: "m1", BlockType: model.BlockTypeModule, Tag: "mod",
		Children: []*model.BlockConfig{probeConfig("b2", "inner")},
	}
	root := probeConfig("b1", "root", module)
	policy := &model.Policy{ID: "p1", Owner: "did:example:owner", Config: root}

	inst, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, probeRegistry(&calls))
	require.NoError(t, err)

	_, ok := inst.GetBlockByTag("inner")
	assert.True(t, ok, "module children are flattened into the instance")
	_, ok = inst.GetBlockByTag("mod")
	assert.False(t, ok, "the module wrapper itself is not instantiated")
}

func TestInstanceRejectsBadBinding(t *testing.T) {
	_, services, _ := testSetup(t)
	var calls []string

	root := probeConfig("b1", "root", probeConfig("b2", "leaf"))
	root.Events = []model.EventBinding{
		{SourceTag: "leaf", OutputEvent: model.OutputRunEvent, TargetTag: "nowhere", InputEvent: model.InputRunEvent},
	}
	policy := &model.Policy{ID: "p1", Owner: "did:example:owner", Config: root}

	_, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, probeRegistry(&calls))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestInstanceAllowsSharedTags(t *testing.T) {
	_, services, _ := testSetup(t)
	var calls []string

	root := probeConfig("b1", "root", probeConfig("b2", "shared"), probeConfig("b3", "shared"))
	policy := &model.Policy{ID: "p1", Owner: "did:example:owner", Config: root}

	inst, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, probeRegistry(&calls))
	require.NoError(t, err)

	block, ok := inst.GetBlockByTag("shared")
	require.True(t, ok)
	assert.Equal(t, "b2", block.ID(), "tag lookups answer with the first block in tree order")
	_, ok = inst.GetBlockByID("b3")
	assert.True(t, ok)
}

func TestInstanceRejectsDuplicateIDs(t *testing.T) {
	_, services, _ := testSetup(t)
	var calls []string

	root := probeConfig("b1", "root", probeConfig("b2", "left"), probeConfig("b2", "right"))
	policy := &model.Policy{ID: "p1", Owner: "did:example:owner", Config: root}

	_, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, probeRegistry(&calls))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate block id")
}
