package blocks_test

import (
	"context"
	"sync"
	"testing"

	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/engine/blocks"
	"policy-engine/internal/expression"
	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/scheduler"
	"policy-engine/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sinkBlockType = "sinkBlock"

func init() {
	model.RegisterAbout(sinkBlockType, model.BlockAbout{
		Inputs: []model.InputEvent{
			model.InputRunEvent, model.InputRefreshEvent,
			model.InputTimerEvent, model.InputReleaseEvent,
		},
	})
}

// sink records every event it receives.
type sink struct {
	engine.Base
	events *[]*engine.Event
}

func (s *sink) OnEvent(ctx context.Context, event *engine.Event) error {
	*s.events = append(*s.events, event)
	return nil
}

// fakeMessages is an in-memory ledger double.
type fakeMessages struct {
	mu        sync.Mutex
	Published []ledger.Message
}

func (f *fakeMessages) Publish(_ context.Context, topicID string, msg ledger.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.TopicID = topicID
	msg.Index = int64(len(f.Published))
	f.Published = append(f.Published, msg)
	return msg.ID, nil
}

func (f *fakeMessages) GetTopicMessages(_ context.Context, topicID string, fromIndex int64) ([]ledger.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Message
	for _, msg := range f.Published {
		if msg.TopicID == topicID && msg.Index >= fromIndex {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMessages) LoadDocument(_ context.Context, messageID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.Published {
		if msg.ID == messageID {
			if doc, ok := msg.Payload["document"].(map[string]interface{}); ok {
				return doc, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeMessages) Subscribe(string, ledger.Handler) {}

type harness struct {
	Store    *memory.Store
	Messages *fakeMessages
	Services *engine.Services
	Instance *engine.PolicyInstance
	Events   *[]*engine.Event
}

// newHarness builds a dry-run policy instance around the given root config.
// A sink block tagged "sink" is appended to the root for event capture.
func newHarness(t *testing.T, root *model.BlockConfig) *harness {
	t.Helper()

	store := memory.New()
	messages := &fakeMessages{}
	exprEngine, err := expression.NewEngine()
	require.NoError(t, err)

	events := &[]*engine.Event{}
	root.Children = append(root.Children, &model.BlockConfig{
		ID: "sink-id", BlockType: sinkBlockType, Tag: "sink",
	})

	policy := &model.Policy{
		ID:              "p1",
		Owner:           "did:example:owner",
		Status:          model.PolicyStatusDryRun,
		InstanceTopicID: "topic-1",
		Config:          root,
	}
	services := &engine.Services{
		Logger:      zap.NewNop(),
		Policies:    store,
		Documents:   store,
		Aggregate:   store,
		MultiSign:   store,
		State:       store,
		Users:       store,
		Artifacts:   store,
		Schemas:     store,
		Issuer:      credentials.NewService(store, nil),
		Messages:    messages,
		Scheduler:   scheduler.New(zap.NewNop()),
		Expressions: exprEngine,
	}

	registry := engine.NewRegistry()
	blocks.RegisterDefaults(registry)
	registry.Register(sinkBlockType, func(ref *engine.Ref) (engine.Block, error) {
		return &sink{Base: engine.NewBase(ref), events: events}, nil
	})

	instance, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, registry)
	require.NoError(t, err)

	return &harness{
		Store:    store,
		Messages: messages,
		Services: services,
		Instance: instance,
		Events:   events,
	}
}

func (h *harness) Block(t *testing.T, tag string) engine.Block {
	t.Helper()
	block, ok := h.Instance.GetBlockByTag(tag)
	require.True(t, ok, "block %s not found", tag)
	return block
}

func (h *harness) SinkDocuments() []*model.PolicyDocument {
	var out []*model.PolicyDocument
	for _, event := range *h.Events {
		if event.State != nil {
			out = append(out, event.State.Documents...)
		}
	}
	return out
}

func testUser(did, group string) *model.PolicyUser {
	return &model.PolicyUser{ID: did, DID: did, Group: group, PolicyID: "p1"}
}

func vcDocument(id, owner, group string, subject map[string]interface{}) *model.PolicyDocument {
	return &model.PolicyDocument{
		ID:       id,
		Owner:    owner,
		Group:    group,
		Type:     model.CategoryVC,
		PolicyID: "p1",
		Document: map[string]interface{}{"credentialSubject": []interface{}{subject}},
	}
}
