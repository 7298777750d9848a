package actions_test

import (
	"context"
	"testing"

	"policy-engine/internal/actions"
	"policy-engine/internal/engine"
	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const relayBlockType = "relayProbe"

func init() {
	model.RegisterAbout(relayBlockType, model.BlockAbout{
		Inputs:  []model.InputEvent{model.InputRunEvent},
		Outputs: []model.OutputEvent{model.OutputRunEvent},
	})
}

// relayProbe records every SetData delivery.
type relayProbe struct {
	engine.Base
	calls []map[string]interface{}
	fail  bool
}

func (r *relayProbe) SetData(ctx context.Context, user *model.PolicyUser, data map[string]interface{}) (map[string]interface{}, error) {
	if r.fail {
		return nil, r.Err("rejected by the block")
	}
	call := map[string]interface{}{"did": user.DID}
	for k, v := range data {
		call[k] = v
	}
	r.calls = append(r.calls, call)
	return map[string]interface{}{"ok": true}, nil
}

// fakeLedger queues published messages and hands them to subscribers only
// when the test pumps it, so delivery order stays under test control.
type fakeLedger struct {
	handlers  map[string][]ledger.Handler
	queue     []ledger.Message
	Published []ledger.Message
	nextIndex int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{handlers: make(map[string][]ledger.Handler)}
}

func (f *fakeLedger) Publish(_ context.Context, topicID string, msg ledger.Message) (string, error) {
	msg.ID = uuid.NewString()
	msg.TopicID = topicID
	msg.Index = f.nextIndex
	f.nextIndex++
	f.Published = append(f.Published, msg)
	f.queue = append(f.queue, msg)
	return msg.ID, nil
}

func (f *fakeLedger) GetTopicMessages(_ context.Context, topicID string, fromIndex int64) ([]ledger.Message, error) {
	var out []ledger.Message
	for _, msg := range f.Published {
		if msg.TopicID == topicID && msg.Index >= fromIndex {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeLedger) LoadDocument(_ context.Context, _ string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeLedger) Subscribe(topicID string, handler ledger.Handler) {
	f.handlers[topicID] = append(f.handlers[topicID], handler)
}

// inject enqueues a message as if another instance had published it.
func (f *fakeLedger) inject(topicID string, action model.MessageAction, payload map[string]interface{}) ledger.Message {
	msg := ledger.Message{
		ID: uuid.NewString(), TopicID: topicID, Action: action,
		Payload: payload, Index: f.nextIndex,
	}
	f.nextIndex++
	f.queue = append(f.queue, msg)
	return msg
}

// replay re-enqueues an already delivered message with its original id.
func (f *fakeLedger) replay(msg ledger.Message) {
	f.queue = append(f.queue, msg)
}

// pump drains the queue, including messages the handlers publish in turn.
func (f *fakeLedger) pump(t *testing.T) {
	t.Helper()
	for len(f.queue) > 0 {
		msg := f.queue[0]
		f.queue = f.queue[1:]
		for _, handler := range f.handlers[msg.TopicID] {
			require.NoError(t, handler(context.Background(), msg))
		}
	}
}

func (f *fakeLedger) byAction(action model.MessageAction) []ledger.Message {
	var out []ledger.Message
	for _, msg := range f.Published {
		if msg.Action == action {
			out = append(out, msg)
		}
	}
	return out
}

type relaySetup struct {
	Service *actions.Service
	Ledger  *fakeLedger
	Store   *memory.Store
	Probe   *relayProbe
	Policy  *model.Policy
}

func newRelaySetup(t *testing.T, status model.PolicyStatus) *relaySetup {
	t.Helper()
	store := memory.New()
	fake := newFakeLedger()

	policy := &model.Policy{
		ID: "p1", Owner: "did:example:owner", Status: status,
		ActionsTopicID: "actions-1",
	}
	policy.Config = &model.BlockConfig{
		ID: "relay-id", BlockType: relayBlockType, Tag: "relay",
	}

	registry := engine.NewRegistry()
	var probe *relayProbe
	registry.Register(relayBlockType, func(ref *engine.Ref) (engine.Block, error) {
		probe = &relayProbe{Base: engine.NewBase(ref)}
		return probe, nil
	})

	services := &engine.Services{Logger: zap.NewNop(), State: store, Users: store}
	instance, err := engine.NewPolicyInstance(context.Background(), zap.NewNop(), policy, services, registry)
	require.NoError(t, err)

	require.NoError(t, store.SaveUser(context.Background(), &model.PolicyUser{
		ID: "u1", DID: "did:example:alice", AccountID: "0.0.7", PolicyID: policy.ID,
	}))

	service := actions.NewService(zap.NewNop(), policy, instance, fake, store, store)
	require.NoError(t, service.Start())
	return &relaySetup{Service: service, Ledger: fake, Store: store, Probe: probe, Policy: policy}
}

func alice() *model.PolicyUser {
	return &model.PolicyUser{DID: "did:example:alice", AccountID: "0.0.7", PolicyID: "p1"}
}

func TestActionExecutedAndCompleted(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)

	var result *model.PolicyAction
	messageID, err := s.Service.SendAction(context.Background(), alice(), "relay",
		map[string]interface{}{"field": "value"},
		func(row *model.PolicyAction) { result = row })
	require.NoError(t, err)
	s.Ledger.pump(t)

	require.Len(t, s.Probe.calls, 1)
	assert.Equal(t, "did:example:alice", s.Probe.calls[0]["did"])
	assert.Equal(t, "value", s.Probe.calls[0]["field"])

	require.NotNil(t, result, "callback fired on the outcome message")
	assert.Equal(t, model.ActionStatusCompleted, result.Status)

	row, err := s.Store.GetActionByMessageID(context.Background(), "p1", messageID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.ActionStatusCompleted, row.Status)

	outcomes := s.Ledger.byAction(model.MsgUpdatePolicyAction)
	require.Len(t, outcomes, 1)
	assert.Equal(t, messageID, outcomes[0].Payload["startMessageId"])
}

func TestActionFailurePublishesError(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)
	s.Probe.fail = true

	var result *model.PolicyAction
	_, err := s.Service.SendAction(context.Background(), alice(), "relay", nil,
		func(row *model.PolicyAction) { result = row })
	require.NoError(t, err)
	s.Ledger.pump(t)

	require.NotNil(t, result)
	assert.Equal(t, model.ActionStatusError, result.Status)
	assert.Contains(t, result.Document["error"], "rejected by the block")
	assert.Len(t, s.Ledger.byAction(model.MsgErrorPolicyAction), 1)
	assert.Empty(t, s.Ledger.byAction(model.MsgUpdatePolicyAction))
}

func TestReplayUpdatesSameRow(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)

	msg := s.Ledger.inject("actions-1", model.MsgCreatePolicyAction, map[string]interface{}{
		"uuid": "a-1", "owner": "did:example:alice", "accountId": "0.0.7",
		"blockTag": "relay",
		"document": map[string]interface{}{"field": "value"},
	})
	s.Ledger.pump(t)
	s.Ledger.replay(msg)
	s.Ledger.pump(t)

	assert.Len(t, s.Probe.calls, 1, "the replayed message is not executed again")
	assert.Len(t, s.Ledger.byAction(model.MsgUpdatePolicyAction), 1)

	row, err := s.Store.GetActionByMessageID(context.Background(), "p1", msg.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.ActionStatusCompleted, row.Status)
}

func TestUnknownUserRejected(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)

	s.Ledger.inject("actions-1", model.MsgCreatePolicyAction, map[string]interface{}{
		"uuid": "a-1", "owner": "did:example:stranger", "blockTag": "relay",
	})
	s.Ledger.pump(t)

	assert.Empty(t, s.Probe.calls)
	outcomes := s.Ledger.byAction(model.MsgErrorPolicyAction)
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].Payload["error"], "not registered")
}

func TestRemoteViewDoesNotExecuteActions(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusView)

	msg := s.Ledger.inject("actions-1", model.MsgCreatePolicyAction, map[string]interface{}{
		"uuid": "a-1", "owner": "did:example:alice", "blockTag": "relay",
	})
	s.Ledger.pump(t)

	assert.Empty(t, s.Probe.calls)
	assert.Empty(t, s.Ledger.byAction(model.MsgUpdatePolicyAction))

	// the row is still recorded for the local view
	row, err := s.Store.GetActionByMessageID(context.Background(), "p1", msg.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.ActionStatusNew, row.Status)
}

func TestRequestFulfilledByUserSide(t *testing.T) {
	// requests run on the instance that holds the remote view
	s := newRelaySetup(t, model.PolicyStatusView)

	s.Ledger.inject("actions-1", model.MsgCreatePolicyRequest, map[string]interface{}{
		"uuid": "r-1", "owner": "did:example:alice", "accountId": "0.0.7",
		"blockTag": "relay",
		"document": map[string]interface{}{"field": "value"},
	})
	s.Ledger.pump(t)

	require.Len(t, s.Probe.calls, 1)
	assert.Len(t, s.Ledger.byAction(model.MsgUpdatePolicyRequest), 1)
}

func TestRequestIgnoredByHostingSide(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)

	s.Ledger.inject("actions-1", model.MsgCreatePolicyRequest, map[string]interface{}{
		"uuid": "r-1", "owner": "did:example:alice", "blockTag": "relay",
	})
	s.Ledger.pump(t)

	assert.Empty(t, s.Probe.calls)
	assert.Empty(t, s.Ledger.byAction(model.MsgUpdatePolicyRequest))
}

func TestStoppedRelayIgnoresMessages(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusPublished)

	s.Service.Stop()
	s.Ledger.inject("actions-1", model.MsgCreatePolicyAction, map[string]interface{}{
		"uuid": "a-1", "owner": "did:example:alice", "accountId": "0.0.7",
		"sender": "did:example:alice", "blockTag": "relay",
		"document": map[string]interface{}{"field0": "value"},
	})
	s.Ledger.pump(t)

	assert.Empty(t, s.Probe.calls, "a stopped relay executes nothing")
	assert.Empty(t, s.Ledger.Published, "a stopped relay publishes no outcome")
}

func TestSendResponse(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusView)

	row := &model.PolicyAction{
		UUID: "r-1", Kind: model.ActionKindRequest,
		Owner: "did:example:alice", BlockTag: "relay",
		MessageID: "m-1", StartMessageID: "m-1",
		PolicyID: "p1", Status: model.ActionStatusNew,
	}
	require.NoError(t, s.Store.SaveAction(context.Background(), row))

	answer := map[string]interface{}{"field0": "value"}
	require.NoError(t, s.Service.SendResponse(context.Background(), row, answer))

	outcomes := s.Ledger.byAction(model.MsgUpdatePolicyRequest)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "m-1", outcomes[0].Payload["startMessageId"])
	assert.Equal(t, answer, outcomes[0].Payload["document"])
	assert.Equal(t, model.ActionStatusCompleted, row.Status)
}

func TestRejectRequest(t *testing.T) {
	s := newRelaySetup(t, model.PolicyStatusView)

	row := &model.PolicyAction{
		UUID: "r-1", Kind: model.ActionKindRequest,
		Owner: "did:example:alice", BlockTag: "relay",
		MessageID: "m-1", StartMessageID: "m-1",
		PolicyID: "p1", Status: model.ActionStatusNew,
	}
	require.NoError(t, s.Store.SaveAction(context.Background(), row))

	require.NoError(t, s.Service.RejectRequest(context.Background(), row, "user declined"))

	outcomes := s.Ledger.byAction(model.MsgErrorPolicyRequest)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "user declined", outcomes[0].Payload["error"])
	assert.Equal(t, model.ActionStatusError, row.Status)
}
