package multipolicy_test

import (
	"context"
	"errors"
	"testing"

	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/multipolicy"
	"policy-engine/internal/scheduler"
	"policy-engine/internal/storage/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTopic struct {
	Messages  []ledger.Message
	Published []ledger.Message
	Reads     int
}

func (f *fakeTopic) Publish(_ context.Context, topicID string, msg ledger.Message) (string, error) {
	msg.ID = uuid.NewString()
	msg.TopicID = topicID
	f.Published = append(f.Published, msg)
	return msg.ID, nil
}

func (f *fakeTopic) GetTopicMessages(_ context.Context, _ string, _ int64) ([]ledger.Message, error) {
	f.Reads++
	return f.Messages, nil
}

func (f *fakeTopic) LoadDocument(_ context.Context, _ string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeTopic) Subscribe(_ string, _ ledger.Handler) {}

func (f *fakeTopic) add(sender string, payload map[string]interface{}) {
	f.Messages = append(f.Messages, ledger.Message{
		ID: uuid.NewString(), TopicID: "sync-1", Sender: sender, Payload: payload,
	})
}

func joinMessage(user, policyID, policyOwner string) map[string]interface{} {
	return map[string]interface{}{
		"action": string(model.MsgCreateMultiPolicy),
		"user":   user, "policy": policyID, "policyOwner": policyOwner,
	}
}

func mintMessage(user, policyID, policyOwner, messageID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"action": string(model.MsgMint),
		"user":   user, "policy": policyID, "policyOwner": policyOwner,
		"messageId": messageID, "amount": amount,
	}
}

type fakeMint struct {
	Calls []struct {
		TokenID    string
		Amount     int64
		Target     string
		MessageIDs []string
	}
	FailFirst bool
	OnMint    func()
}

func (f *fakeMint) Mint(_ context.Context, tokenID string, amount int64, target string, messageIDs []string) error {
	if f.OnMint != nil {
		f.OnMint()
	}
	if f.FailFirst {
		f.FailFirst = false
		return errors.New("mint rejected")
	}
	f.Calls = append(f.Calls, struct {
		TokenID    string
		Amount     int64
		Target     string
		MessageIDs []string
	}{tokenID, amount, target, messageIDs})
	return nil
}

type syncSetup struct {
	Service *multipolicy.SynchronizationService
	Topic   *fakeTopic
	Mint    *fakeMint
	Store   *memory.Store
}

func newSyncSetup(t *testing.T) *syncSetup {
	t.Helper()
	store := memory.New()
	topic := &fakeTopic{}
	mint := &fakeMint{}
	policy := &model.Policy{
		ID: "p1", Owner: "did:example:owner",
		Status:                 model.PolicyStatusPublished,
		SynchronizationTopicID: "sync-1",
	}
	service := multipolicy.NewSynchronizationService(
		zap.NewNop(), policy, topic, store, scheduler.New(zap.NewNop()), mint, "0 0 * * *")
	return &syncSetup{Service: service, Topic: topic, Mint: mint, Store: store}
}

func waitingTx(id, user string, amount int64) *model.MultiPolicyTransaction {
	return &model.MultiPolicyTransaction{
		ID: id, PolicyID: "p1", User: user, TokenID: "0.0.500",
		Amount: amount, Target: "0.0.7", Status: model.TransactionStatusWaiting,
	}
}

func TestSyncCompletesTransactionsUnderMinimum(t *testing.T) {
	s := newSyncSetup(t)
	ctx := context.Background()

	// the user joined two policies; pA confirmed 100, pB only 60
	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))
	s.Topic.add("0.0.7", joinMessage("0.0.7", "pB", "0.0.200"))
	s.Topic.add("0.0.100", mintMessage("0.0.7", "pA", "0.0.100", "m1", 100))
	s.Topic.add("0.0.200", mintMessage("0.0.7", "pB", "0.0.200", "m2", 60))

	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx1", "0.0.7", 50)))
	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx2", "0.0.7", 30)))

	require.NoError(t, s.Service.Sync(ctx))

	// tx1 fits the minimum of 60; tx2 no longer fits the remaining 10
	require.Len(t, s.Mint.Calls, 1)
	assert.Equal(t, int64(50), s.Mint.Calls[0].Amount)
	assert.Equal(t, "0.0.500", s.Mint.Calls[0].TokenID)
	assert.ElementsMatch(t, []string{"m1", "m2"}, s.Mint.Calls[0].MessageIDs)

	remaining, err := s.Store.GetTransactions(ctx, "p1", "0.0.7")
	require.NoError(t, err)
	require.Len(t, remaining, 1, "tx1 left the waiting set")
	assert.Equal(t, "tx2", remaining[0].ID)

	// consumed amounts are published back to the topic
	require.Len(t, s.Topic.Published, 2)
	assert.Equal(t, int64(50), s.Topic.Published[0].Payload["amount"])
	assert.Equal(t, int64(10), s.Topic.Published[1].Payload["amount"])
}

func TestSyncIgnoresMismatchedPayers(t *testing.T) {
	s := newSyncSetup(t)
	ctx := context.Background()

	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))
	// the acknowledgement claims pA's owner but was paid by someone else
	s.Topic.add("0.0.999", mintMessage("0.0.7", "pA", "0.0.100", "m1", 100))

	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx1", "0.0.7", 10)))
	require.NoError(t, s.Service.Sync(ctx))

	assert.Empty(t, s.Mint.Calls)
	remaining, err := s.Store.GetTransactions(ctx, "p1", "0.0.7")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSyncMintRetraction(t *testing.T) {
	s := newSyncSetup(t)
	ctx := context.Background()

	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))
	s.Topic.add("0.0.100", mintMessage("0.0.7", "pA", "0.0.100", "m1", 100))
	// a later update with amount 0 retracts the acknowledgement
	s.Topic.add("0.0.100", mintMessage("0.0.7", "pA", "0.0.100", "m1", 0))

	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx1", "0.0.7", 10)))
	require.NoError(t, s.Service.Sync(ctx))

	assert.Empty(t, s.Mint.Calls)
}

func TestSyncSkipsTopicWithoutPendingTransactions(t *testing.T) {
	s := newSyncSetup(t)
	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))

	require.NoError(t, s.Service.Sync(context.Background()))
	assert.Zero(t, s.Topic.Reads, "the topic is not read when nothing waits")
}

func TestSyncMintFailureMarksTransactionFailed(t *testing.T) {
	s := newSyncSetup(t)
	ctx := context.Background()

	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))
	s.Topic.add("0.0.100", mintMessage("0.0.7", "pA", "0.0.100", "m1", 100))

	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx1", "0.0.7", 40)))
	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx2", "0.0.7", 40)))

	s.Mint.FailFirst = true
	require.NoError(t, s.Service.Sync(ctx))

	// a failed transaction does not consume the minimum
	require.Len(t, s.Mint.Calls, 1)
	assert.Equal(t, int64(40), s.Mint.Calls[0].Amount)
	remaining, err := s.Store.GetTransactions(ctx, "p1", "0.0.7")
	require.NoError(t, err)
	assert.Empty(t, remaining, "both transactions left the waiting set")
}

func TestSyncReentrantCallSkipped(t *testing.T) {
	s := newSyncSetup(t)
	ctx := context.Background()

	s.Topic.add("0.0.7", joinMessage("0.0.7", "pA", "0.0.100"))
	s.Topic.add("0.0.100", mintMessage("0.0.7", "pA", "0.0.100", "m1", 100))
	require.NoError(t, s.Store.UpdateTransaction(ctx, waitingTx("tx1", "0.0.7", 10)))

	s.Mint.OnMint = func() {
		// a pass started while one runs returns immediately
		require.NoError(t, s.Service.Sync(ctx))
	}
	require.NoError(t, s.Service.Sync(ctx))
	assert.Equal(t, 1, s.Topic.Reads)
}
