package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"policy-engine/internal/ledger"
	"policy-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMessageService struct {
	mu       sync.Mutex
	messages map[string][]ledger.Message
	reads    map[string][]int64
}

func newFakeMessageService() *fakeMessageService {
	return &fakeMessageService{
		messages: make(map[string][]ledger.Message),
		reads:    make(map[string][]int64),
	}
}

func (f *fakeMessageService) add(topicID string, msg ledger.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.TopicID = topicID
	msg.Index = int64(len(f.messages[topicID]))
	f.messages[topicID] = append(f.messages[topicID], msg)
}

func (f *fakeMessageService) Publish(_ context.Context, topicID string, msg ledger.Message) (string, error) {
	f.add(topicID, msg)
	return msg.ID, nil
}

func (f *fakeMessageService) GetTopicMessages(_ context.Context, topicID string, fromIndex int64) ([]ledger.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[topicID] = append(f.reads[topicID], fromIndex)
	var out []ledger.Message
	for _, msg := range f.messages[topicID] {
		if msg.Index >= fromIndex {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMessageService) LoadDocument(context.Context, string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeMessageService) Subscribe(string, ledger.Handler) {}

func TestListenerDeliversMessagesInOrder(t *testing.T) {
	service := newFakeMessageService()
	service.add("topic-1", ledger.Message{ID: "m1", Action: model.MsgCreatePolicyAction})
	service.add("topic-1", ledger.Message{ID: "m2", Action: model.MsgUpdatePolicyAction})
	service.add("topic-2", ledger.Message{ID: "other", Action: model.MsgCreatePolicyAction})

	listener := ledger.NewListener(zap.NewNop(), service, 10*time.Millisecond)

	var mu sync.Mutex
	var received []string
	listener.Subscribe("topic-1", func(_ context.Context, msg ledger.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.ID)
		return nil
	})

	require.NoError(t, listener.Start())
	defer listener.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, received)
	mu.Unlock()
}

func TestListenerAdvancesCursor(t *testing.T) {
	service := newFakeMessageService()
	service.add("topic-1", ledger.Message{ID: "m1", Action: model.MsgCreatePolicyAction})

	listener := ledger.NewListener(zap.NewNop(), service, 10*time.Millisecond)

	var mu sync.Mutex
	var received []string
	listener.Subscribe("topic-1", func(_ context.Context, msg ledger.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg.ID)
		return nil
	})

	require.NoError(t, listener.Start())
	defer listener.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	// a message published later is picked up from the advanced cursor
	service.add("topic-1", ledger.Message{ID: "m2", Action: model.MsgUpdatePolicyAction})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		service.mu.Lock()
		defer service.mu.Unlock()
		reads := service.reads["topic-1"]
		return len(reads) > 0 && reads[len(reads)-1] == 2
	}, time.Second, 10*time.Millisecond, "the cursor points past the handled messages")

	mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, received)
	mu.Unlock()
}
