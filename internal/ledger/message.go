// Package ledger talks to the message ledger REST API. The engine treats the
// ledger as an ordered, append-only stream of messages per topic.
package ledger

import (
	"context"

	"policy-engine/internal/model"
)

// Message is one ledger record. Index is assigned by the ledger and strictly
// increases within a topic.
type Message struct {
	ID      string                 `json:"id"`
	TopicID string                 `json:"topicId"`
	Action  model.MessageAction    `json:"action"`
	Sender  string                 `json:"sender,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Index   int64                  `json:"index,omitempty"`
}

// Handler consumes one received message. Errors are logged by the listener
// and never stop the stream.
type Handler func(ctx context.Context, msg Message) error

// MessageService is the ledger surface the engine consumes.
type MessageService interface {
	// Publish appends a message to a topic and returns its ledger id.
	Publish(ctx context.Context, topicID string, msg Message) (string, error)
	// GetTopicMessages returns topic messages with Index >= fromIndex.
	GetTopicMessages(ctx context.Context, topicID string, fromIndex int64) ([]Message, error)
	// LoadDocument resolves a published document by its message id.
	LoadDocument(ctx context.Context, messageID string) (map[string]interface{}, error)
	// Subscribe registers a handler for new messages on a topic.
	Subscribe(topicID string, handler Handler)
}
