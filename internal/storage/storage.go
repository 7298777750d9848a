// Package storage defines the persistence contracts the engine consumes.
// Implementations: mongodb (persistent) and memory (dry-run and tests).
package storage

import (
	"context"
	"errors"

	"policy-engine/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// Schema is a stored JSON schema reachable from a policy topic.
type Schema struct {
	IRI      string                 `json:"iri" bson:"_id"`
	Name     string                 `json:"name" bson:"name"`
	TopicID  string                 `json:"topicId" bson:"topicId"`
	Document map[string]interface{} `json:"document" bson:"document"`
}

// Tool is a published, reusable sub-tree matched by message id and hash.
type Tool struct {
	ID        string             `json:"id" bson:"_id"`
	TopicID   string             `json:"topicId" bson:"topicId"`
	MessageID string             `json:"messageId" bson:"messageId"`
	Hash      string             `json:"hash" bson:"hash"`
	Status    string             `json:"status" bson:"status"`
	Config    *model.BlockConfig `json:"config" bson:"config"`
}

const ToolStatusPublished = "PUBLISHED"

// PolicyStore loads and saves policies.
type PolicyStore interface {
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)
	SavePolicy(ctx context.Context, policy *model.Policy) error
}

// DocumentStore persists policy documents, scoped by policy id.
type DocumentStore interface {
	GetDocument(ctx context.Context, policyID, id string) (*model.PolicyDocument, error)
	SaveDocument(ctx context.Context, doc *model.PolicyDocument) error
}

// AggregateStore is the holding area of aggregate blocks.
type AggregateStore interface {
	CreateAggregateDocument(ctx context.Context, rec *model.AggregateVC) error
	// GetAggregateDocuments returns held records for one block; filters match
	// dotted field paths against the record (owner, group, document paths).
	GetAggregateDocuments(ctx context.Context, policyID, blockID string, filters map[string]interface{}) ([]*model.AggregateVC, error)
	RemoveAggregateDocuments(ctx context.Context, recs []*model.AggregateVC) error
	RemoveAggregateDocumentBySource(ctx context.Context, blockID, sourceDocumentID string) error
}

// MultiSignStore keeps per-signer responses and the block-level confirmation
// record (UserID "").
type MultiSignStore interface {
	GetConfirmation(ctx context.Context, blockID, documentID string) (*model.MultiSignRecord, error)
	SetConfirmation(ctx context.Context, rec *model.MultiSignRecord) error
	GetSignature(ctx context.Context, blockID, documentID, userID string) (*model.MultiSignRecord, error)
	AddSignature(ctx context.Context, rec *model.MultiSignRecord) error
	GetSignatures(ctx context.Context, blockID, documentID, group string) ([]*model.MultiSignRecord, error)
	GetSignaturesByGroup(ctx context.Context, blockID, group string) ([]*model.MultiSignRecord, error)
}

// StateStore keeps per-(block,user) runtime state, created lazily. The shared
// (non user-scoped) state of a block uses userID "".
type StateStore interface {
	GetState(ctx context.Context, policyID, blockID, userID string) (map[string]interface{}, error)
	SaveState(ctx context.Context, policyID, blockID, userID string, state map[string]interface{}) error
}

// UserStore resolves acting identities and group membership.
type UserStore interface {
	GetUserByDID(ctx context.Context, policyID, did string) (*model.PolicyUser, error)
	GetUserByAccount(ctx context.Context, policyID, accountID string) (*model.PolicyUser, error)
	GetUsersByRole(ctx context.Context, policyID, group, role string) ([]*model.PolicyUser, error)
	SaveUser(ctx context.Context, user *model.PolicyUser) error
	RemoveUser(ctx context.Context, policyID, did string) error
}

// ActionStore keeps the cross-instance relay rows, keyed by message id.
type ActionStore interface {
	GetActionByMessageID(ctx context.Context, policyID, messageID string) (*model.PolicyAction, error)
	// SaveAction upserts by (policyId, messageId): replaying a ledger message
	// updates the existing row in place.
	SaveAction(ctx context.Context, action *model.PolicyAction) error
	GetRequest(ctx context.Context, policyID, messageID, accountID string) (*model.PolicyAction, error)
}

// TransactionStore keeps cross-policy mint transactions.
type TransactionStore interface {
	CountTransactions(ctx context.Context, policyID string) (int64, error)
	GetTransactions(ctx context.Context, policyID, user string) ([]*model.MultiPolicyTransaction, error)
	UpdateTransaction(ctx context.Context, tx *model.MultiPolicyTransaction) error
}

// SchemaRegistry resolves schema references during validation and signing.
type SchemaRegistry interface {
	GetSchemaByIRI(ctx context.Context, iri string) (*Schema, error)
	GetSchemasByTopic(ctx context.Context, topicID string) ([]*Schema, error)
}

// ArtifactStore resolves uploaded artifacts.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, uuid string) (*model.ArtifactRef, error)
	GetArtifactFile(ctx context.Context, uuid string) ([]byte, error)
}

// ToolRegistry resolves published tools by message id and hash.
type ToolRegistry interface {
	GetTool(ctx context.Context, messageID, hash string) (*Tool, error)
}
