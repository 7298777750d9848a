// Package memory holds every engine collection in process memory. It backs
// dry-run policies and tests; the mongodb package is the persistent twin.
package memory

import (
	"context"
	"strings"
	"sync"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
)

// Store implements all storage contracts in memory.
type Store struct {
	mu sync.RWMutex

	policies     map[string]*model.Policy
	documents    map[string]*model.PolicyDocument
	aggregates   []*model.AggregateVC
	signatures   []*model.MultiSignRecord
	states       map[string]map[string]interface{}
	users        map[string]*model.PolicyUser
	actions      []*model.PolicyAction
	transactions []*model.MultiPolicyTransaction
	schemas      map[string]*storage.Schema
	artifacts    map[string]*model.ArtifactRef
	files        map[string][]byte
	tools        []*storage.Tool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		policies:  make(map[string]*model.Policy),
		documents: make(map[string]*model.PolicyDocument),
		states:    make(map[string]map[string]interface{}),
		users:     make(map[string]*model.PolicyUser),
		schemas:   make(map[string]*storage.Schema),
		artifacts: make(map[string]*model.ArtifactRef),
		files:     make(map[string][]byte),
	}
}

func (s *Store) GetPolicy(_ context.Context, id string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) SavePolicy(_ context.Context, policy *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
	return nil
}

func (s *Store) GetDocument(_ context.Context, policyID, id string) (*model.PolicyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[policyID+"/"+id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return doc, nil
}

func (s *Store) SaveDocument(_ context.Context, doc *model.PolicyDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	s.documents[doc.PolicyID+"/"+doc.ID] = doc
	return nil
}

func (s *Store) CreateAggregateDocument(_ context.Context, rec *model.AggregateVC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.aggregates = append(s.aggregates, rec)
	return nil
}

func (s *Store) GetAggregateDocuments(_ context.Context, policyID, blockID string, filters map[string]interface{}) ([]*model.AggregateVC, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AggregateVC
	for _, rec := range s.aggregates {
		if rec.PolicyID != policyID || rec.BlockID != blockID {
			continue
		}
		if matchFilters(rec, filters) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchFilters(rec *model.AggregateVC, filters map[string]interface{}) bool {
	for path, want := range filters {
		var got interface{}
		switch path {
		case "owner":
			got = rec.Owner
		case "group":
			got = rec.Group
		default:
			var root interface{}
			if strings.HasPrefix(path, "document.") && rec.Document != nil {
				root = rec.Document.Document
				path = strings.TrimPrefix(path, "document.")
			} else if rec.Document != nil {
				root = rec.Document.Document
			}
			got = model.GetPath(root, path)
		}
		if got != want {
			return false
		}
	}
	return true
}

func (s *Store) RemoveAggregateDocuments(_ context.Context, recs []*model.AggregateVC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		remove[rec.ID] = struct{}{}
	}
	kept := s.aggregates[:0]
	for _, rec := range s.aggregates {
		if _, ok := remove[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	s.aggregates = kept
	return nil
}

func (s *Store) RemoveAggregateDocumentBySource(_ context.Context, blockID, sourceDocumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.aggregates[:0]
	for _, rec := range s.aggregates {
		if rec.BlockID == blockID && rec.SourceDocumentID == sourceDocumentID {
			continue
		}
		kept = append(kept, rec)
	}
	s.aggregates = kept
	return nil
}

func (s *Store) GetConfirmation(_ context.Context, blockID, documentID string) (*model.MultiSignRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.signatures {
		if rec.BlockID == blockID && rec.DocumentID == documentID && rec.UserID == "" {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *Store) SetConfirmation(_ context.Context, rec *model.MultiSignRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.signatures {
		if existing.BlockID == rec.BlockID && existing.DocumentID == rec.DocumentID && existing.UserID == "" {
			existing.Status = rec.Status
			existing.Group = rec.Group
			return nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.signatures = append(s.signatures, rec)
	return nil
}

func (s *Store) GetSignature(_ context.Context, blockID, documentID, userID string) (*model.MultiSignRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.signatures {
		if rec.BlockID == blockID && rec.DocumentID == documentID && rec.UserID == userID {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *Store) AddSignature(_ context.Context, rec *model.MultiSignRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.signatures = append(s.signatures, rec)
	return nil
}

func (s *Store) GetSignatures(_ context.Context, blockID, documentID, group string) ([]*model.MultiSignRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MultiSignRecord
	for _, rec := range s.signatures {
		if rec.BlockID == blockID && rec.DocumentID == documentID &&
			rec.UserID != "" && rec.Group == group {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) GetSignaturesByGroup(_ context.Context, blockID, group string) ([]*model.MultiSignRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MultiSignRecord
	for _, rec := range s.signatures {
		if rec.BlockID == blockID && rec.Group == group && rec.UserID != "" {
			out = append(out, rec)
		}
	}
	return out, nil
}

func stateKey(policyID, blockID, userID string) string {
	return policyID + "/" + blockID + "/" + userID
}

func (s *Store) GetState(_ context.Context, policyID, blockID, userID string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(policyID, blockID, userID)
	state, ok := s.states[key]
	if !ok {
		state = make(map[string]interface{})
		s.states[key] = state
	}
	return state, nil
}

func (s *Store) SaveState(_ context.Context, policyID, blockID, userID string, state map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(policyID, blockID, userID)] = state
	return nil
}

func (s *Store) GetUserByDID(_ context.Context, policyID, did string) (*model.PolicyUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[policyID+"/"+did]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetUserByAccount(_ context.Context, policyID, accountID string) (*model.PolicyUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.PolicyID == policyID && user.AccountID == accountID {
			return user, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetUsersByRole(_ context.Context, policyID, group, role string) ([]*model.PolicyUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.PolicyUser
	for _, user := range s.users {
		if user.PolicyID != policyID {
			continue
		}
		if group != "" && user.Group != group {
			continue
		}
		if role != "" && role != model.RoleAny && user.Role != role {
			continue
		}
		out = append(out, user)
	}
	return out, nil
}

func (s *Store) SaveUser(_ context.Context, user *model.PolicyUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	s.users[user.PolicyID+"/"+user.DID] = user
	return nil
}

func (s *Store) RemoveUser(_ context.Context, policyID, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, policyID+"/"+did)
	return nil
}

func (s *Store) GetActionByMessageID(_ context.Context, policyID, messageID string) (*model.PolicyAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, action := range s.actions {
		if action.PolicyID == policyID && action.MessageID == messageID {
			return action, nil
		}
	}
	return nil, nil
}

func (s *Store) SaveAction(_ context.Context, action *model.PolicyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.actions {
		if existing.PolicyID == action.PolicyID && existing.MessageID == action.MessageID {
			s.actions[i] = action
			return nil
		}
	}
	s.actions = append(s.actions, action)
	return nil
}

func (s *Store) GetRequest(_ context.Context, policyID, messageID, accountID string) (*model.PolicyAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, action := range s.actions {
		if action.PolicyID == policyID && action.MessageID == messageID &&
			action.AccountID == accountID && action.Kind == model.ActionKindRequest {
			return action, nil
		}
	}
	return nil, nil
}

func (s *Store) CountTransactions(_ context.Context, policyID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, tx := range s.transactions {
		if tx.PolicyID == policyID && tx.Status == model.TransactionStatusWaiting {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetTransactions(_ context.Context, policyID, user string) ([]*model.MultiPolicyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MultiPolicyTransaction
	for _, tx := range s.transactions {
		if tx.PolicyID == policyID && tx.User == user && tx.Status == model.TransactionStatusWaiting {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx *model.MultiPolicyTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.transactions {
		if existing.ID == tx.ID {
			s.transactions[i] = tx
			return nil
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *Store) GetSchemaByIRI(_ context.Context, iri string) (*storage.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[iri]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return schema, nil
}

func (s *Store) GetSchemasByTopic(_ context.Context, topicID string) ([]*storage.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Schema
	for _, schema := range s.schemas {
		if schema.TopicID == topicID {
			out = append(out, schema)
		}
	}
	return out, nil
}

// AddSchema registers a schema (test/dry-run setup).
func (s *Store) AddSchema(schema *storage.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.IRI] = schema
}

func (s *Store) GetArtifact(_ context.Context, id string) (*model.ArtifactRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return artifact, nil
}

func (s *Store) GetArtifactFile(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return file, nil
}

// AddArtifact registers an artifact and its content (test/dry-run setup).
func (s *Store) AddArtifact(ref *model.ArtifactRef, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[ref.UUID] = ref
	s.files[ref.UUID] = content
}

func (s *Store) GetTool(_ context.Context, messageID, hash string) (*storage.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tool := range s.tools {
		if tool.MessageID == messageID && tool.Hash == hash && tool.Status == storage.ToolStatusPublished {
			return tool, nil
		}
	}
	return nil, storage.ErrNotFound
}

// AddTool registers a published tool (test/dry-run setup).
func (s *Store) AddTool(tool *storage.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, tool)
}

// AddTransaction registers a pending mint transaction (test/dry-run setup).
func (s *Store) AddTransaction(tx *model.MultiPolicyTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	s.transactions = append(s.transactions, tx)
}
