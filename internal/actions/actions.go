// Package actions relays block interactions between policy instances. A user
// working against a remote view of a policy publishes actions to the policy's
// actions topic; the hosting instance executes them and publishes the
// outcome. Requests flow the opposite way: the host asks a user's instance
// for data and waits for its response message.
package actions

import (
	"context"
	"errors"
	"sync"

	"policy-engine/internal/engine"
	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Callback receives the terminal row of an action or request this instance
// initiated.
type Callback func(action *model.PolicyAction)

// Service is the per-policy relay endpoint.
type Service struct {
	log      *zap.Logger
	policy   *model.Policy
	instance *engine.PolicyInstance
	messages ledger.MessageService
	actions  storage.ActionStore
	users    storage.UserStore

	mu        sync.Mutex
	callbacks map[string]Callback
	stopped   bool
}

func NewService(logger *zap.Logger, policy *model.Policy, instance *engine.PolicyInstance, messages ledger.MessageService, actions storage.ActionStore, users storage.UserStore) *Service {
	return &Service{
		log:       logger,
		policy:    policy,
		instance:  instance,
		messages:  messages,
		actions:   actions,
		users:     users,
		callbacks: make(map[string]Callback),
	}
}

// Start subscribes the service to the policy's actions topic.
func (s *Service) Start() error {
	if s.policy.ActionsTopicID == "" {
		return errors.New("policy " + s.policy.ID + " has no actions topic")
	}
	s.messages.Subscribe(s.policy.ActionsTopicID, s.handleMessage)
	return nil
}

// Stop detaches the relay. The topic subscription itself lives until the
// listener shuts down, so the handler drops everything arriving after Stop.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.callbacks = make(map[string]Callback)
	s.mu.Unlock()
}

// SendAction publishes a block interaction for the hosting instance to
// execute. The optional callback fires when the outcome message arrives.
func (s *Service) SendAction(ctx context.Context, user *model.PolicyUser, blockTag string, document map[string]interface{}, callback Callback) (string, error) {
	return s.send(ctx, model.MsgCreatePolicyAction, model.ActionKindAction, user, blockTag, document, callback)
}

// SendRequest publishes a data request for the user's own instance to
// fulfill.
func (s *Service) SendRequest(ctx context.Context, user *model.PolicyUser, blockTag string, document map[string]interface{}, callback Callback) (string, error) {
	return s.send(ctx, model.MsgCreatePolicyRequest, model.ActionKindRequest, user, blockTag, document, callback)
}

func (s *Service) send(ctx context.Context, action model.MessageAction, kind model.ActionKind, user *model.PolicyUser, blockTag string, document map[string]interface{}, callback Callback) (string, error) {
	row := &model.PolicyAction{
		UUID:      uuid.NewString(),
		Kind:      kind,
		Owner:     user.DID,
		AccountID: user.AccountID,
		Sender:    user.DID,
		BlockTag:  blockTag,
		TopicID:   s.policy.ActionsTopicID,
		PolicyID:  s.policy.ID,
		Status:    model.ActionStatusNew,
		Document:  document,
	}
	messageID, err := s.messages.Publish(ctx, s.policy.ActionsTopicID, ledger.Message{
		Action:  action,
		Sender:  user.DID,
		Payload: actionPayload(row),
	})
	if err != nil {
		return "", errors.New("failed to publish the action: " + err.Error())
	}
	row.MessageID = messageID
	row.StartMessageID = messageID
	if err := s.actions.SaveAction(ctx, row); err != nil {
		return "", errors.New("failed to save the action row: " + err.Error())
	}
	if callback != nil {
		s.mu.Lock()
		s.callbacks[messageID] = callback
		s.mu.Unlock()
	}
	return messageID, nil
}

// SendResponse publishes the fulfilled document of a request this instance
// was asked to answer.
func (s *Service) SendResponse(ctx context.Context, row *model.PolicyAction, document map[string]interface{}) error {
	row.Document = document
	return s.publishOutcome(ctx, model.MsgUpdatePolicyRequest, row, "")
}

// RejectRequest publishes an error outcome for a request this instance was
// asked to fulfill.
func (s *Service) RejectRequest(ctx context.Context, row *model.PolicyAction, reason string) error {
	return s.publishOutcome(ctx, model.MsgErrorPolicyRequest, row, reason)
}

// handleMessage consumes one actions-topic message. Rows are idempotent by
// message id: replaying a ledger message updates the same row in place.
func (s *Service) handleMessage(ctx context.Context, msg ledger.Message) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil
	}
	switch msg.Action {
	case model.MsgCreatePolicyAction:
		return s.onCreate(ctx, msg, model.ActionKindAction, s.policy.IsLocal(), model.MsgUpdatePolicyAction, model.MsgErrorPolicyAction)
	case model.MsgCreatePolicyRequest:
		return s.onCreate(ctx, msg, model.ActionKindRequest, !s.policy.IsLocal(), model.MsgUpdatePolicyRequest, model.MsgErrorPolicyRequest)
	case model.MsgUpdatePolicyAction, model.MsgUpdatePolicyRequest:
		return s.onOutcome(ctx, msg, model.ActionStatusCompleted)
	case model.MsgErrorPolicyAction, model.MsgErrorPolicyRequest:
		return s.onOutcome(ctx, msg, model.ActionStatusError)
	}
	return nil
}

// onCreate stores the incoming row and, when this side is the executing one,
// runs the target block and publishes the outcome.
func (s *Service) onCreate(ctx context.Context, msg ledger.Message, kind model.ActionKind, execute bool, updateAction, errorAction model.MessageAction) error {
	row := rowFromPayload(msg.Payload)
	row.Kind = kind
	row.MessageID = msg.ID
	row.StartMessageID = msg.ID
	row.TopicID = msg.TopicID
	row.PolicyID = s.policy.ID
	row.Index = msg.Index

	existing, err := s.actions.GetActionByMessageID(ctx, s.policy.ID, msg.ID)
	if err != nil {
		return errors.New("failed to load the action row: " + err.Error())
	}
	if existing != nil && existing.Status != model.ActionStatusNew {
		// replay of an already processed message
		return nil
	}
	row.Status = model.ActionStatusNew
	if err := s.actions.SaveAction(ctx, row); err != nil {
		return errors.New("failed to save the action row: " + err.Error())
	}
	if !execute {
		return nil
	}

	if err := s.execute(ctx, row); err != nil {
		s.log.Error("action failed: "+err.Error(),
			zap.String("policyId", s.policy.ID), zap.String("messageId", msg.ID))
		return s.publishOutcome(ctx, errorAction, row, err.Error())
	}
	return s.publishOutcome(ctx, updateAction, row, "")
}

// execute resolves the acting user and hands the document to the target
// block.
func (s *Service) execute(ctx context.Context, row *model.PolicyAction) error {
	user, err := s.resolveUser(ctx, row)
	if err != nil {
		return err
	}
	block, ok := s.instance.GetBlockByTag(row.BlockTag)
	if !ok {
		return errors.New("block " + row.BlockTag + " not found")
	}
	if _, err := block.SetData(ctx, user, row.Document); err != nil {
		return err
	}
	return nil
}

func (s *Service) resolveUser(ctx context.Context, row *model.PolicyAction) (*model.PolicyUser, error) {
	if row.AccountID != "" {
		if user, err := s.users.GetUserByAccount(ctx, s.policy.ID, row.AccountID); err == nil {
			return user, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("failed to resolve the acting user: " + err.Error())
		}
	}
	user, err := s.users.GetUserByDID(ctx, s.policy.ID, row.Owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("user " + row.Owner + " is not registered in the policy")
		}
		return nil, errors.New("failed to resolve the acting user: " + err.Error())
	}
	return user, nil
}

// onOutcome updates the original row in place and fires the callback of the
// initiating side.
func (s *Service) onOutcome(ctx context.Context, msg ledger.Message, status model.ActionStatus) error {
	startMessageID, _ := msg.Payload["startMessageId"].(string)
	if startMessageID == "" {
		return errors.New("outcome message " + msg.ID + " has no startMessageId")
	}
	row, err := s.actions.GetActionByMessageID(ctx, s.policy.ID, startMessageID)
	if err != nil {
		return errors.New("failed to load the action row: " + err.Error())
	}
	if row == nil {
		s.log.Warn("outcome for an unknown action", zap.String("startMessageId", startMessageID))
		return nil
	}
	row.LastStatus = row.Status
	row.Status = status
	if reason, ok := msg.Payload["error"].(string); ok && reason != "" {
		if status == model.ActionStatusError {
			row.Document = map[string]interface{}{"error": reason}
		}
	}
	if err := s.actions.SaveAction(ctx, row); err != nil {
		return errors.New("failed to update the action row: " + err.Error())
	}

	s.mu.Lock()
	callback := s.callbacks[startMessageID]
	delete(s.callbacks, startMessageID)
	s.mu.Unlock()
	if callback != nil {
		callback(row)
	}
	return nil
}

func (s *Service) publishOutcome(ctx context.Context, action model.MessageAction, row *model.PolicyAction, reason string) error {
	payload := actionPayload(row)
	payload["startMessageId"] = row.StartMessageID
	if reason != "" {
		payload["error"] = reason
	}
	if _, err := s.messages.Publish(ctx, s.policy.ActionsTopicID, ledger.Message{
		Action:  action,
		Sender:  s.policy.Owner,
		Payload: payload,
	}); err != nil {
		return errors.New("failed to publish the outcome: " + err.Error())
	}

	row.LastStatus = row.Status
	if action == model.MsgUpdatePolicyAction || action == model.MsgUpdatePolicyRequest {
		row.Status = model.ActionStatusCompleted
	} else {
		row.Status = model.ActionStatusError
	}
	if err := s.actions.SaveAction(ctx, row); err != nil {
		return errors.New("failed to update the action row: " + err.Error())
	}
	return nil
}

func actionPayload(row *model.PolicyAction) map[string]interface{} {
	return map[string]interface{}{
		"uuid":      row.UUID,
		"owner":     row.Owner,
		"accountId": row.AccountID,
		"sender":    row.Sender,
		"blockTag":  row.BlockTag,
		"document":  row.Document,
	}
}

func rowFromPayload(payload map[string]interface{}) *model.PolicyAction {
	row := &model.PolicyAction{}
	if payload == nil {
		return row
	}
	row.UUID, _ = payload["uuid"].(string)
	row.Owner, _ = payload["owner"].(string)
	row.AccountID, _ = payload["accountId"].(string)
	row.Sender, _ = payload["sender"].(string)
	row.BlockTag, _ = payload["blockTag"].(string)
	row.Document, _ = payload["document"].(map[string]interface{})
	return row
}
