package mongodb

import (
	"context"
	"errors"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	statesCollection       = "block_states"
	usersCollection        = "policy_users"
	actionsCollection      = "policy_actions"
	transactionsCollection = "multi_policy_transactions"
)

type storedState struct {
	ID       string                 `bson:"_id"`
	PolicyID string                 `bson:"policyId"`
	BlockID  string                 `bson:"blockId"`
	UserID   string                 `bson:"userId"`
	State    map[string]interface{} `bson:"state"`
}

func stateID(policyID, blockID, userID string) string {
	return policyID + "/" + blockID + "/" + userID
}

// GetState returns the persisted runtime state, an empty map when none was
// saved yet.
func (b Repository) GetState(ctx context.Context, policyID, blockID, userID string) (map[string]interface{}, error) {
	var stored storedState
	err := b.collection(statesCollection).FindOne(ctx, bson.M{"_id": stateID(policyID, blockID, userID)}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return make(map[string]interface{}), nil
	}
	if err != nil {
		return nil, errors.New("failed to get the block state: " + err.Error())
	}
	if stored.State == nil {
		stored.State = make(map[string]interface{})
	}
	return stored.State, nil
}

func (b Repository) SaveState(ctx context.Context, policyID, blockID, userID string, state map[string]interface{}) error {
	stored := storedState{
		ID:       stateID(policyID, blockID, userID),
		PolicyID: policyID,
		BlockID:  blockID,
		UserID:   userID,
		State:    state,
	}
	_, err := b.collection(statesCollection).ReplaceOne(ctx,
		bson.M{"_id": stored.ID}, stored, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the block state: " + err.Error())
	}
	return nil
}

func (b Repository) GetUserByDID(ctx context.Context, policyID, did string) (*model.PolicyUser, error) {
	return b.findUser(ctx, bson.M{"policyId": policyID, "did": did})
}

func (b Repository) GetUserByAccount(ctx context.Context, policyID, accountID string) (*model.PolicyUser, error) {
	return b.findUser(ctx, bson.M{"policyId": policyID, "accountId": accountID})
}

func (b Repository) findUser(ctx context.Context, filter bson.M) (*model.PolicyUser, error) {
	var user model.PolicyUser
	err := b.collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the user: " + err.Error())
	}
	return &user, nil
}

func (b Repository) GetUsersByRole(ctx context.Context, policyID, group, role string) ([]*model.PolicyUser, error) {
	filter := bson.M{"policyId": policyID}
	if group != "" {
		filter["group"] = group
	}
	if role != "" && role != model.RoleAny {
		filter["role"] = role
	}
	cursor, err := b.collection(usersCollection).Find(ctx, filter)
	if err != nil {
		return nil, errors.New("failed to find the users: " + err.Error())
	}
	var users []*model.PolicyUser
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.New("failed to read the user cursor: " + err.Error())
	}
	return users, nil
}

func (b Repository) SaveUser(ctx context.Context, user *model.PolicyUser) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := b.collection(usersCollection).ReplaceOne(ctx,
		bson.M{"policyId": user.PolicyID, "did": user.DID}, user, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the user: " + err.Error())
	}
	return nil
}

func (b Repository) RemoveUser(ctx context.Context, policyID, did string) error {
	_, err := b.collection(usersCollection).DeleteOne(ctx, bson.M{"policyId": policyID, "did": did})
	if err != nil {
		return errors.New("failed to remove the user: " + err.Error())
	}
	return nil
}

func (b Repository) GetActionByMessageID(ctx context.Context, policyID, messageID string) (*model.PolicyAction, error) {
	var action model.PolicyAction
	filter := bson.M{"policyId": policyID, "messageId": messageID}
	err := b.collection(actionsCollection).FindOne(ctx, filter).Decode(&action)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New("failed to get the action: " + err.Error())
	}
	return &action, nil
}

// SaveAction upserts by (policyId, messageId) so a replayed ledger message
// updates the existing row.
func (b Repository) SaveAction(ctx context.Context, action *model.PolicyAction) error {
	filter := bson.M{"policyId": action.PolicyID, "messageId": action.MessageID}
	_, err := b.collection(actionsCollection).ReplaceOne(ctx, filter, action, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the action: " + err.Error())
	}
	return nil
}

func (b Repository) GetRequest(ctx context.Context, policyID, messageID, accountID string) (*model.PolicyAction, error) {
	var action model.PolicyAction
	filter := bson.M{
		"policyId": policyID, "messageId": messageID,
		"accountId": accountID, "kind": model.ActionKindRequest,
	}
	err := b.collection(actionsCollection).FindOne(ctx, filter).Decode(&action)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New("failed to get the request: " + err.Error())
	}
	return &action, nil
}

func (b Repository) CountTransactions(ctx context.Context, policyID string) (int64, error) {
	filter := bson.M{"policyId": policyID, "status": model.TransactionStatusWaiting}
	count, err := b.collection(transactionsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, errors.New("failed to count the transactions: " + err.Error())
	}
	return count, nil
}

func (b Repository) GetTransactions(ctx context.Context, policyID, user string) ([]*model.MultiPolicyTransaction, error) {
	filter := bson.M{"policyId": policyID, "user": user, "status": model.TransactionStatusWaiting}
	cursor, err := b.collection(transactionsCollection).Find(ctx, filter)
	if err != nil {
		return nil, errors.New("failed to find the transactions: " + err.Error())
	}
	var txs []*model.MultiPolicyTransaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, errors.New("failed to read the transaction cursor: " + err.Error())
	}
	return txs, nil
}

func (b Repository) UpdateTransaction(ctx context.Context, tx *model.MultiPolicyTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	_, err := b.collection(transactionsCollection).ReplaceOne(ctx,
		bson.M{"_id": tx.ID}, tx, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to update the transaction: " + err.Error())
	}
	return nil
}
