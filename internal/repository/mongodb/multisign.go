package mongodb

import (
	"context"
	"errors"

	"policy-engine/internal/model"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const signaturesCollection = "multi_sign_records"

// The block-level confirmation record uses an empty userId; per-signer
// responses carry the signer's id.

func (b Repository) GetConfirmation(ctx context.Context, blockID, documentID string) (*model.MultiSignRecord, error) {
	filter := bson.M{"blockId": blockID, "documentId": documentID, "userId": bson.M{"$in": bson.A{"", nil}}}
	return b.findSignature(ctx, filter)
}

func (b Repository) SetConfirmation(ctx context.Context, rec *model.MultiSignRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	filter := bson.M{"blockId": rec.BlockID, "documentId": rec.DocumentID, "userId": bson.M{"$in": bson.A{"", nil}}}
	update := bson.M{"$set": bson.M{"status": rec.Status, "group": rec.Group},
		"$setOnInsert": bson.M{"_id": rec.ID, "blockId": rec.BlockID, "policyId": rec.PolicyID, "documentId": rec.DocumentID}}
	_, err := b.collection(signaturesCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the confirmation record: " + err.Error())
	}
	return nil
}

func (b Repository) GetSignature(ctx context.Context, blockID, documentID, userID string) (*model.MultiSignRecord, error) {
	filter := bson.M{"blockId": blockID, "documentId": documentID, "userId": userID}
	return b.findSignature(ctx, filter)
}

func (b Repository) AddSignature(ctx context.Context, rec *model.MultiSignRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, err := b.collection(signaturesCollection).InsertOne(ctx, rec); err != nil {
		return errors.New("failed to insert the signature record: " + err.Error())
	}
	return nil
}

func (b Repository) GetSignatures(ctx context.Context, blockID, documentID, group string) ([]*model.MultiSignRecord, error) {
	filter := bson.M{
		"blockId": blockID, "documentId": documentID, "group": group,
		"userId": bson.M{"$nin": bson.A{"", nil}},
	}
	return b.findSignatures(ctx, filter)
}

func (b Repository) GetSignaturesByGroup(ctx context.Context, blockID, group string) ([]*model.MultiSignRecord, error) {
	filter := bson.M{
		"blockId": blockID, "group": group,
		"userId": bson.M{"$nin": bson.A{"", nil}},
	}
	return b.findSignatures(ctx, filter)
}

func (b Repository) findSignature(ctx context.Context, filter bson.M) (*model.MultiSignRecord, error) {
	var rec model.MultiSignRecord
	err := b.collection(signaturesCollection).FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New("failed to get the signature record: " + err.Error())
	}
	return &rec, nil
}

func (b Repository) findSignatures(ctx context.Context, filter bson.M) ([]*model.MultiSignRecord, error) {
	cursor, err := b.collection(signaturesCollection).Find(ctx, filter)
	if err != nil {
		return nil, errors.New("failed to find the signature records: " + err.Error())
	}
	var recs []*model.MultiSignRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, errors.New("failed to read the signature cursor: " + err.Error())
	}
	return recs, nil
}
