package mongodb

import (
	"context"
	"errors"
	"strings"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	policiesCollection   = "policies"
	documentsCollection  = "documents"
	aggregatesCollection = "aggregate_documents"
)

func (b Repository) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	var policy model.Policy
	err := b.collection(policiesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&policy)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the policy: " + err.Error())
	}
	return &policy, nil
}

func (b Repository) SavePolicy(ctx context.Context, policy *model.Policy) error {
	_, err := b.collection(policiesCollection).ReplaceOne(ctx,
		bson.M{"_id": policy.ID}, policy, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the policy: " + err.Error())
	}
	return nil
}

func (b Repository) GetDocument(ctx context.Context, policyID, id string) (*model.PolicyDocument, error) {
	var doc model.PolicyDocument
	filter := bson.M{"_id": id, "policyId": policyID}
	err := b.collection(documentsCollection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the document: " + err.Error())
	}
	return &doc, nil
}

func (b Repository) SaveDocument(ctx context.Context, doc *model.PolicyDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	_, err := b.collection(documentsCollection).ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.New("failed to save the document: " + err.Error())
	}
	return nil
}

func (b Repository) CreateAggregateDocument(ctx context.Context, rec *model.AggregateVC) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, err := b.collection(aggregatesCollection).InsertOne(ctx, rec); err != nil {
		return errors.New("failed to insert the aggregate record: " + err.Error())
	}
	return nil
}

func (b Repository) GetAggregateDocuments(ctx context.Context, policyID, blockID string, filters map[string]interface{}) ([]*model.AggregateVC, error) {
	filter := bson.M{"policyId": policyID, "blockId": blockID}
	for path, want := range filters {
		filter[aggregateFilterPath(path)] = want
	}

	cursor, err := b.collection(aggregatesCollection).Find(ctx, filter)
	if err != nil {
		return nil, errors.New("failed to find the aggregate records: " + err.Error())
	}
	var recs []*model.AggregateVC
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, errors.New("failed to read the aggregate cursor: " + err.Error())
	}
	return recs, nil
}

// aggregateFilterPath maps the store-level filter paths onto the stored
// record: owner and group live on the record, everything else addresses the
// wrapped document's content.
func aggregateFilterPath(path string) string {
	switch path {
	case "owner", "group":
		return path
	}
	return "document.document." + strings.TrimPrefix(path, "document.")
}

func (b Repository) RemoveAggregateDocuments(ctx context.Context, recs []*model.AggregateVC) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	_, err := b.collection(aggregatesCollection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return errors.New("failed to remove the aggregate records: " + err.Error())
	}
	return nil
}

func (b Repository) RemoveAggregateDocumentBySource(ctx context.Context, blockID, sourceDocumentID string) error {
	filter := bson.M{"blockId": blockID, "sourceDocumentId": sourceDocumentID}
	result, err := b.collection(aggregatesCollection).DeleteMany(ctx, filter)
	if err != nil {
		return errors.New("failed to remove the aggregate record: " + err.Error())
	}
	if result.DeletedCount == 0 {
		b.logger.Debug("trying to remove a non held document",
			zap.String("blockId", blockID), zap.String("sourceDocumentId", sourceDocumentID))
	}
	return nil
}
