package mongodb

import (
	"context"
	"errors"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	schemasCollection   = "schemas"
	artifactsCollection = "artifacts"
	toolsCollection     = "tools"
)

func (b Repository) GetSchemaByIRI(ctx context.Context, iri string) (*storage.Schema, error) {
	var schema storage.Schema
	err := b.collection(schemasCollection).FindOne(ctx, bson.M{"_id": iri}).Decode(&schema)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the schema: " + err.Error())
	}
	return &schema, nil
}

func (b Repository) GetSchemasByTopic(ctx context.Context, topicID string) ([]*storage.Schema, error) {
	cursor, err := b.collection(schemasCollection).Find(ctx, bson.M{"topicId": topicID})
	if err != nil {
		return nil, errors.New("failed to find the topic schemas: " + err.Error())
	}
	var schemas []*storage.Schema
	if err := cursor.All(ctx, &schemas); err != nil {
		return nil, errors.New("failed to read the schema cursor: " + err.Error())
	}
	return schemas, nil
}

type storedArtifact struct {
	UUID string `bson:"_id"`
	Name string `bson:"name,omitempty"`
	Type string `bson:"type,omitempty"`
	File []byte `bson:"file,omitempty"`
}

func (b Repository) GetArtifact(ctx context.Context, id string) (*model.ArtifactRef, error) {
	stored, err := b.findArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ArtifactRef{UUID: stored.UUID, Name: stored.Name, Type: stored.Type}, nil
}

func (b Repository) GetArtifactFile(ctx context.Context, id string) ([]byte, error) {
	stored, err := b.findArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return stored.File, nil
}

func (b Repository) findArtifact(ctx context.Context, id string) (*storedArtifact, error) {
	var stored storedArtifact
	err := b.collection(artifactsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the artifact: " + err.Error())
	}
	return &stored, nil
}

func (b Repository) GetTool(ctx context.Context, messageID, hash string) (*storage.Tool, error) {
	var tool storage.Tool
	filter := bson.M{"messageId": messageID, "hash": hash}
	err := b.collection(toolsCollection).FindOne(ctx, filter).Decode(&tool)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.New("failed to get the tool: " + err.Error())
	}
	return &tool, nil
}
