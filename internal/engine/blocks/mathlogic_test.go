package blocks_test

import (
	"context"
	"testing"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logicRoot(blockType string, options map[string]interface{}) *model.BlockConfig {
	return &model.BlockConfig{
		ID: "root-id", BlockType: model.BlockTypeContainer, Tag: "root",
		Children: []*model.BlockConfig{
			{ID: "logic-id", BlockType: blockType, Tag: "logic", Options: options},
		},
		Events: []model.EventBinding{
			{SourceTag: "logic", OutputEvent: model.OutputRunEvent, TargetTag: "sink", InputEvent: model.InputRunEvent},
		},
	}
}

func runLogic(t *testing.T, h *harness, docs ...*model.PolicyDocument) error {
	t.Helper()
	block := h.Block(t, "logic")
	return block.OnEvent(context.Background(), &engine.Event{
		Input: model.InputRunEvent,
		User:  testUser(docs[0].Owner, docs[0].Group),
		State: &engine.EventState{Documents: docs},
	})
}

func TestCustomLogicUnsignedResult(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeCustomLogic, map[string]interface{}{
		"expression": `{"total": document.a + document.b}`,
		"unsigned":   true,
	}))

	doc := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"a": 1.0, "b": 2.0})
	doc.MessageID = "m1"
	require.NoError(t, runLogic(t, h, doc))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.Equal(t, model.CategoryUnsigned, out[0].Type)
	assert.Equal(t, 3.0, out[0].CredentialSubject()["total"])
	assert.Equal(t, []string{"m1"}, out[0].Relationships)
}

func TestCustomLogicMetadataUnion(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeCustomLogic, map[string]interface{}{
		"expression": `{"ok": true}`,
		"unsigned":   true,
	}))

	d1 := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"a": 1.0})
	d1.MessageID = "m1"
	d1.Accounts = map[string]string{"payer": "0.0.1", "payee": "0.0.2"}
	d1.Tokens = map[string]string{"carbon": "t1"}
	d2 := vcDocument("d2", "did:example:alice", "", map[string]interface{}{"a": 2.0})
	d2.MessageID = "m2"
	d2.Accounts = map[string]string{"payer": "0.0.9"}

	require.NoError(t, runLogic(t, h, d1, d2))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.Equal(t, []string{"m1", "m2"}, out[0].Relationships, "relationships take the union of source message ids")
	assert.Equal(t, "0.0.9", out[0].Accounts["payer"], "later sources override earlier account entries")
	assert.Equal(t, "0.0.2", out[0].Accounts["payee"])
	assert.Equal(t, "t1", out[0].Tokens["carbon"])
}

func TestCustomLogicErrorCommitsNothing(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeCustomLogic, map[string]interface{}{
		"expression": `document.missing + 1.0`,
		"unsigned":   true,
	}))

	doc := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"a": 1.0})
	err := runLogic(t, h, doc)
	require.Error(t, err)

	var blockErr *engine.BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, "logic-id", blockErr.BlockID)
	assert.Empty(t, h.SinkDocuments(), "a failed evaluation emits no documents")
}

func TestCustomLogicPassOriginal(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeCustomLogic, map[string]interface{}{
		"expression":   `{"ignored": true}`,
		"passOriginal": true,
	}))

	doc := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"a": 1.0})
	require.NoError(t, runLogic(t, h, doc))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.Equal(t, "d1", out[0].ID, "the original document passes through unchanged")
}

func TestMathComputesAndCopiesSubject(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeMath, map[string]interface{}{
		"equations": []interface{}{
			map[string]interface{}{"variable": "doubled", "formula": "document.amount * 2.0"},
		},
	}))

	doc := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"amount": 21.0})
	doc.Schema = "schema-a"
	doc.MessageID = "m1"
	require.NoError(t, runLogic(t, h, doc))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	subject := out[0].CredentialSubject()
	assert.Equal(t, 42.0, subject["doubled"])
	assert.Equal(t, 21.0, subject["amount"], "without an output schema the source subject is carried over")
	assert.Equal(t, "schema-a", out[0].Schema)
	assert.Equal(t, []string{"m1"}, out[0].Relationships)
}

func TestMathNewSchemaDropsSourceFields(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeMath, map[string]interface{}{
		"outputSchema": "schema-b",
		"equations": []interface{}{
			map[string]interface{}{"variable": "doubled", "formula": "document.amount * 2.0"},
		},
	}))

	doc := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"amount": 21.0})
	doc.Schema = "schema-a"
	require.NoError(t, runLogic(t, h, doc))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	subject := out[0].CredentialSubject()
	assert.Equal(t, 42.0, subject["doubled"])
	_, carried := subject["amount"]
	assert.False(t, carried, "a different output schema starts from an empty subject")
	assert.Equal(t, "schema-b", out[0].Schema)
}

func TestMathFirstDocumentMetadataOnly(t *testing.T) {
	h := newHarness(t, logicRoot(model.BlockTypeMath, map[string]interface{}{
		"equations": []interface{}{
			map[string]interface{}{"variable": "doubled", "formula": "document.amount * 2.0"},
		},
	}))

	d1 := vcDocument("d1", "did:example:alice", "", map[string]interface{}{"amount": 1.0})
	d1.MessageID = "m1"
	d2 := vcDocument("d2", "did:example:bob", "", map[string]interface{}{"amount": 2.0})
	d2.MessageID = "m2"
	require.NoError(t, runLogic(t, h, d1, d2))

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.Equal(t, []string{"m1"}, out[0].Relationships, "math carries the first document's metadata only")
	assert.Equal(t, "did:example:alice", out[0].Owner)
}
