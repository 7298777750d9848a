package blocks_test

import (
	"context"
	"testing"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reportSchemaIRI = "schema:report"

func requestRoot(options map[string]interface{}, children ...*model.BlockConfig) *model.BlockConfig {
	request := &model.BlockConfig{
		ID: "req-id", BlockType: model.BlockTypeRequestDocument, Tag: "request",
		Options: options, Children: children,
	}
	return &model.BlockConfig{
		ID: "root-id", BlockType: model.BlockTypeContainer, Tag: "root",
		Children: []*model.BlockConfig{request},
		Events: []model.EventBinding{
			{SourceTag: "request", OutputEvent: model.OutputRunEvent, TargetTag: "sink", InputEvent: model.InputRunEvent},
			{SourceTag: "request", OutputEvent: model.OutputDraftEvent, TargetTag: "sink", InputEvent: model.InputRefreshEvent},
		},
	}
}

func addReportSchema(h *harness) {
	h.Store.AddSchema(&storage.Schema{
		IRI:  reportSchemaIRI,
		Name: "report",
		Document: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"name"},
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
		},
	})
}

func TestRequestDocumentSubmit(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{"schema": reportSchemaIRI}))
	addReportSchema(h)
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	result, err := block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"name": "annual report"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result["documentId"])

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.Equal(t, model.CategoryVC, out[0].Type)
	assert.Equal(t, "did:example:alice", out[0].Owner)
	assert.Equal(t, reportSchemaIRI, out[0].Schema)
	subject := out[0].CredentialSubject()
	assert.Equal(t, "annual report", subject["name"])
	assert.NotEmpty(t, subject["id"], "the subject gets a generated id")

	data, err := block.GetData(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, true, data["active"], "the block re-enables after a successful submission")
}

func TestRequestDocumentSchemaRejection(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{"schema": reportSchemaIRI}))
	addReportSchema(h)
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	_, err := block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"title": "missing the name field"},
	})
	require.Error(t, err)
	assert.Empty(t, h.SinkDocuments())

	data, err := block.GetData(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, true, data["active"], "a failed submission re-enables the block")
}

func TestRequestDocumentChildValidatorsShortCircuit(t *testing.T) {
	first := &model.BlockConfig{
		ID: "v1", BlockType: model.BlockTypeDocumentValidator, Tag: "v1",
		Options: map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "equal", "field": "kind", "value": "report"},
			},
		},
	}
	second := &model.BlockConfig{
		ID: "v2", BlockType: model.BlockTypeDocumentValidator, Tag: "v2",
		Options: map[string]interface{}{
			"conditions": []interface{}{
				map[string]interface{}{"type": "equal", "field": "name", "value": "never-checked"},
			},
		},
	}
	h := newHarness(t, requestRoot(map[string]interface{}{}, first, second))
	block := h.Block(t, "request")

	_, err := block.SetData(context.Background(), testUser("did:example:alice", ""), map[string]interface{}{
		"document": map[string]interface{}{"kind": "invoice", "name": "x"},
	})
	require.Error(t, err)

	var blockErr *engine.BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, "v1", blockErr.BlockID, "the first failing validator wins")
	assert.Empty(t, h.SinkDocuments())
}

func TestRequestDocumentIDTypes(t *testing.T) {
	cases := []struct {
		idType string
		check  func(t *testing.T, id interface{})
	}{
		{idType: "UUID", check: func(t *testing.T, id interface{}) {
			assert.Contains(t, id, "urn:uuid:")
		}},
		{idType: "DID", check: func(t *testing.T, id interface{}) {
			assert.Contains(t, id, "did:hedera:")
		}},
		{idType: "OWNER", check: func(t *testing.T, id interface{}) {
			assert.Equal(t, "did:example:alice", id)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.idType, func(t *testing.T) {
			h := newHarness(t, requestRoot(map[string]interface{}{"idType": tc.idType}))
			block := h.Block(t, "request")

			_, err := block.SetData(context.Background(), testUser("did:example:alice", ""), map[string]interface{}{
				"document": map[string]interface{}{"name": "doc"},
			})
			require.NoError(t, err)

			out := h.SinkDocuments()
			require.Len(t, out, 1)
			tc.check(t, out[0].CredentialSubject()["id"])
		})
	}
}

func TestRequestDocumentPresetReadonly(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{
		"presetFields": []interface{}{
			map[string]interface{}{"name": "region", "readonly": true},
			map[string]interface{}{"name": "note", "readonly": false},
		},
	}))
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	// the preset document arrives through a restore event
	preset := vcDocument("d0", user.DID, "", map[string]interface{}{"region": "EU", "note": "original"})
	require.NoError(t, block.OnEvent(context.Background(), &engine.Event{
		Input: model.InputRestoreEvent, User: user, State: engine.StateOf(preset),
	}))

	_, err := block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "US", "note": "changed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly field region")

	_, err = block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "EU", "note": "changed"},
	})
	require.NoError(t, err, "editable fields may change freely")
}

func TestRequestDocumentPresetFromReferencedDocument(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{
		"presetFields": []interface{}{
			map[string]interface{}{"name": "region", "readonly": true},
		},
	}))
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	source := vcDocument("ref-1", user.DID, "", map[string]interface{}{"region": "EU"})
	require.NoError(t, h.Store.SaveDocument(context.Background(), source))

	// the submission references the source directly, no restore ran
	_, err := block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "US"},
		"ref":      "ref-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly field region")
	assert.Empty(t, h.SinkDocuments())

	_, err = block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "EU"},
		"ref":      "ref-1",
	})
	require.NoError(t, err)
}

func TestRequestDocumentPresetWithoutSourceRejected(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{
		"presetFields": []interface{}{
			map[string]interface{}{"name": "region", "readonly": true},
		},
	}))
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	_, err := block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "US"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can not be verified")

	// a dangling reference is no better
	_, err = block.SetData(context.Background(), user, map[string]interface{}{
		"document": map[string]interface{}{"region": "US"},
		"ref":      "missing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can not be verified")
}

func TestRequestDocumentDraft(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{"schema": reportSchemaIRI}))
	block := h.Block(t, "request")

	// drafts skip validation entirely, so no schema is registered
	result, err := block.SetData(context.Background(), testUser("did:example:alice", ""), map[string]interface{}{
		"document": map[string]interface{}{"anything": "goes"},
		"draft":    true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result["draftId"])

	out := h.SinkDocuments()
	require.Len(t, out, 1)
	assert.True(t, out[0].Draft)
	assert.Equal(t, model.CategoryUnsigned, out[0].Type)
}

func TestRequestDocumentRestoreDataInGetData(t *testing.T) {
	h := newHarness(t, requestRoot(map[string]interface{}{}))
	block := h.Block(t, "request")
	user := testUser("did:example:alice", "")

	restored := vcDocument("d0", user.DID, "", map[string]interface{}{"name": "draft values"})
	require.NoError(t, block.OnEvent(context.Background(), &engine.Event{
		Input: model.InputRestoreEvent, User: user, State: engine.StateOf(restored),
	}))

	data, err := block.GetData(context.Background(), user)
	require.NoError(t, err)
	restore := data["restoreData"].(map[string]interface{})
	assert.Equal(t, "draft values", restore["name"])

	other, err := block.GetData(context.Background(), testUser("did:example:bob", ""))
	require.NoError(t, err)
	assert.Nil(t, other["restoreData"], "restore data is per user")
}
