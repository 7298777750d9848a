package blocks

import (
	"context"
	"errors"
	"reflect"

	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idTypeUUID  = "UUID"
	idTypeDID   = "DID"
	idTypeOwner = "OWNER"

	requestStateActive  = "active"
	requestStateRestore = "restoreData"
)

type presetField struct {
	Name     string
	Value    string
	Readonly bool
}

// RequestDocument collects a credential subject from a user, validates it
// through its child validators, signs it and emits the resulting document.
// The per-user active flag serializes submissions: a second submission while
// one is in flight is rejected, and any failure re-enables the flag.
type RequestDocument struct {
	engine.Base

	schema       string
	idType       string
	presetSchema string
	presetFields []presetField
}

func NewRequestDocument(ref *engine.Ref) (*RequestDocument, error) {
	r := &RequestDocument{
		Base:         engine.NewBase(ref),
		schema:       ref.Config.OptionString("schema"),
		idType:       ref.Config.OptionString("idType"),
		presetSchema: ref.Config.OptionString("presetSchema"),
	}
	if raw, ok := ref.Config.Options["presetFields"].([]interface{}); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			field := presetField{}
			field.Name, _ = entry["name"].(string)
			field.Value, _ = entry["value"].(string)
			field.Readonly, _ = entry["readonly"].(bool)
			if field.Name != "" {
				r.presetFields = append(r.presetFields, field)
			}
		}
	}
	return r, nil
}

func (r *RequestDocument) GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error) {
	state, err := r.GetState(ctx, user.DID)
	if err != nil {
		return nil, r.Err("failed to load the block state: " + err.Error())
	}
	active := true
	if v, ok := state[requestStateActive].(bool); ok {
		active = v
	}
	data := map[string]interface{}{
		"id":         r.Config.ID,
		"blockType":  r.Config.BlockType,
		"schema":     r.schema,
		"active":     active,
		"uiMetaData": r.Config.Options["uiMetaData"],
	}
	if restore, ok := state[requestStateRestore].(map[string]interface{}); ok {
		data["restoreData"] = restore
	}
	return data, nil
}

func (r *RequestDocument) OnEvent(ctx context.Context, event *engine.Event) error {
	if event.Input != model.InputRestoreEvent || event.State == nil || len(event.State.Documents) == 0 {
		return nil
	}
	if event.User == nil {
		return nil
	}
	state, err := r.GetState(ctx, event.User.DID)
	if err != nil {
		return r.Err("failed to load the block state: " + err.Error())
	}
	state[requestStateRestore] = event.State.Documents[0].CredentialSubject()
	if err := r.SaveState(ctx, event.User.DID, state); err != nil {
		return r.Err("failed to save the block state: " + err.Error())
	}
	return nil
}

func (r *RequestDocument) SetData(ctx context.Context, user *model.PolicyUser, data map[string]interface{}) (map[string]interface{}, error) {
	subject, _ := data["document"].(map[string]interface{})
	if subject == nil {
		return nil, r.Err("document is required")
	}

	if draft, _ := data["draft"].(bool); draft {
		return r.saveDraft(ctx, user, subject, data)
	}

	state, err := r.GetState(ctx, user.DID)
	if err != nil {
		return nil, r.Err("failed to load the block state: " + err.Error())
	}
	if active, ok := state[requestStateActive].(bool); ok && !active {
		return nil, r.Err("the previous operation is still in progress")
	}
	state[requestStateActive] = false
	if err := r.SaveState(ctx, user.DID, state); err != nil {
		return nil, r.Err("failed to save the block state: " + err.Error())
	}

	doc, err := r.submit(ctx, user, state, subject, data)
	if err != nil {
		// failed submissions must not leave the form locked
		state[requestStateActive] = true
		if saveErr := r.SaveState(ctx, user.DID, state); saveErr != nil {
			r.Log().Error("failed to re-enable the block: "+saveErr.Error(),
				zap.String("blockId", r.Config.ID))
		}
		return nil, err
	}

	state[requestStateActive] = true
	delete(state, requestStateRestore)
	if err := r.SaveState(ctx, user.DID, state); err != nil {
		return nil, r.Err("failed to save the block state: " + err.Error())
	}

	if err := r.TriggerEvents(ctx, user, engine.StateOf(doc),
		model.OutputRunEvent, model.OutputReleaseEvent, model.OutputRefreshEvent); err != nil {
		return nil, err
	}
	return map[string]interface{}{"documentId": doc.ID}, nil
}

func (r *RequestDocument) submit(ctx context.Context, user *model.PolicyUser, state map[string]interface{}, subject map[string]interface{}, data map[string]interface{}) (*model.PolicyDocument, error) {
	draft := &model.PolicyDocument{
		Owner:    user.DID,
		Group:    user.Group,
		Schema:   r.schema,
		PolicyID: r.Policy.ID,
		Document: map[string]interface{}{"credentialSubject": []interface{}{subject}},
	}

	// child validators run in declaration order; the first failure wins
	for _, child := range r.Config.Children {
		if child.BlockType != model.BlockTypeDocumentValidator {
			continue
		}
		schema := ""
		if s, ok := child.Options["schema"].(string); ok {
			schema = s
		}
		if err := checkSubject(ctx, r.Services.Issuer, schema, parseConditions(child), draft); err != nil {
			return nil, engine.NewBlockError(err.Error(), child.BlockType, child.ID)
		}
	}

	if err := r.checkPreset(ctx, state, subject, data); err != nil {
		return nil, err
	}

	id, err := r.documentID(ctx, user)
	if err != nil {
		return nil, err
	}
	subject["id"] = id

	if r.schema != "" {
		if err := r.Services.Issuer.VerifySubject(ctx, subject, r.schema); err != nil {
			return nil, r.Err(err.Error())
		}
	}
	vc, err := r.Services.Issuer.Sign(ctx, subject, user.DID, credentials.Options{Group: user.Group})
	if err != nil {
		return nil, r.Err("failed to sign the document: " + err.Error())
	}

	doc := &model.PolicyDocument{
		ID:       uuid.NewString(),
		Owner:    user.DID,
		Group:    user.Group,
		Document: vc,
		Schema:   r.schema,
		Type:     model.CategoryVC,
		PolicyID: r.Policy.ID,
	}
	if ref, _ := data["ref"].(string); ref != "" {
		doc.Relationships = []string{ref}
	}
	if err := r.Services.Documents.SaveDocument(ctx, doc); err != nil {
		return nil, r.Err("failed to save the document: " + err.Error())
	}
	return doc, nil
}

// checkPreset enforces the readonly preset fields: a submission may not alter
// a readonly value inherited from the referenced document. A submission with
// readonly fields that cannot be checked against a source is rejected.
func (r *RequestDocument) checkPreset(ctx context.Context, state map[string]interface{}, subject map[string]interface{}, data map[string]interface{}) error {
	hasReadonly := false
	for _, field := range r.presetFields {
		if field.Readonly {
			hasReadonly = true
			break
		}
	}
	if !hasReadonly {
		return nil
	}
	preset, err := r.presetSource(ctx, state, data)
	if err != nil {
		return err
	}
	if preset == nil {
		return r.Err("readonly preset fields can not be verified")
	}
	for _, field := range r.presetFields {
		if !field.Readonly {
			continue
		}
		path := field.Value
		if path == "" {
			path = field.Name
		}
		expected := model.GetPath(preset, path)
		actual := model.GetPath(subject, field.Name)
		if !reflect.DeepEqual(expected, actual) {
			return r.Err("readonly field " + field.Name + " was modified")
		}
	}
	return nil
}

// presetSource resolves the document the preset fields are inherited from:
// the referenced document of the submission, or the restored one.
func (r *RequestDocument) presetSource(ctx context.Context, state map[string]interface{}, data map[string]interface{}) (map[string]interface{}, error) {
	if ref, _ := data["ref"].(string); ref != "" {
		doc, err := r.Services.Documents.GetDocument(ctx, r.Policy.ID, ref)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, r.Err("failed to load the referenced document: " + err.Error())
		}
		return doc.CredentialSubject(), nil
	}
	if restore, ok := state[requestStateRestore].(map[string]interface{}); ok {
		return restore, nil
	}
	return nil, nil
}

func (r *RequestDocument) documentID(ctx context.Context, user *model.PolicyUser) (string, error) {
	switch r.idType {
	case idTypeDID:
		did, err := r.Services.Issuer.GenerateDID(ctx, r.Policy.InstanceTopicID)
		if err != nil {
			return "", r.Err("failed to generate a DID: " + err.Error())
		}
		return did, nil
	case idTypeOwner:
		return user.DID, nil
	default:
		return "urn:uuid:" + uuid.NewString(), nil
	}
}

// saveDraft stores an unsigned draft and notifies the draft bindings; no
// validation or signing happens for drafts. A draft referencing an existing
// document additionally notifies the reference bindings (edit flow).
func (r *RequestDocument) saveDraft(ctx context.Context, user *model.PolicyUser, subject map[string]interface{}, data map[string]interface{}) (map[string]interface{}, error) {
	doc := &model.PolicyDocument{
		ID:       uuid.NewString(),
		Owner:    user.DID,
		Group:    user.Group,
		Schema:   r.schema,
		Type:     model.CategoryUnsigned,
		PolicyID: r.Policy.ID,
		Document: map[string]interface{}{"credentialSubject": []interface{}{subject}},
		Draft:    true,
		DraftID:  uuid.NewString(),
	}
	if ref, _ := data["ref"].(string); ref != "" {
		doc.StartMessageID = ref
	}
	if err := r.Services.Documents.SaveDocument(ctx, doc); err != nil {
		return nil, r.Err("failed to save the draft: " + err.Error())
	}
	outputs := []model.OutputEvent{model.OutputDraftEvent, model.OutputRefreshEvent}
	if doc.StartMessageID != "" {
		outputs = append(outputs, model.OutputReferenceEvent)
	}
	if err := r.TriggerEvents(ctx, user, engine.StateOf(doc), outputs...); err != nil {
		return nil, err
	}
	return map[string]interface{}{"draftId": doc.DraftID}, nil
}
