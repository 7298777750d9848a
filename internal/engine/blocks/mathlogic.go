package blocks

import (
	"context"
	"encoding/json"

	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CustomLogic evaluates a user-authored expression over the incoming
// documents inside an isolated worker and emits the result as a new document.
type CustomLogic struct {
	engine.Base

	expression   string
	outputSchema string
	unsigned     bool
	passOriginal bool
	signer       string
}

func NewCustomLogic(ref *engine.Ref) (*CustomLogic, error) {
	return &CustomLogic{
		Base:         engine.NewBase(ref),
		expression:   ref.Config.OptionString("expression"),
		outputSchema: ref.Config.OptionString("outputSchema"),
		unsigned:     ref.Config.OptionBool("unsigned"),
		passOriginal: ref.Config.OptionBool("passOriginal"),
		signer:       ref.Config.OptionString("documentSigner"),
	}, nil
}

func (c *CustomLogic) OnEvent(ctx context.Context, event *engine.Event) error {
	if event.Input != model.InputRunEvent || event.State == nil || len(event.State.Documents) == 0 {
		return nil
	}
	docs := event.State.Documents

	if c.passOriginal {
		return c.TriggerEvents(ctx, event.User, event.State,
			model.OutputRunEvent, model.OutputRefreshEvent)
	}

	input, err := c.buildInput(ctx, event.User, docs)
	if err != nil {
		return err
	}
	result, err := c.Services.Expressions.RunIsolated(ctx, c.expression, input)
	if err != nil {
		c.Log().Error("expression failed: "+err.Error(), zap.String("blockId", c.Config.ID))
		blockErr := c.Err("expression failed: " + err.Error())
		if triggerErr := c.TriggerEvents(ctx, event.User, event.State, model.OutputErrorEvent); triggerErr != nil {
			c.Log().Error("failed to dispatch the error event: " + triggerErr.Error())
		}
		return blockErr
	}

	subjects := resultSubjects(result)
	if len(subjects) == 0 {
		return c.Err("expression produced no document")
	}

	out, err := c.wrap(ctx, event.User, docs, subjects)
	if err != nil {
		return err
	}
	for _, doc := range out {
		if err := c.Services.Documents.SaveDocument(ctx, doc); err != nil {
			return c.Err("failed to save the result document: " + err.Error())
		}
	}
	return c.TriggerEvents(ctx, event.User, &engine.EventState{Documents: out},
		model.OutputRunEvent, model.OutputRefreshEvent)
}

// wrap turns the expression results into policy documents. In signed mode
// every subject is verified and signed before anything is committed.
func (c *CustomLogic) wrap(ctx context.Context, user *model.PolicyUser, sources []*model.PolicyDocument, subjects []map[string]interface{}) ([]*model.PolicyDocument, error) {
	relationships, accounts, tokens := unionMetadata(sources)
	first := sources[0]

	signerDID := c.Policy.Owner
	if c.signer == "document-owner" {
		signerDID = first.Owner
	}

	out := make([]*model.PolicyDocument, 0, len(subjects))
	for _, subject := range subjects {
		doc := &model.PolicyDocument{
			ID:            uuid.NewString(),
			Owner:         first.Owner,
			Group:         first.Group,
			Schema:        c.outputSchema,
			PolicyID:      c.Policy.ID,
			Relationships: relationships,
			Accounts:      accounts,
			Tokens:        tokens,
		}
		if c.unsigned {
			doc.Type = model.CategoryUnsigned
			doc.Document = map[string]interface{}{"credentialSubject": []interface{}{subject}}
			out = append(out, doc)
			continue
		}

		if c.outputSchema != "" {
			if err := c.Services.Issuer.VerifySubject(ctx, subject, c.outputSchema); err != nil {
				return nil, c.Err(err.Error())
			}
		}
		vc, err := c.Services.Issuer.Sign(ctx, subject, signerDID, credentials.Options{Group: first.Group})
		if err != nil {
			return nil, c.Err("failed to sign the result: " + err.Error())
		}
		doc.Type = model.CategoryVC
		doc.Document = vc
		out = append(out, doc)
	}
	return out, nil
}

func (c *CustomLogic) buildInput(ctx context.Context, user *model.PolicyUser, docs []*model.PolicyDocument) (map[string]interface{}, error) {
	subjects := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		subjects = append(subjects, toInput(doc.CredentialSubject()))
	}
	input := map[string]interface{}{
		"document":  subjects[0],
		"documents": subjects,
	}
	if user != nil {
		input["user"] = map[string]interface{}{"did": user.DID, "group": user.Group, "role": user.Role}
	}

	artifacts, err := c.loadArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	input["artifacts"] = artifacts
	return input, nil
}

// loadArtifacts parses the block's JSON artifacts into the expression scope.
func (c *CustomLogic) loadArtifacts(ctx context.Context) ([]interface{}, error) {
	artifacts := make([]interface{}, 0, len(c.Config.Artifacts))
	for _, ref := range c.Config.Artifacts {
		if ref.Type != model.ArtifactTypeJSON {
			continue
		}
		raw, err := c.Services.Artifacts.GetArtifactFile(ctx, ref.UUID)
		if err != nil {
			return nil, c.Err("failed to load artifact " + ref.UUID + ": " + err.Error())
		}
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, c.Err("failed to parse artifact " + ref.UUID + ": " + err.Error())
		}
		artifacts = append(artifacts, parsed)
	}
	return artifacts, nil
}

func resultSubjects(result interface{}) []map[string]interface{} {
	switch t := result.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{t}
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// unionMetadata aggregates source metadata: relationships take the union of
// the source message ids, accounts and tokens merge with later sources
// overriding earlier ones.
func unionMetadata(sources []*model.PolicyDocument) ([]string, map[string]string, map[string]string) {
	var relationships []string
	seen := make(map[string]bool)
	accounts := make(map[string]string)
	tokens := make(map[string]string)
	for _, doc := range sources {
		if doc.MessageID != "" && !seen[doc.MessageID] {
			seen[doc.MessageID] = true
			relationships = append(relationships, doc.MessageID)
		}
		for k, v := range doc.Accounts {
			accounts[k] = v
		}
		for k, v := range doc.Tokens {
			tokens[k] = v
		}
	}
	if len(accounts) == 0 {
		accounts = nil
	}
	if len(tokens) == 0 {
		tokens = nil
	}
	return relationships, accounts, tokens
}

// Math computes new fields from the first incoming document's subject. Unlike
// CustomLogic it carries only the first document's metadata and copies the
// source subject when the output schema matches the input schema.
type Math struct {
	engine.Base

	outputSchema string
	equations    []mathEquation
}

type mathEquation struct {
	Variable string
	Formula  string
}

func NewMath(ref *engine.Ref) (*Math, error) {
	m := &Math{
		Base:         engine.NewBase(ref),
		outputSchema: ref.Config.OptionString("outputSchema"),
	}
	if raw, ok := ref.Config.Options["equations"].([]interface{}); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			variable, _ := entry["variable"].(string)
			formula, _ := entry["formula"].(string)
			if variable != "" && formula != "" {
				m.equations = append(m.equations, mathEquation{Variable: variable, Formula: formula})
			}
		}
	}
	return m, nil
}

func (m *Math) OnEvent(ctx context.Context, event *engine.Event) error {
	if event.Input != model.InputRunEvent || event.State == nil || len(event.State.Documents) == 0 {
		return nil
	}
	source := event.State.Documents[0]
	sourceSubject := toInput(source.CredentialSubject())

	// the source subject is carried over when the output schema is absent or
	// identical to the input schema
	copySubject := m.outputSchema == "" || m.outputSchema == source.Schema
	subject := make(map[string]interface{})
	if copySubject {
		for k, v := range sourceSubject {
			subject[k] = v
		}
	}

	input := map[string]interface{}{"document": sourceSubject}
	for _, eq := range m.equations {
		value, err := m.Services.Expressions.EvalNumber(eq.Formula, input)
		if err != nil {
			blockErr := m.Err("equation " + eq.Variable + ": " + err.Error())
			if triggerErr := m.TriggerEvents(ctx, event.User, event.State, model.OutputErrorEvent); triggerErr != nil {
				m.Log().Error("failed to dispatch the error event: " + triggerErr.Error())
			}
			return blockErr
		}
		subject[eq.Variable] = value
	}

	schema := m.outputSchema
	if schema == "" {
		schema = source.Schema
	}
	vc, err := m.Services.Issuer.Sign(ctx, subject, m.Policy.Owner, credentials.Options{Group: source.Group})
	if err != nil {
		return m.Err("failed to sign the result: " + err.Error())
	}

	doc := &model.PolicyDocument{
		ID:       uuid.NewString(),
		Owner:    source.Owner,
		Group:    source.Group,
		Document: vc,
		Schema:   schema,
		Type:     model.CategoryVC,
		PolicyID: m.Policy.ID,
	}
	// first-document metadata only
	if source.MessageID != "" {
		doc.Relationships = []string{source.MessageID}
	}
	if source.Accounts != nil {
		doc.Accounts = map[string]string{}
		for k, v := range source.Accounts {
			doc.Accounts[k] = v
		}
	}
	if source.Tokens != nil {
		doc.Tokens = map[string]string{}
		for k, v := range source.Tokens {
			doc.Tokens[k] = v
		}
	}

	if err := m.Services.Documents.SaveDocument(ctx, doc); err != nil {
		return m.Err("failed to save the result document: " + err.Error())
	}
	return m.TriggerEvents(ctx, event.User, engine.StateOf(doc),
		model.OutputRunEvent, model.OutputRefreshEvent)
}
