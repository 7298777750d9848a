package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	aggregateCumulative = "cumulative"
	aggregatePeriod     = "period"
)

type aggregateExpression struct {
	Name  string
	Value string
}

// Aggregate holds incoming documents until a release condition fires. In
// cumulative mode the condition is a CEL expression over the held scope; in
// period mode a bound timer tick releases the held groups.
type Aggregate struct {
	engine.Base

	aggregateType   string
	condition       string
	expressions     []aggregateExpression
	groupByFields   []string
	emptyData       bool
	disableGrouping bool
}

func NewAggregate(ref *engine.Ref) (*Aggregate, error) {
	a := &Aggregate{
		Base:            engine.NewBase(ref),
		aggregateType:   ref.Config.OptionString("aggregateType"),
		condition:       ref.Config.OptionString("condition"),
		emptyData:       ref.Config.OptionBool("emptyData"),
		disableGrouping: ref.Config.OptionBool("disableUserGrouping"),
	}
	if a.aggregateType == "" {
		a.aggregateType = aggregateCumulative
	}

	if raw, ok := ref.Config.Options["expressions"].([]interface{}); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			value, _ := entry["value"].(string)
			if name != "" && value != "" {
				a.expressions = append(a.expressions, aggregateExpression{Name: name, Value: value})
			}
		}
	}
	if raw, ok := ref.Config.Options["groupByFields"].([]interface{}); ok {
		for _, item := range raw {
			switch entry := item.(type) {
			case string:
				a.groupByFields = append(a.groupByFields, entry)
			case map[string]interface{}:
				if path, _ := entry["fieldPath"].(string); path != "" {
					a.groupByFields = append(a.groupByFields, path)
				}
			}
		}
	}
	return a, nil
}

func (a *Aggregate) GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error) {
	held, err := a.Services.Aggregate.GetAggregateDocuments(ctx, a.Policy.ID, a.Config.ID, nil)
	if err != nil {
		return nil, a.Err("failed to load the held documents: " + err.Error())
	}
	return map[string]interface{}{
		"id":            a.Config.ID,
		"blockType":     a.Config.BlockType,
		"aggregateType": a.aggregateType,
		"count":         len(held),
	}, nil
}

func (a *Aggregate) OnEvent(ctx context.Context, event *engine.Event) error {
	switch event.Input {
	case model.InputRunEvent:
		return a.save(ctx, event)
	case model.InputPopEvent:
		return a.pop(ctx, event)
	case model.InputTimerEvent:
		return a.tick(ctx, event)
	}
	return nil
}

// save puts the incoming documents into the holding area and, in cumulative
// mode, checks the release condition for the affected scope.
func (a *Aggregate) save(ctx context.Context, event *engine.Event) error {
	if event.State == nil || len(event.State.Documents) == 0 {
		return nil
	}
	for _, doc := range event.State.Documents {
		clone := doc.Clone()
		rec := &model.AggregateVC{
			ID:               uuid.NewString(),
			BlockID:          a.Config.ID,
			PolicyID:         a.Policy.ID,
			Owner:            doc.Owner,
			Group:            doc.Group,
			SourceDocumentID: doc.ID,
			Document:         clone,
		}
		if err := a.Services.Aggregate.CreateAggregateDocument(ctx, rec); err != nil {
			return a.Err("failed to hold the document: " + err.Error())
		}
	}

	if a.aggregateType != aggregateCumulative {
		return nil
	}
	trigger := event.State.Documents[0]
	return a.checkCondition(ctx, event.User, trigger)
}

// pop removes the event documents from the holding area without a release.
func (a *Aggregate) pop(ctx context.Context, event *engine.Event) error {
	if event.State == nil {
		return nil
	}
	for _, doc := range event.State.Documents {
		if err := a.Services.Aggregate.RemoveAggregateDocumentBySource(ctx, a.Config.ID, doc.ID); err != nil {
			return a.Err("failed to pop the document: " + err.Error())
		}
	}
	return nil
}

func (a *Aggregate) checkCondition(ctx context.Context, user *model.PolicyUser, trigger *model.PolicyDocument) error {
	if a.condition == "" {
		return nil
	}
	filters := map[string]interface{}{}
	if !a.disableGrouping {
		if trigger.Group != "" {
			filters["group"] = trigger.Group
		} else {
			filters["owner"] = trigger.Owner
		}
	}
	held, err := a.Services.Aggregate.GetAggregateDocuments(ctx, a.Policy.ID, a.Config.ID, filters)
	if err != nil {
		return a.Err("failed to load the held documents: " + err.Error())
	}

	triggerKey := a.groupKey(trigger)
	var scoped []*model.AggregateVC
	for _, rec := range held {
		if a.groupKey(rec.Document) == triggerKey {
			scoped = append(scoped, rec)
		}
	}
	if len(scoped) == 0 {
		return nil
	}

	ok, err := a.evalCondition(scoped, user)
	if err != nil {
		return a.Err(err.Error())
	}
	if !ok {
		return nil
	}
	return a.release(ctx, user, scoped)
}

// evalCondition computes each declared expression per held document, exposes
// the value lists as the scope and evaluates the release condition over it.
func (a *Aggregate) evalCondition(recs []*model.AggregateVC, user *model.PolicyUser) (bool, error) {
	scope := make(map[string]interface{}, len(a.expressions))
	for _, expr := range a.expressions {
		values := make([]interface{}, 0, len(recs))
		for _, rec := range recs {
			subject := rec.Document.CredentialSubject()
			v, err := a.Services.Expressions.EvalNumber(expr.Value, map[string]interface{}{
				"document": toInput(subject),
			})
			if err != nil {
				return false, fmt.Errorf("expression %s: %s", expr.Name, err.Error())
			}
			values = append(values, v)
		}
		scope[expr.Name] = values
	}

	input := map[string]interface{}{"scope": scope}
	if user != nil {
		input["user"] = map[string]interface{}{"did": user.DID, "group": user.Group, "role": user.Role}
	}
	return a.Services.Expressions.EvalBool(a.condition, input)
}

// tick handles a period release: every armed scope carried by the timer tick
// gets its held groups released; held documents of unarmed scopes are dropped.
// With user grouping disabled the partition ignores the scope entirely (with
// no groupByFields everything held forms one global group) and nothing is
// dropped.
func (a *Aggregate) tick(ctx context.Context, event *engine.Event) error {
	held, err := a.Services.Aggregate.GetAggregateDocuments(ctx, a.Policy.ID, a.Config.ID, nil)
	if err != nil {
		return a.Err("failed to load the held documents: " + err.Error())
	}

	armed := make(map[string]bool, len(event.ScopeIDs))
	for _, id := range event.ScopeIDs {
		armed[id] = true
	}

	groups := make(map[string][]*model.AggregateVC)
	var order []string
	var dropped []*model.AggregateVC
	for _, rec := range held {
		key := a.groupKey(rec.Document)
		if !a.disableGrouping {
			if !armed[rec.ScopeID()] {
				dropped = append(dropped, rec)
				continue
			}
			key = rec.ScopeID() + "|" + key
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	if len(dropped) > 0 {
		if err := a.Services.Aggregate.RemoveAggregateDocuments(ctx, dropped); err != nil {
			return a.Err("failed to drop the unarmed documents: " + err.Error())
		}
		a.Log().Debug("dropped held documents of unarmed scopes",
			zap.String("blockId", a.Config.ID), zap.Int("count", len(dropped)))
	}

	for _, key := range order {
		if err := a.release(ctx, event.User, groups[key]); err != nil {
			return err
		}
	}

	if len(order) == 0 && a.emptyData {
		for _, scopeID := range event.ScopeIDs {
			owner := &model.PolicyUser{DID: scopeID, PolicyID: a.Policy.ID}
			if err := a.TriggerEvents(ctx, owner, engine.StateOf(), model.OutputRunEvent, model.OutputRefreshEvent); err != nil {
				return err
			}
		}
	}
	return nil
}

// release removes the records from holding and re-emits the original
// documents with their identities restored.
func (a *Aggregate) release(ctx context.Context, user *model.PolicyUser, recs []*model.AggregateVC) error {
	docs := make([]*model.PolicyDocument, 0, len(recs))
	for _, rec := range recs {
		doc := rec.Document.Clone()
		doc.ID = rec.SourceDocumentID
		docs = append(docs, doc)
	}
	if err := a.Services.Aggregate.RemoveAggregateDocuments(ctx, recs); err != nil {
		return a.Err("failed to remove the released documents: " + err.Error())
	}

	actor := user
	if actor == nil && len(docs) > 0 {
		actor = &model.PolicyUser{DID: docs[0].Owner, Group: docs[0].Group, PolicyID: a.Policy.ID}
	}
	return a.TriggerEvents(ctx, actor, &engine.EventState{Documents: docs},
		model.OutputRunEvent, model.OutputRefreshEvent)
}

// groupKey joins the configured grouping field values of a document. Values
// are JSON encoded so distinct types never collide.
func (a *Aggregate) groupKey(doc *model.PolicyDocument) string {
	if len(a.groupByFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(a.groupByFields))
	subject := doc.CredentialSubject()
	for _, field := range a.groupByFields {
		v := model.GetPath(subject, field)
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte("null")
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "|")
}

func toInput(subject map[string]interface{}) map[string]interface{} {
	if subject == nil {
		return map[string]interface{}{}
	}
	return subject
}
