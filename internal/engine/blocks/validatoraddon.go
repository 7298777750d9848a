package blocks

import (
	"context"
	"reflect"

	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/model"
)

type validatorCondition struct {
	Type  string
	Field string
	Value interface{}
}

const (
	conditionEqual    = "equal"
	conditionNotEqual = "not_equal"
	conditionIn       = "in"
	conditionNotIn    = "not_in"
)

// DocumentValidator checks documents flowing through it against a schema and
// a list of field conditions. A failing check aborts the dispatch chain.
type DocumentValidator struct {
	engine.Base

	schema     string
	conditions []validatorCondition
}

func NewDocumentValidator(ref *engine.Ref) (*DocumentValidator, error) {
	return &DocumentValidator{
		Base:       engine.NewBase(ref),
		schema:     ref.Config.OptionString("schema"),
		conditions: parseConditions(ref.Config),
	}, nil
}

func parseConditions(cfg *model.BlockConfig) []validatorCondition {
	raw, ok := cfg.Options["conditions"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]validatorCondition, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		cond := validatorCondition{Value: entry["value"]}
		cond.Type, _ = entry["type"].(string)
		cond.Field, _ = entry["field"].(string)
		if cond.Type != "" && cond.Field != "" {
			out = append(out, cond)
		}
	}
	return out
}

func (v *DocumentValidator) OnEvent(ctx context.Context, event *engine.Event) error {
	if event.Input != model.InputRunEvent || event.State == nil {
		return nil
	}
	for _, doc := range event.State.Documents {
		if err := v.CheckDocument(ctx, event.User, doc); err != nil {
			return err
		}
	}
	return nil
}

// CheckDocument validates one document. It is also called directly by parent
// blocks that run their child validators in declaration order.
func (v *DocumentValidator) CheckDocument(ctx context.Context, user *model.PolicyUser, doc *model.PolicyDocument) error {
	if err := checkSubject(ctx, v.Services.Issuer, v.schema, v.conditions, doc); err != nil {
		return v.Err(err.Error())
	}
	return nil
}

// checkSubject is the shared validation core: schema verification first, then
// the field conditions in order.
func checkSubject(ctx context.Context, issuer credentials.Issuer, schema string, conditions []validatorCondition, doc *model.PolicyDocument) error {
	subject := doc.CredentialSubject()
	if schema != "" {
		if err := issuer.VerifySubject(ctx, subject, schema); err != nil {
			return err
		}
	}
	for _, cond := range conditions {
		actual := model.GetPath(subject, cond.Field)
		if err := checkCondition(cond, actual); err != nil {
			return err
		}
	}
	return nil
}

func checkCondition(cond validatorCondition, actual interface{}) error {
	switch cond.Type {
	case conditionEqual:
		if !reflect.DeepEqual(actual, cond.Value) {
			return &conditionError{cond.Field, "is not equal to the expected value"}
		}
	case conditionNotEqual:
		if reflect.DeepEqual(actual, cond.Value) {
			return &conditionError{cond.Field, "must differ from the forbidden value"}
		}
	case conditionIn:
		if !valueIn(cond.Value, actual) {
			return &conditionError{cond.Field, "is not in the allowed set"}
		}
	case conditionNotIn:
		if valueIn(cond.Value, actual) {
			return &conditionError{cond.Field, "is in the forbidden set"}
		}
	default:
		return &conditionError{cond.Field, "has an unknown condition type " + cond.Type}
	}
	return nil
}

func valueIn(set interface{}, actual interface{}) bool {
	list, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if reflect.DeepEqual(item, actual) {
			return true
		}
	}
	return false
}

type conditionError struct {
	field  string
	reason string
}

func (e *conditionError) Error() string {
	return "field " + e.field + " " + e.reason
}
