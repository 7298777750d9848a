package validator

import (
	"context"
	"errors"
	"time"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"
)

// checkOptions dispatches to the per-type option checker. Unknown block types
// are reported: the engine registry would reject them at load anyway, but the
// designer should learn it here.
func (v *PolicyValidator) checkOptions(ctx context.Context, cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	switch cfg.BlockType {
	case model.BlockTypeContainer:
	case model.BlockTypeAggregate:
		v.checkAggregate(cfg, fail)
	case model.BlockTypeMultiSign:
		v.checkMultiSign(cfg, fail)
	case model.BlockTypeTimer:
		v.checkTimer(cfg, fail)
	case model.BlockTypeCustomLogic:
		v.checkCustomLogic(ctx, cfg, ns, fail)
	case model.BlockTypeMath:
		v.checkMath(ctx, cfg, ns, fail)
	case model.BlockTypeRequestDocument:
		v.checkRequestDocument(ctx, cfg, ns, fail)
	case model.BlockTypeDocumentValidator:
		v.checkDocumentValidator(ctx, cfg, ns, fail)
	default:
		fail("unknown block type " + cfg.BlockType)
	}
}

func (v *PolicyValidator) checkAggregate(cfg *model.BlockConfig, fail func(string)) {
	aggregateType := cfg.OptionString("aggregateType")
	switch aggregateType {
	case "", "cumulative":
		if cfg.OptionString("condition") == "" {
			fail("a cumulative aggregate requires a condition")
		}
	case "period":
	default:
		fail("unknown aggregateType " + aggregateType)
	}

	if raw, ok := cfg.Options["expressions"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			fail("expressions must be a list")
			return
		}
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				fail("an expression entry is not an object")
				continue
			}
			name, _ := entry["name"].(string)
			value, _ := entry["value"].(string)
			if name == "" || value == "" {
				fail("an expression entry requires a name and a value")
			}
		}
	}
}

func (v *PolicyValidator) checkMultiSign(cfg *model.BlockConfig, fail func(string)) {
	threshold, ok := cfg.OptionFloat("threshold")
	if !ok {
		fail("a multi-sign block requires a numeric threshold")
		return
	}
	if threshold <= 0 || threshold > 100 {
		fail("the multi-sign threshold must be in (0, 100]")
	}
}

func (v *PolicyValidator) checkTimer(cfg *model.BlockConfig, fail func(string)) {
	period := cfg.OptionString("period")
	switch period {
	case "", "hour", "day", "week", "month", "year":
	case "custom":
		if cfg.OptionString("periodMask") == "" {
			fail("a custom timer period requires a periodMask")
		}
	default:
		fail("unknown timer period " + period)
	}

	for _, option := range []string{"startDate", "endDate"} {
		if raw := cfg.OptionString(option); raw != "" {
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				fail("invalid " + option + ": " + err.Error())
			}
		}
	}
	if _, set := cfg.Options["periodInterval"]; set {
		if n, ok := cfg.OptionFloat("periodInterval"); !ok || n < 1 {
			fail("periodInterval must be a number >= 1")
		}
	}
}

func (v *PolicyValidator) checkCustomLogic(ctx context.Context, cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	if cfg.OptionString("expression") == "" && !cfg.OptionBool("passOriginal") {
		fail("a custom logic block requires an expression")
	}
	if schema := cfg.OptionString("outputSchema"); schema != "" {
		v.checkSchemaRef(ctx, schema, ns, fail)
	}
}

func (v *PolicyValidator) checkMath(ctx context.Context, cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	raw, ok := cfg.Options["equations"].([]interface{})
	if !ok || len(raw) == 0 {
		fail("a math block requires at least one equation")
		return
	}
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			fail("an equation entry is not an object")
			continue
		}
		variable, _ := entry["variable"].(string)
		formula, _ := entry["formula"].(string)
		if variable == "" || formula == "" {
			fail("an equation requires a variable and a formula")
		}
	}
	if schema := cfg.OptionString("outputSchema"); schema != "" {
		v.checkSchemaRef(ctx, schema, ns, fail)
	}
}

func (v *PolicyValidator) checkRequestDocument(ctx context.Context, cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	if schema := cfg.OptionString("schema"); schema != "" {
		v.checkSchemaRef(ctx, schema, ns, fail)
	} else {
		fail("a request document block requires a schema")
	}
	switch cfg.OptionString("idType") {
	case "", "UUID", "DID", "OWNER":
	default:
		fail("unknown idType " + cfg.OptionString("idType"))
	}
	if schema := cfg.OptionString("presetSchema"); schema != "" {
		v.checkSchemaRef(ctx, schema, ns, fail)
	}
	if raw, set := cfg.Options["presetFields"]; set {
		list, ok := raw.([]interface{})
		if !ok {
			fail("presetFields must be a list")
			return
		}
		for _, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				fail("a preset field entry is not an object")
				continue
			}
			if name, _ := entry["name"].(string); name == "" {
				fail("a preset field requires a name")
			}
		}
	}
}

func (v *PolicyValidator) checkDocumentValidator(ctx context.Context, cfg *model.BlockConfig, ns *namespace, fail func(string)) {
	if schema := cfg.OptionString("schema"); schema != "" {
		v.checkSchemaRef(ctx, schema, ns, fail)
	}
	raw, set := cfg.Options["conditions"]
	if !set {
		return
	}
	list, ok := raw.([]interface{})
	if !ok {
		fail("conditions must be a list")
		return
	}
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			fail("a condition entry is not an object")
			continue
		}
		condType, _ := entry["type"].(string)
		field, _ := entry["field"].(string)
		switch condType {
		case "equal", "not_equal", "in", "not_in":
		default:
			fail("unknown condition type " + condType)
		}
		if field == "" {
			fail("a condition requires a field")
		}
	}
}

// checkSchemaRef resolves a schema reference: a module/tool variable of type
// Schema, or a registered schema IRI.
func (v *PolicyValidator) checkSchemaRef(ctx context.Context, ref string, ns *namespace, fail func(string)) {
	if ns.schemas[ref] {
		return
	}
	if _, err := v.schemas.GetSchemaByIRI(ctx, ref); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail("schema " + ref + " not found")
		} else {
			fail("failed to resolve schema " + ref + ": " + err.Error())
		}
	}
}
