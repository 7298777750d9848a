// Package blocks holds the built-in block implementations. The set is closed:
// RegisterDefaults wires every type the engine ships with; externally loaded
// packages go through engine.Registry.Register directly.
package blocks

import (
	"policy-engine/internal/engine"
	"policy-engine/internal/model"
)

func RegisterDefaults(registry *engine.Registry) {
	registry.Register(model.BlockTypeContainer, func(ref *engine.Ref) (engine.Block, error) {
		return NewContainer(ref), nil
	})
	registry.Register(model.BlockTypeAggregate, func(ref *engine.Ref) (engine.Block, error) {
		return NewAggregate(ref)
	})
	registry.Register(model.BlockTypeMultiSign, func(ref *engine.Ref) (engine.Block, error) {
		return NewMultiSign(ref)
	})
	registry.Register(model.BlockTypeTimer, func(ref *engine.Ref) (engine.Block, error) {
		return NewTimer(ref)
	})
	registry.Register(model.BlockTypeCustomLogic, func(ref *engine.Ref) (engine.Block, error) {
		return NewCustomLogic(ref)
	})
	registry.Register(model.BlockTypeMath, func(ref *engine.Ref) (engine.Block, error) {
		return NewMath(ref)
	})
	registry.Register(model.BlockTypeRequestDocument, func(ref *engine.Ref) (engine.Block, error) {
		return NewRequestDocument(ref)
	})
	registry.Register(model.BlockTypeDocumentValidator, func(ref *engine.Ref) (engine.Block, error) {
		return NewDocumentValidator(ref)
	})
}
