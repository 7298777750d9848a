package engine

import (
	"context"

	"policy-engine/internal/model"
)

// Block is a live instance of one configuration node. GetData/SetData serve
// the interactive API; OnEvent receives dispatched events; the lifecycle
// hooks run while the policy instance is assembled and torn down.
type Block interface {
	ID() string
	Tag() string
	BlockType() string
	InputEvents() []model.InputEvent
	OutputEvents() []model.OutputEvent

	GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error)
	SetData(ctx context.Context, user *model.PolicyUser, data map[string]interface{}) (map[string]interface{}, error)
	OnEvent(ctx context.Context, event *Event) error

	BeforeInit(ctx context.Context) error
	AfterInit(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// UserRemovedHandler is implemented by blocks that must re-evaluate their
// state when a user leaves the policy (multi-sign thresholds).
type UserRemovedHandler interface {
	OnRemoveUser(ctx context.Context, user *model.PolicyUser) error
}

// Base carries the shared plumbing of every block implementation: the config
// node, the policy reference and no-op defaults for the optional hooks.
type Base struct {
	*Ref
}

func NewBase(ref *Ref) Base {
	return Base{Ref: ref}
}

func (b Base) ID() string        { return b.Config.ID }
func (b Base) Tag() string       { return b.Config.Tag }
func (b Base) BlockType() string { return b.Config.BlockType }

func (b Base) InputEvents() []model.InputEvent {
	about, _ := model.AboutOf(b.Config.BlockType)
	return about.Inputs
}

func (b Base) OutputEvents() []model.OutputEvent {
	about, _ := model.AboutOf(b.Config.BlockType)
	return about.Outputs
}

func (b Base) GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error) {
	return map[string]interface{}{
		"id":        b.Config.ID,
		"blockType": b.Config.BlockType,
	}, nil
}

func (b Base) SetData(ctx context.Context, user *model.PolicyUser, data map[string]interface{}) (map[string]interface{}, error) {
	return nil, NewBlockError("block does not accept data", b.Config.BlockType, b.Config.ID)
}

func (b Base) OnEvent(ctx context.Context, event *Event) error { return nil }
func (b Base) BeforeInit(ctx context.Context) error            { return nil }
func (b Base) AfterInit(ctx context.Context) error             { return nil }
func (b Base) Destroy(ctx context.Context) error               { return nil }

// Err builds a BlockError carrying this block's identity.
func (b Base) Err(message string) *BlockError {
	return NewBlockError(message, b.Config.BlockType, b.Config.ID)
}
