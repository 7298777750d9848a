package blocks

import (
	"context"

	"policy-engine/internal/engine"
	"policy-engine/internal/model"
)

// Container groups child blocks for rendering and passes run/refresh events
// through to its own bindings.
type Container struct {
	engine.Base
}

func NewContainer(ref *engine.Ref) *Container {
	return &Container{Base: engine.NewBase(ref)}
}

func (c *Container) GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error) {
	children := make([]interface{}, 0, len(c.Config.Children))
	for _, child := range c.Config.Children {
		children = append(children, map[string]interface{}{
			"id":        child.ID,
			"blockType": child.BlockType,
			"tag":       child.Tag,
		})
	}
	return map[string]interface{}{
		"id":         c.Config.ID,
		"blockType":  c.Config.BlockType,
		"blocks":     children,
		"uiMetaData": c.Config.Options["uiMetaData"],
	}, nil
}

func (c *Container) OnEvent(ctx context.Context, event *engine.Event) error {
	switch event.Input {
	case model.InputRunEvent:
		return c.TriggerEvents(ctx, event.User, event.State, model.OutputRunEvent)
	case model.InputRefreshEvent:
		return c.TriggerEvents(ctx, event.User, event.State, model.OutputRefreshEvent)
	}
	return nil
}
