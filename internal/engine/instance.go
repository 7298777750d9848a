package engine

import (
	"context"
	"errors"

	"policy-engine/internal/model"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PolicyInstance is one running policy: the live blocks built from the
// configuration tree plus the dispatcher routing their events. Module and
// tool boundaries exist at design time only; at run time their children are
// flattened into the instance.
type PolicyInstance struct {
	log      *zap.Logger
	policy   *model.Policy
	services *Services

	blocksByTag map[string]Block
	blocksByID  map[string]Block
	order       []Block
	dispatcher  *Dispatcher
}

// NewPolicyInstance builds every block of the policy, validates all event
// bindings and runs the init lifecycle. Any failure aborts the load.
func NewPolicyInstance(ctx context.Context, logger *zap.Logger, policy *model.Policy, services *Services, registry *Registry) (*PolicyInstance, error) {
	if policy.Config == nil {
		return nil, errors.New("policy " + policy.ID + " has no configuration")
	}

	inst := &PolicyInstance{
		log:         logger,
		policy:      policy,
		services:    services,
		blocksByTag: make(map[string]Block),
		blocksByID:  make(map[string]Block),
	}
	inst.dispatcher = NewDispatcher(logger, policy, services.Users)

	var bindings []model.EventBinding
	if err := inst.buildTree(policy.Config, registry, &bindings); err != nil {
		return nil, err
	}

	for _, eb := range bindings {
		source := inst.blocksByTag[eb.SourceTag]
		target := inst.blocksByTag[eb.TargetTag]
		if err := inst.dispatcher.AddBinding(eb, source, target); err != nil {
			return nil, errors.New("policy " + policy.ID + ": " + err.Error())
		}
	}

	for _, block := range inst.order {
		if err := block.BeforeInit(ctx); err != nil {
			return nil, err
		}
	}
	for _, block := range inst.order {
		if err := block.AfterInit(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("policy instance ready",
		zap.String("policyId", policy.ID),
		zap.Int("blocks", len(inst.order)))
	return inst, nil
}

func (p *PolicyInstance) buildTree(cfg *model.BlockConfig, registry *Registry, bindings *[]model.EventBinding) error {
	switch cfg.BlockType {
	case model.BlockTypeModule, model.BlockTypeTool:
		// design-time wrapper: collect its bindings, flatten its children
		*bindings = append(*bindings, cfg.Events...)
		for _, child := range cfg.Children {
			if err := p.buildTree(child, registry, bindings); err != nil {
				return err
			}
		}
		return nil
	}

	ref := &Ref{
		Policy:     p.policy,
		Config:     cfg,
		Services:   p.services,
		dispatcher: p.dispatcher,
	}
	block, err := registry.New(ref)
	if err != nil {
		return errors.New("policy " + p.policy.ID + ", block " + cfg.Tag + ": " + err.Error())
	}

	if _, exists := p.blocksByID[cfg.ID]; exists {
		return errors.New("policy " + p.policy.ID + ": duplicate block id " + cfg.ID)
	}
	// tags may be shared; the first block in tree order answers tag lookups
	if _, exists := p.blocksByTag[cfg.Tag]; !exists {
		p.blocksByTag[cfg.Tag] = block
	}
	p.blocksByID[cfg.ID] = block
	p.order = append(p.order, block)
	*bindings = append(*bindings, cfg.Events...)

	for _, child := range cfg.Children {
		if err := p.buildTree(child, registry, bindings); err != nil {
			return err
		}
	}
	return nil
}

// Policy returns the configuration this instance runs.
func (p *PolicyInstance) Policy() *model.Policy { return p.policy }

// GetBlockByTag resolves a live block by its tag.
func (p *PolicyInstance) GetBlockByTag(tag string) (Block, bool) {
	block, ok := p.blocksByTag[tag]
	return block, ok
}

// GetBlockByID resolves a live block by its configuration id.
func (p *PolicyInstance) GetBlockByID(id string) (Block, bool) {
	block, ok := p.blocksByID[id]
	return block, ok
}

// RemoveUser removes a user from the policy and lets interested blocks
// re-evaluate their state against the shrunk group.
func (p *PolicyInstance) RemoveUser(ctx context.Context, user *model.PolicyUser) error {
	if err := p.services.Users.RemoveUser(ctx, p.policy.ID, user.DID); err != nil {
		return errors.New("failed to remove the user: " + err.Error())
	}
	for _, block := range p.order {
		handler, ok := block.(UserRemovedHandler)
		if !ok {
			continue
		}
		if err := handler.OnRemoveUser(ctx, user); err != nil {
			p.log.Error("block failed to handle the user removal: "+err.Error(),
				zap.String("blockId", block.ID()))
			return err
		}
	}
	return nil
}

// Destroy tears the instance down in reverse build order, collecting every
// block error.
func (p *PolicyInstance) Destroy(ctx context.Context) error {
	var allErr error
	for i := len(p.order) - 1; i >= 0; i-- {
		if err := p.order[i].Destroy(ctx); err != nil {
			allErr = multierr.Append(allErr, err)
		}
	}
	return allErr
}
