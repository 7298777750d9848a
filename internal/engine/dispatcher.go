package engine

import (
	"context"
	"errors"

	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"go.uber.org/zap"
)

type bindingKey struct {
	sourceTag string
	output    model.OutputEvent
}

type binding struct {
	model.EventBinding
	target Block
}

// Dispatcher routes output events to their bound targets. Routing is fully
// synchronous: a dispatched chain runs to completion inside the caller's
// stack, and the first failing target aborts the rest of the chain. Work
// already committed by earlier targets stays committed.
type Dispatcher struct {
	log    *zap.Logger
	policy *model.Policy
	users  storage.UserStore

	// per key, bindings keep their declaration order
	bindings map[bindingKey][]*binding
}

func NewDispatcher(logger *zap.Logger, policy *model.Policy, users storage.UserStore) *Dispatcher {
	return &Dispatcher{
		log:      logger,
		policy:   policy,
		users:    users,
		bindings: make(map[bindingKey][]*binding),
	}
}

// AddBinding registers one event edge. Every field is checked here so an
// invalid binding fails the policy load, never a live dispatch.
func (d *Dispatcher) AddBinding(eb model.EventBinding, source, target Block) error {
	if !eb.OutputEvent.IsValid() {
		return errors.New("unknown output event " + string(eb.OutputEvent) + " on binding " + eb.SourceTag + " -> " + eb.TargetTag)
	}
	if !eb.InputEvent.IsValid() {
		return errors.New("unknown input event " + string(eb.InputEvent) + " on binding " + eb.SourceTag + " -> " + eb.TargetTag)
	}
	if source == nil {
		return errors.New("binding source block not found: " + eb.SourceTag)
	}
	if target == nil {
		return errors.New("binding target block not found: " + eb.TargetTag)
	}
	if about, ok := model.AboutOf(source.BlockType()); ok && !about.Emits(eb.OutputEvent) {
		return errors.New("block " + eb.SourceTag + " (" + source.BlockType() + ") does not emit " + string(eb.OutputEvent))
	}
	if about, ok := model.AboutOf(target.BlockType()); ok && !about.Accepts(eb.InputEvent) {
		return errors.New("block " + eb.TargetTag + " (" + target.BlockType() + ") does not accept " + string(eb.InputEvent))
	}
	switch eb.Actor {
	case "", model.ActorOwner, model.ActorEventInitiator:
	default:
		return errors.New("unknown actor " + string(eb.Actor) + " on binding " + eb.SourceTag + " -> " + eb.TargetTag)
	}

	key := bindingKey{sourceTag: eb.SourceTag, output: eb.OutputEvent}
	d.bindings[key] = append(d.bindings[key], &binding{EventBinding: eb, target: target})
	return nil
}

// Dispatch delivers one output event of a source block to its bound targets
// in declaration order. Disabled bindings are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, source *model.BlockConfig, output model.OutputEvent, user *model.PolicyUser, state *EventState, scopeIDs []string) error {
	key := bindingKey{sourceTag: source.Tag, output: output}
	for _, b := range d.bindings[key] {
		if b.Disabled {
			continue
		}
		actor, err := d.resolveActor(ctx, b.Actor, user)
		if err != nil {
			return err
		}
		event := &Event{
			Input:    b.InputEvent,
			SourceID: source.ID,
			User:     actor,
			State:    state,
			ScopeIDs: scopeIDs,
		}
		d.log.Debug("dispatching event",
			zap.String("source", source.Tag),
			zap.String("output", string(output)),
			zap.String("target", b.TargetTag),
			zap.String("input", string(b.InputEvent)))
		if err := b.target.OnEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// DispatchOrdered dispatches several outputs of one source with the fixed
// engine ordering: RunEvent first, then ReleaseEvent, then RefreshEvent,
// then the remaining outputs in the given order.
func (d *Dispatcher) DispatchOrdered(ctx context.Context, source *model.BlockConfig, user *model.PolicyUser, state *EventState, scopeIDs []string, outputs ...model.OutputEvent) error {
	for _, output := range orderOutputs(outputs) {
		if err := d.Dispatch(ctx, source, output, user, state, scopeIDs); err != nil {
			return err
		}
	}
	return nil
}

func orderOutputs(outputs []model.OutputEvent) []model.OutputEvent {
	ordered := make([]model.OutputEvent, 0, len(outputs))
	for _, fixed := range []model.OutputEvent{model.OutputRunEvent, model.OutputReleaseEvent, model.OutputRefreshEvent} {
		for _, out := range outputs {
			if out == fixed {
				ordered = append(ordered, out)
			}
		}
	}
	for _, out := range outputs {
		switch out {
		case model.OutputRunEvent, model.OutputReleaseEvent, model.OutputRefreshEvent:
		default:
			ordered = append(ordered, out)
		}
	}
	return ordered
}

func (d *Dispatcher) resolveActor(ctx context.Context, actor model.EventActor, initiator *model.PolicyUser) (*model.PolicyUser, error) {
	switch actor {
	case model.ActorOwner:
		owner, err := d.users.GetUserByDID(ctx, d.policy.ID, d.policy.Owner)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return &model.PolicyUser{
					DID:      d.policy.Owner,
					Role:     model.RoleOwner,
					PolicyID: d.policy.ID,
				}, nil
			}
			return nil, errors.New("failed to resolve the policy owner: " + err.Error())
		}
		return owner, nil
	default:
		// event-initiator and unset both run under the triggering user
		return initiator, nil
	}
}
