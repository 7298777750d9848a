package engine

import (
	"context"

	"policy-engine/internal/credentials"
	"policy-engine/internal/expression"
	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/scheduler"
	"policy-engine/internal/storage"

	"go.uber.org/zap"
)

// Services bundles every collaborator a block may need. The composition root
// fills it once per process; the same bundle is shared by all instances.
type Services struct {
	Logger *zap.Logger

	Policies  storage.PolicyStore
	Documents storage.DocumentStore
	Aggregate storage.AggregateStore
	MultiSign storage.MultiSignStore
	State     storage.StateStore
	Users     storage.UserStore
	Artifacts storage.ArtifactStore
	Schemas   storage.SchemaRegistry

	Issuer      credentials.Issuer
	Messages    ledger.MessageService
	Scheduler   *scheduler.Scheduler
	Expressions *expression.Engine
}

// Ref ties a block instance to its policy, configuration node and the
// dispatcher of its instance.
type Ref struct {
	Policy   *model.Policy
	Config   *model.BlockConfig
	Services *Services

	dispatcher *Dispatcher
}

// Log returns the shared logger, never nil.
func (r *Ref) Log() *zap.Logger {
	if r.Services == nil || r.Services.Logger == nil {
		return zap.NewNop()
	}
	return r.Services.Logger
}

// GetState loads this block's runtime state for a user, creating an empty
// state lazily. Shared block state uses an empty user id.
func (r *Ref) GetState(ctx context.Context, userID string) (map[string]interface{}, error) {
	return r.Services.State.GetState(ctx, r.Policy.ID, r.Config.ID, userID)
}

// SaveState persists this block's runtime state for a user.
func (r *Ref) SaveState(ctx context.Context, userID string, state map[string]interface{}) error {
	return r.Services.State.SaveState(ctx, r.Policy.ID, r.Config.ID, userID, state)
}

// TriggerEvents dispatches this block's output events in the fixed engine
// order: RunEvent targets first, then ReleaseEvent, then RefreshEvent, then
// any remaining outputs in the given order. Dispatch is synchronous; the
// first failing target aborts the whole chain.
func (r *Ref) TriggerEvents(ctx context.Context, user *model.PolicyUser, state *EventState, outputs ...model.OutputEvent) error {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.DispatchOrdered(ctx, r.Config, user, state, nil, outputs...)
}

// TriggerScoped dispatches outputs carrying timer scope ids.
func (r *Ref) TriggerScoped(ctx context.Context, user *model.PolicyUser, state *EventState, scopeIDs []string, outputs ...model.OutputEvent) error {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.DispatchOrdered(ctx, r.Config, user, state, scopeIDs, outputs...)
}
