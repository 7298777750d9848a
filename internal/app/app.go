// Package app manages the running policy instances and is the surface the
// HTTP layer talks to.
package app

import (
	"context"
	"errors"
	"sync"

	"policy-engine/internal/actions"
	"policy-engine/internal/engine"
	"policy-engine/internal/model"
	"policy-engine/internal/multipolicy"
	"policy-engine/internal/storage"
	"policy-engine/internal/validator"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type App struct {
	logger    *zap.Logger
	services  *engine.Services
	registry  *engine.Registry
	validator *validator.PolicyValidator

	actionRows   storage.ActionStore
	transactions storage.TransactionStore
	syncCronMask string

	mu      sync.Mutex
	running map[string]*runningPolicy
}

type runningPolicy struct {
	instance *engine.PolicyInstance
	relay    *actions.Service
	sync     *multipolicy.SynchronizationService
}

func NewApp(logger *zap.Logger, services *engine.Services, registry *engine.Registry, policyValidator *validator.PolicyValidator, actionRows storage.ActionStore, transactions storage.TransactionStore, syncCronMask string) *App {
	return &App{
		logger:       logger,
		services:     services,
		registry:     registry,
		validator:    policyValidator,
		actionRows:   actionRows,
		transactions: transactions,
		syncCronMask: syncCronMask,
		running:      make(map[string]*runningPolicy),
	}
}

// StartPolicy loads the policy, builds its block instances and starts the
// relay and synchronization services attached to it.
func (a *App) StartPolicy(ctx context.Context, policyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, started := a.running[policyID]; started {
		return nil
	}

	policy, err := a.services.Policies.GetPolicy(ctx, policyID)
	if err != nil {
		return errors.New("failed to load policy " + policyID + ": " + err.Error())
	}

	instance, err := engine.NewPolicyInstance(ctx, a.logger, policy, a.services, a.registry)
	if err != nil {
		return err
	}
	rp := &runningPolicy{instance: instance}

	if policy.ActionsTopicID != "" {
		rp.relay = actions.NewService(a.logger, policy, instance, a.services.Messages, a.actionRows, a.services.Users)
		if err := rp.relay.Start(); err != nil {
			return err
		}
	}

	mint := multipolicy.NewLedgerMintService(a.services.Messages, policy.InstanceTopicID, policy.Owner)
	rp.sync = multipolicy.NewSynchronizationService(
		a.logger, policy, a.services.Messages, a.transactions, a.services.Scheduler, mint, a.syncCronMask)
	if _, err := rp.sync.Start(); err != nil {
		return err
	}

	a.running[policyID] = rp
	a.logger.Info("policy started", zap.String("policyId", policyID))
	return nil
}

// StopPolicy tears the instance down and unschedules its background tasks.
func (a *App) StopPolicy(ctx context.Context, policyID string) error {
	a.mu.Lock()
	rp, started := a.running[policyID]
	delete(a.running, policyID)
	a.mu.Unlock()
	if !started {
		return errors.New("policy " + policyID + " is not running")
	}

	if rp.relay != nil {
		rp.relay.Stop()
	}
	rp.sync.Stop()
	if err := rp.instance.Destroy(ctx); err != nil {
		return err
	}
	a.logger.Info("policy stopped", zap.String("policyId", policyID))
	return nil
}

// ValidatePolicy runs the design-time validator against the stored
// configuration.
func (a *App) ValidatePolicy(ctx context.Context, policyID string) (*validator.SerializedErrors, error) {
	policy, err := a.services.Policies.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, errors.New("failed to load policy " + policyID + ": " + err.Error())
	}
	return a.validator.Validate(ctx, policy), nil
}

// Shutdown stops every running policy, collecting all teardown errors.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = make(map[string]*runningPolicy)
	a.mu.Unlock()

	var allErr error
	for policyID, rp := range running {
		if rp.relay != nil {
			rp.relay.Stop()
		}
		rp.sync.Stop()
		if err := rp.instance.Destroy(ctx); err != nil {
			allErr = multierr.Append(allErr, errors.New("policy "+policyID+": "+err.Error()))
		}
	}
	return allErr
}

func (a *App) instanceOf(policyID string) (*runningPolicy, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rp, started := a.running[policyID]
	if !started {
		return nil, errors.New("policy " + policyID + " is not running")
	}
	return rp, nil
}

func (a *App) resolveUser(ctx context.Context, policyID, did string) (*model.PolicyUser, error) {
	user, err := a.services.Users.GetUserByDID(ctx, policyID, did)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.New("user " + did + " is not registered in policy " + policyID)
	}
	if err != nil {
		return nil, errors.New("failed to resolve the user: " + err.Error())
	}
	return user, nil
}
