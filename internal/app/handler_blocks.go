package app

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// GetBlockData returns the block's interactive payload for one user.
func (a *App) GetBlockData(ctx context.Context, policyID, tag, did string) (map[string]interface{}, error) {
	rp, err := a.instanceOf(policyID)
	if err != nil {
		return nil, err
	}
	user, err := a.resolveUser(ctx, policyID, did)
	if err != nil {
		return nil, err
	}
	block, ok := rp.instance.GetBlockByTag(tag)
	if !ok {
		return nil, errors.New("block " + tag + " not found in policy " + policyID)
	}
	return block.GetData(ctx, user)
}

// SetBlockData hands a user payload to the block and runs the resulting
// event chain synchronously.
func (a *App) SetBlockData(ctx context.Context, policyID, tag, did string, data map[string]interface{}) (map[string]interface{}, error) {
	rp, err := a.instanceOf(policyID)
	if err != nil {
		return nil, err
	}
	user, err := a.resolveUser(ctx, policyID, did)
	if err != nil {
		return nil, err
	}
	block, ok := rp.instance.GetBlockByTag(tag)
	if !ok {
		return nil, errors.New("block " + tag + " not found in policy " + policyID)
	}

	a.logger.Info("block action",
		zap.String("policyId", policyID), zap.String("tag", tag), zap.String("did", did))
	return block.SetData(ctx, user, data)
}

// RemoveUser takes a user out of the policy and lets the blocks re-evaluate
// group state.
func (a *App) RemoveUser(ctx context.Context, policyID, did string) error {
	rp, err := a.instanceOf(policyID)
	if err != nil {
		return err
	}
	user, err := a.resolveUser(ctx, policyID, did)
	if err != nil {
		return err
	}
	return rp.instance.RemoveUser(ctx, user)
}
