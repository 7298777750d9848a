// Package multipolicy reconciles cross-policy mint transactions against the
// synchronization topic. Users joined to several policies mint only as much
// as every joined policy has confirmed; the nightly task computes that
// minimum and completes the transactions that fit.
package multipolicy

import (
	"context"
	"errors"
	"sync"

	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/scheduler"
	"policy-engine/internal/storage"

	"go.uber.org/zap"
)

// MintService issues tokens once a transaction is cleared. The ledger-side
// mint mechanics live outside this module.
type MintService interface {
	Mint(ctx context.Context, tokenID string, amount int64, target string, messageIDs []string) error
}

// SynchronizationService runs the reconciliation task of one policy.
type SynchronizationService struct {
	log          *zap.Logger
	policy       *model.Policy
	messages     ledger.MessageService
	transactions storage.TransactionStore
	scheduler    *scheduler.Scheduler
	mint         MintService
	cronMask     string

	mu      sync.Mutex
	running bool
}

func NewSynchronizationService(logger *zap.Logger, policy *model.Policy, messages ledger.MessageService, transactions storage.TransactionStore, sched *scheduler.Scheduler, mint MintService, cronMask string) *SynchronizationService {
	return &SynchronizationService{
		log:          logger,
		policy:       policy,
		messages:     messages,
		transactions: transactions,
		scheduler:    sched,
		mint:         mint,
		cronMask:     cronMask,
	}
}

func (s *SynchronizationService) jobName() string {
	return "sync/" + s.policy.ID
}

// Start registers the cron job. Only published policies with a
// synchronization topic take part.
func (s *SynchronizationService) Start() (bool, error) {
	if s.policy.Status != model.PolicyStatusPublished || s.policy.SynchronizationTopicID == "" {
		return false, nil
	}
	err := s.scheduler.AddJob(s.jobName(), s.cronMask, func(ctx context.Context) {
		if err := s.Sync(ctx); err != nil {
			s.log.Error("synchronization task failed: "+err.Error(),
				zap.String("policyId", s.policy.ID))
		}
	})
	if err != nil {
		return false, errors.New("failed to schedule the synchronization task: " + err.Error())
	}
	s.log.Info("synchronization scheduled",
		zap.String("policyId", s.policy.ID), zap.String("mask", s.cronMask))
	return true, nil
}

func (s *SynchronizationService) Stop() {
	s.scheduler.RemoveJob(s.jobName())
}

// Sync runs one reconciliation pass. An overlapping call is skipped, not
// queued.
func (s *SynchronizationService) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	count, err := s.transactions.CountTransactions(ctx, s.policy.ID)
	if err != nil {
		return errors.New("failed to count pending transactions: " + err.Error())
	}
	if count == 0 {
		return nil
	}

	msgs, err := s.messages.GetTopicMessages(ctx, s.policy.SynchronizationTopicID, 0)
	if err != nil {
		return errors.New("failed to read the synchronization topic: " + err.Error())
	}

	joins, mints := s.partition(msgs)
	for user, userJoins := range joins {
		if err := s.syncUser(ctx, user, userJoins, mints[user]); err != nil {
			s.log.Error("user synchronization failed: "+err.Error(),
				zap.String("policyId", s.policy.ID), zap.String("user", user))
		}
	}
	return nil
}

// partition splits the topic into per-user policy joins and surviving mint
// acknowledgements. A message whose payer does not match its claim is
// dropped; a mint update with amount < 1 retracts the acknowledgement it
// supersedes.
func (s *SynchronizationService) partition(msgs []ledger.Message) (map[string][]*model.SynchronizationMessage, map[string]map[string]*model.SynchronizationMessage) {
	joins := make(map[string][]*model.SynchronizationMessage)
	mints := make(map[string]map[string]*model.SynchronizationMessage)
	for _, msg := range msgs {
		record := decodeSyncMessage(msg)
		if record == nil {
			continue
		}
		switch record.Action {
		case model.MsgCreateMultiPolicy:
			if record.User != msg.Sender {
				continue
			}
			joins[record.User] = append(joins[record.User], record)
		case model.MsgMint:
			if record.PolicyOwner != msg.Sender {
				continue
			}
			if mints[record.User] == nil {
				mints[record.User] = make(map[string]*model.SynchronizationMessage)
			}
			if record.Amount < 1 {
				delete(mints[record.User], record.MessageID)
			} else {
				mints[record.User][record.MessageID] = record
			}
		}
	}
	return joins, mints
}

// syncUser completes the user's waiting transactions that fit under the
// minimum confirmed amount across every policy the user joined.
func (s *SynchronizationService) syncUser(ctx context.Context, user string, joins []*model.SynchronizationMessage, mints map[string]*model.SynchronizationMessage) error {
	if len(mints) == 0 {
		return nil
	}

	perPolicy := make(map[string][]*model.SynchronizationMessage)
	amounts := make(map[string]int64)
	owners := make(map[string]string)
	for _, join := range joins {
		perPolicy[join.Policy] = []*model.SynchronizationMessage{}
		amounts[join.Policy] = 0
		owners[join.Policy] = join.PolicyOwner
	}
	for _, mint := range mints {
		if _, joined := perPolicy[mint.Policy]; joined && owners[mint.Policy] == mint.PolicyOwner {
			perPolicy[mint.Policy] = append(perPolicy[mint.Policy], mint)
			amounts[mint.Policy] += mint.Amount
		}
	}

	var min int64 = -1
	for _, join := range joins {
		if min < 0 || amounts[join.Policy] < min {
			min = amounts[join.Policy]
		}
	}
	if min < 0 {
		return nil
	}

	transactions, err := s.transactions.GetTransactions(ctx, s.policy.ID, user)
	if err != nil {
		return errors.New("failed to load the user's transactions: " + err.Error())
	}
	for _, tx := range transactions {
		if tx.Amount > min {
			continue
		}
		if s.completeTransaction(ctx, tx, joins, perPolicy) {
			min -= tx.Amount
		}
	}
	return nil
}

// completeTransaction consumes the transaction's amount from every joined
// policy's acknowledgements, publishes the updated records and mints. A
// failure marks the transaction Failed so the next pass does not retry it.
func (s *SynchronizationService) completeTransaction(ctx context.Context, tx *model.MultiPolicyTransaction, joins []*model.SynchronizationMessage, perPolicy map[string][]*model.SynchronizationMessage) bool {
	var messageIDs []string
	var updates []*model.SynchronizationMessage
	for _, join := range joins {
		remaining := tx.Amount
		for _, mint := range perPolicy[join.Policy] {
			if remaining <= 0 {
				break
			}
			if mint.Amount <= 0 {
				continue
			}
			updates = append(updates, mint)
			messageIDs = append(messageIDs, mint.MessageID)
			if remaining > mint.Amount {
				remaining -= mint.Amount
				mint.Amount = 0
			} else {
				mint.Amount -= remaining
				remaining = 0
			}
		}
	}

	err := s.publishUpdates(ctx, updates)
	if err == nil {
		err = s.mint.Mint(ctx, tx.TokenID, tx.Amount, tx.Target, messageIDs)
	}
	if err != nil {
		s.log.Error("failed to complete the transaction: "+err.Error(),
			zap.String("policyId", s.policy.ID), zap.String("transactionId", tx.ID))
		tx.Status = model.TransactionStatusFailed
	} else {
		tx.Status = model.TransactionStatusCompleted
	}
	if saveErr := s.transactions.UpdateTransaction(ctx, tx); saveErr != nil {
		s.log.Error("failed to update the transaction: "+saveErr.Error(),
			zap.String("transactionId", tx.ID))
	}
	return err == nil
}

func (s *SynchronizationService) publishUpdates(ctx context.Context, updates []*model.SynchronizationMessage) error {
	for _, update := range updates {
		_, err := s.messages.Publish(ctx, s.policy.SynchronizationTopicID, ledger.Message{
			Action: model.MsgMint,
			Sender: s.policy.Owner,
			Payload: map[string]interface{}{
				"action":      string(model.MsgMint),
				"user":        update.User,
				"policy":      update.Policy,
				"policyOwner": update.PolicyOwner,
				"messageId":   update.MessageID,
				"amount":      update.Amount,
			},
		})
		if err != nil {
			return errors.New("failed to publish the consumed amount: " + err.Error())
		}
	}
	return nil
}

func decodeSyncMessage(msg ledger.Message) *model.SynchronizationMessage {
	if msg.Payload == nil {
		return nil
	}
	record := &model.SynchronizationMessage{Action: msg.Action}
	if action, ok := msg.Payload["action"].(string); ok && action != "" {
		record.Action = model.MessageAction(action)
	}
	record.User, _ = msg.Payload["user"].(string)
	record.Policy, _ = msg.Payload["policy"].(string)
	record.PolicyOwner, _ = msg.Payload["policyOwner"].(string)
	record.MessageID, _ = msg.Payload["messageId"].(string)
	if record.MessageID == "" {
		record.MessageID = msg.ID
	}
	record.Amount = toAmount(msg.Payload["amount"])
	if record.User == "" || record.Policy == "" {
		return nil
	}
	return record
}

func toAmount(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
