package multipolicy

import (
	"context"
	"errors"

	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
)

// LedgerMintService records cleared mints on the policy's instance topic.
// The token-ledger mechanics happen downstream of that record.
type LedgerMintService struct {
	messages ledger.MessageService
	topicID  string
	sender   string
}

func NewLedgerMintService(messages ledger.MessageService, topicID, sender string) *LedgerMintService {
	return &LedgerMintService{messages: messages, topicID: topicID, sender: sender}
}

func (s *LedgerMintService) Mint(ctx context.Context, tokenID string, amount int64, target string, messageIDs []string) error {
	_, err := s.messages.Publish(ctx, s.topicID, ledger.Message{
		Action: model.MsgMint,
		Sender: s.sender,
		Payload: map[string]interface{}{
			"tokenId":    tokenID,
			"amount":     amount,
			"target":     target,
			"messageIds": messageIDs,
		},
	})
	if err != nil {
		return errors.New("failed to record the mint: " + err.Error())
	}
	return nil
}
