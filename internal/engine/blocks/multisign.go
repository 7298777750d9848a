package blocks

import (
	"context"
	"errors"

	"policy-engine/internal/credentials"
	"policy-engine/internal/engine"
	"policy-engine/internal/ledger"
	"policy-engine/internal/model"
	"policy-engine/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MultiSign collects signatures for a document from the members of the
// owner's group. Quorum at ceil(total*threshold/100) signatures produces a
// verifiable presentation; enough declines make quorum unreachable and close
// the round as insufficient.
type MultiSign struct {
	engine.Base

	threshold float64
}

func NewMultiSign(ref *engine.Ref) (*MultiSign, error) {
	threshold, ok := ref.Config.OptionFloat("threshold")
	if !ok {
		threshold = 100
	}
	if threshold <= 0 || threshold > 100 {
		return nil, errors.New("multi-sign threshold must be in (0, 100]")
	}
	return &MultiSign{Base: engine.NewBase(ref), threshold: threshold}, nil
}

// OnEvent opens a signature round for every incoming document.
func (m *MultiSign) OnEvent(ctx context.Context, event *engine.Event) error {
	if event.Input != model.InputRunEvent || event.State == nil {
		return nil
	}
	for _, doc := range event.State.Documents {
		existing, err := m.Services.MultiSign.GetConfirmation(ctx, m.Config.ID, doc.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return m.Err("failed to load the confirmation record: " + err.Error())
		}
		if existing != nil {
			continue
		}
		rec := &model.MultiSignRecord{
			ID:         uuid.NewString(),
			BlockID:    m.Config.ID,
			PolicyID:   m.Policy.ID,
			DocumentID: doc.ID,
			Group:      doc.ScopeID(),
			Status:     model.SignStatusNew,
			Document:   doc.Document,
		}
		if err := m.Services.MultiSign.SetConfirmation(ctx, rec); err != nil {
			return m.Err("failed to open the signature round: " + err.Error())
		}
		m.Log().Info("signature round opened",
			zap.String("blockId", m.Config.ID), zap.String("documentId", doc.ID))
	}
	return nil
}

// GetData reports the state of the open rounds in the caller's group plus the
// caller's own response per document.
func (m *MultiSign) GetData(ctx context.Context, user *model.PolicyUser) (map[string]interface{}, error) {
	recs, err := m.Services.MultiSign.GetSignaturesByGroup(ctx, m.Config.ID, user.ScopeID())
	if err != nil {
		return nil, m.Err("failed to load the signature records: " + err.Error())
	}
	total, err := m.groupSize(ctx, user.ScopeID())
	if err != nil {
		return nil, err
	}

	byDoc := make(map[string][]*model.MultiSignRecord)
	var order []string
	for _, rec := range recs {
		if rec.UserID == "" {
			continue
		}
		if _, seen := byDoc[rec.DocumentID]; !seen {
			order = append(order, rec.DocumentID)
		}
		byDoc[rec.DocumentID] = append(byDoc[rec.DocumentID], rec)
	}

	documents := make([]interface{}, 0, len(order))
	for _, docID := range order {
		documents = append(documents, m.documentStats(byDoc[docID], docID, total, user))
	}
	return map[string]interface{}{
		"id":                m.Config.ID,
		"blockType":         m.Config.BlockType,
		"threshold":         m.threshold,
		"total":             total,
		"signedThreshold":   model.SignThreshold(total, m.threshold),
		"declinedThreshold": model.DeclineThreshold(total, m.threshold),
		"documents":         documents,
	}, nil
}

func (m *MultiSign) documentStats(recs []*model.MultiSignRecord, docID string, total int, user *model.PolicyUser) map[string]interface{} {
	signed, declined := 0, 0
	own := string(model.SignStatusNew)
	for _, rec := range recs {
		switch rec.Status {
		case model.SignStatusSigned:
			signed++
		case model.SignStatusDeclined:
			declined++
		}
		if rec.UserID == user.DID {
			own = string(rec.Status)
		}
	}
	signedPercent, declinedPercent := 0.0, 0.0
	if total > 0 {
		signedPercent = float64(signed) * 100 / float64(total)
		declinedPercent = float64(declined) * 100 / float64(total)
	}
	return map[string]interface{}{
		"documentId":      docID,
		"signed":          signed,
		"declined":        declined,
		"signedPercent":   signedPercent,
		"declinedPercent": declinedPercent,
		"status":          own,
	}
}

// SetData records the caller's response for a document: status SIGNED or
// DECLINED, exactly once per user.
func (m *MultiSign) SetData(ctx context.Context, user *model.PolicyUser, data map[string]interface{}) (map[string]interface{}, error) {
	docID, _ := data["documentId"].(string)
	status, _ := data["status"].(string)
	if docID == "" {
		return nil, m.Err("documentId is required")
	}
	signStatus := model.SignStatus(status)
	if signStatus != model.SignStatusSigned && signStatus != model.SignStatusDeclined {
		return nil, m.Err("status must be SIGNED or DECLINED")
	}

	confirmation, err := m.Services.MultiSign.GetConfirmation(ctx, m.Config.ID, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.Err("no open signature round for document " + docID)
		}
		return nil, m.Err("failed to load the confirmation record: " + err.Error())
	}
	if confirmation.Status != model.SignStatusNew {
		return nil, m.Err("the signature round for document " + docID + " is already closed")
	}

	if existing, err := m.Services.MultiSign.GetSignature(ctx, m.Config.ID, docID, user.DID); err == nil && existing != nil {
		return nil, m.Err("user " + user.DID + " already responded for document " + docID)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, m.Err("failed to load the signature record: " + err.Error())
	}

	rec := &model.MultiSignRecord{
		ID:         uuid.NewString(),
		BlockID:    m.Config.ID,
		PolicyID:   m.Policy.ID,
		DocumentID: docID,
		UserID:     user.DID,
		Group:      user.ScopeID(),
		Status:     signStatus,
	}
	if signStatus == model.SignStatusSigned {
		subject, _ := data["document"].(map[string]interface{})
		if subject == nil {
			subject = confirmation.Document
		}
		signed, err := m.Services.Issuer.Sign(ctx, subject, user.DID, credentials.Options{Group: user.Group})
		if err != nil {
			return nil, m.Err("failed to sign the document: " + err.Error())
		}
		rec.Document = signed
	}
	if err := m.Services.MultiSign.AddSignature(ctx, rec); err != nil {
		return nil, m.Err("failed to store the response: " + err.Error())
	}

	if err := m.evaluate(ctx, user, confirmation); err != nil {
		return nil, err
	}
	return m.GetData(ctx, user)
}

// evaluate checks the thresholds for one open round and closes it when a
// quorum is reached either way.
func (m *MultiSign) evaluate(ctx context.Context, user *model.PolicyUser, confirmation *model.MultiSignRecord) error {
	total, err := m.groupSize(ctx, confirmation.Group)
	if err != nil {
		return err
	}
	recs, err := m.Services.MultiSign.GetSignatures(ctx, m.Config.ID, confirmation.DocumentID, confirmation.Group)
	if err != nil {
		return m.Err("failed to load the signature records: " + err.Error())
	}

	signed := 0
	declined := 0
	var credentialsSigned []map[string]interface{}
	for _, rec := range recs {
		if rec.UserID == "" {
			continue
		}
		switch rec.Status {
		case model.SignStatusSigned:
			signed++
			if rec.Document != nil {
				credentialsSigned = append(credentialsSigned, rec.Document)
			}
		case model.SignStatusDeclined:
			declined++
		}
	}

	signThreshold := model.SignThreshold(total, m.threshold)
	declineThreshold := model.DeclineThreshold(total, m.threshold)

	if signed >= signThreshold {
		return m.closeSigned(ctx, user, confirmation, credentialsSigned)
	}
	if declined >= declineThreshold {
		confirmation.Status = model.SignStatusDeclined
		if err := m.Services.MultiSign.SetConfirmation(ctx, confirmation); err != nil {
			return m.Err("failed to close the round: " + err.Error())
		}
		m.Log().Info("signature round closed as insufficient",
			zap.String("blockId", m.Config.ID), zap.String("documentId", confirmation.DocumentID))
		return m.TriggerEvents(ctx, user, nil,
			model.OutputSignatureSetInsufficientEvent, model.OutputRefreshEvent)
	}
	return nil
}

func (m *MultiSign) closeSigned(ctx context.Context, user *model.PolicyUser, confirmation *model.MultiSignRecord, signedCredentials []map[string]interface{}) error {
	vp, err := m.Services.Issuer.CreatePresentation(ctx, signedCredentials, m.Policy.Owner)
	if err != nil {
		return m.Err("failed to create the presentation: " + err.Error())
	}

	doc := &model.PolicyDocument{
		ID:       uuid.NewString(),
		Owner:    m.Policy.Owner,
		Group:    confirmation.Group,
		Document: vp,
		Type:     model.CategoryVP,
		PolicyID: m.Policy.ID,
		TopicID:  m.Policy.InstanceTopicID,
	}
	messageID, err := m.Services.Messages.Publish(ctx, m.Policy.InstanceTopicID, ledger.Message{
		Action:  model.MsgCreateVP,
		Sender:  m.Policy.Owner,
		Payload: map[string]interface{}{"document": vp, "documentId": confirmation.DocumentID},
	})
	if err != nil {
		return m.Err("failed to publish the presentation: " + err.Error())
	}
	doc.MessageID = messageID
	if err := m.Services.Documents.SaveDocument(ctx, doc); err != nil {
		return m.Err("failed to save the presentation: " + err.Error())
	}

	confirmation.Status = model.SignStatusSigned
	if err := m.Services.MultiSign.SetConfirmation(ctx, confirmation); err != nil {
		return m.Err("failed to close the round: " + err.Error())
	}
	m.Log().Info("signature quorum reached",
		zap.String("blockId", m.Config.ID), zap.String("documentId", confirmation.DocumentID))

	return m.TriggerEvents(ctx, user, engine.StateOf(doc),
		model.OutputSignatureQuorumReachedEvent, model.OutputRefreshEvent)
}

// OnRemoveUser re-evaluates every open round of the removed user's group
// against the shrunk member count.
func (m *MultiSign) OnRemoveUser(ctx context.Context, user *model.PolicyUser) error {
	recs, err := m.Services.MultiSign.GetSignaturesByGroup(ctx, m.Config.ID, user.ScopeID())
	if err != nil {
		return m.Err("failed to load the signature records: " + err.Error())
	}
	seen := make(map[string]bool)
	for _, rec := range recs {
		if rec.UserID != "" || rec.Status != model.SignStatusNew || seen[rec.DocumentID] {
			continue
		}
		seen[rec.DocumentID] = true
		if err := m.evaluate(ctx, user, rec); err != nil {
			return err
		}
	}
	return nil
}

// groupSize counts the members eligible to sign: the users sharing the scope.
func (m *MultiSign) groupSize(ctx context.Context, scopeID string) (int, error) {
	users, err := m.Services.Users.GetUsersByRole(ctx, m.Policy.ID, scopeID, model.RoleAny)
	if err != nil {
		return 0, m.Err("failed to load the group members: " + err.Error())
	}
	if len(users) == 0 {
		// a scope without a joined group is the single owner
		return 1, nil
	}
	return len(users), nil
}
