package model

// ActionStatus tracks a cross-instance relay row.
type ActionStatus string

const (
	ActionStatusNew       ActionStatus = "NEW"
	ActionStatusCompleted ActionStatus = "COMPLETED"
	ActionStatusRejected  ActionStatus = "REJECTED"
	ActionStatusError     ActionStatus = "ERROR"
)

// ActionKind distinguishes the two relay directions.
type ActionKind string

const (
	ActionKindAction  ActionKind = "ACTION"
	ActionKindRequest ActionKind = "REQUEST"
)

// MessageAction names a ledger message of the actions protocol.
type MessageAction string

const (
	MsgCreatePolicyAction  MessageAction = "create-policy-action"
	MsgUpdatePolicyAction  MessageAction = "update-policy-action"
	MsgErrorPolicyAction   MessageAction = "error-policy-action"
	MsgCreatePolicyRequest MessageAction = "create-policy-request"
	MsgUpdatePolicyRequest MessageAction = "update-policy-request"
	MsgErrorPolicyRequest  MessageAction = "error-policy-request"

	MsgCreateVP          MessageAction = "create-vp-document"
	MsgCreateMultiPolicy MessageAction = "create-multi-policy"
	MsgMint              MessageAction = "mint"
)

// PolicyAction is one row of the cross-instance relay ledger. Rows are keyed
// by the ledger message id: replaying a message updates the row in place.
type PolicyAction struct {
	UUID           string                 `json:"uuid" bson:"uuid"`
	Kind           ActionKind             `json:"kind" bson:"kind"`
	Owner          string                 `json:"owner" bson:"owner"`
	AccountID      string                 `json:"accountId" bson:"accountId"`
	Sender         string                 `json:"sender,omitempty" bson:"sender,omitempty"`
	BlockTag       string                 `json:"blockTag" bson:"blockTag"`
	MessageID      string                 `json:"messageId" bson:"messageId"`
	StartMessageID string                 `json:"startMessageId" bson:"startMessageId"`
	TopicID        string                 `json:"topicId" bson:"topicId"`
	PolicyID       string                 `json:"policyId" bson:"policyId"`
	Status         ActionStatus           `json:"status" bson:"status"`
	LastStatus     ActionStatus           `json:"lastStatus" bson:"lastStatus"`
	Document       map[string]interface{} `json:"document,omitempty" bson:"document,omitempty"`
	Index          int64                  `json:"index,omitempty" bson:"index,omitempty"`
}

// SynchronizationMessage is one record of the cross-policy synchronization
// topic: either a policy join or a mint acknowledgement.
type SynchronizationMessage struct {
	Action      MessageAction `json:"action" bson:"action"`
	User        string        `json:"user" bson:"user"`
	Policy      string        `json:"policy" bson:"policy"`
	PolicyOwner string        `json:"policyOwner" bson:"policyOwner"`
	MessageID   string        `json:"messageId" bson:"messageId"`
	Amount      int64         `json:"amount,omitempty" bson:"amount,omitempty"`
}

// TransactionStatus tracks a pending cross-policy mint.
type TransactionStatus string

const (
	TransactionStatusWaiting   TransactionStatus = "Waiting"
	TransactionStatusCompleted TransactionStatus = "Completed"
	TransactionStatusFailed    TransactionStatus = "Failed"
)

// MultiPolicyTransaction is a mint pending reconciliation against the
// synchronization topic.
type MultiPolicyTransaction struct {
	ID       string            `json:"id" bson:"_id"`
	PolicyID string            `json:"policyId" bson:"policyId"`
	User     string            `json:"user" bson:"user"`
	TokenID  string            `json:"tokenId" bson:"tokenId"`
	Amount   int64             `json:"amount" bson:"amount"`
	Target   string            `json:"target" bson:"target"`
	Status   TransactionStatus `json:"status" bson:"status"`
}
