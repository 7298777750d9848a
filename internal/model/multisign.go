package model

// SignStatus is the per-signer (and block-level confirmation) state of a
// multi-signature round.
type SignStatus string

const (
	SignStatusNew      SignStatus = "NEW"
	SignStatusSigned   SignStatus = "SIGNED"
	SignStatusDeclined SignStatus = "DECLINED"
)

// IsValid reports whether s is a known sign status.
func (s SignStatus) IsValid() bool {
	return s == SignStatusNew || s == SignStatusSigned || s == SignStatusDeclined
}

// MultiSignRecord is one signer's response for one document under one
// multi-sign block. A record with UserID "" is the block-level confirmation
// record tracking the overall round outcome.
type MultiSignRecord struct {
	ID         string                 `json:"id" bson:"_id"`
	BlockID    string                 `json:"blockId" bson:"blockId"`
	PolicyID   string                 `json:"policyId" bson:"policyId"`
	DocumentID string                 `json:"documentId" bson:"documentId"`
	UserID     string                 `json:"userId,omitempty" bson:"userId,omitempty"`
	Group      string                 `json:"group,omitempty" bson:"group,omitempty"`
	Status     SignStatus             `json:"status" bson:"status"`
	Document   map[string]interface{} `json:"document,omitempty" bson:"document,omitempty"`
}

// SignThreshold returns the number of signatures required for quorum:
// ceil(total * percent / 100).
func SignThreshold(total int, percent float64) int {
	if total <= 0 {
		return 0
	}
	t := int(float64(total) * percent / 100)
	if float64(t)*100 < float64(total)*percent {
		t++
	}
	return t
}

// DeclineThreshold returns the number of declines that make quorum
// unreachable: total - signThreshold + 1. For small groups this can exceed
// total, making decline-quorum unreachable on purpose.
func DeclineThreshold(total int, percent float64) int {
	return total - SignThreshold(total, percent) + 1
}
