package model

// Built-in permission names, always resolvable in addition to policy roles.
const (
	RoleNone  = "NO_ROLE"
	RoleAny   = "ANY_ROLE"
	RoleOwner = "OWNER"
)

// PolicyUser is the acting identity of a block operation within one policy.
type PolicyUser struct {
	ID        string `json:"id" bson:"_id"`
	DID       string `json:"did" bson:"did"`
	Username  string `json:"username,omitempty" bson:"username,omitempty"`
	AccountID string `json:"accountId,omitempty" bson:"accountId,omitempty"`
	Role      string `json:"role,omitempty" bson:"role,omitempty"`
	Group     string `json:"group,omitempty" bson:"group,omitempty"`
	PolicyID  string `json:"policyId" bson:"policyId"`
}

/// ScopeID is the user's grouping identity: the group when joined, the DID
// otherwise.
func (u *PolicyUser) ScopeID() string {
	if u == nil {
		return ""
	}
	if u.Group != "" {
		return u.Group
	}
	return u.DID
}
