package model

// DocumentCategory distinguishes how a stored document was produced.
type DocumentCategory string

const (
	CategoryVC        DocumentCategory = "VC"
	CategoryVP        DocumentCategory = "VP"
	CategoryMultiSign DocumentCategory = "MULTI_SIGN"
	CategoryUnsigned  DocumentCategory = "UNSIGNED"
)

// PolicyDocument wraps a verifiable credential or presentation together with
// the metadata the engine tracks for it. Relationships reference the message
// ids of previously published documents, so the relationship graph is acyclic
// by construction.
type PolicyDocument struct {
	ID       string                 `json:"id" bson:"_id"`
	Owner    string                 `json:"owner" bson:"owner"`
	Group    string                 `json:"group,omitempty" bson:"group,omitempty"`
	Document map[string]interface{} `json:"document" bson:"document"`
	Schema   string                 `json:"schema,omitempty" bson:"schema,omitempty"`
	Type     DocumentCategory       `json:"type,omitempty" bson:"type,omitempty"`
	Hash     string                 `json:"hash,omitempty" bson:"hash,omitempty"`

	Relationships []string          `json:"relationships,omitempty" bson:"relationships,omitempty"`
	Accounts      map[string]string `json:"accounts,omitempty" bson:"accounts,omitempty"`
	Tokens        map[string]string `json:"tokens,omitempty" bson:"tokens,omitempty"`

	MessageID string `json:"messageId,omitempty" bson:"messageId,omitempty"`
	TopicID   string `json:"topicId,omitempty" bson:"topicId,omitempty"`
	PolicyID  string `json:"policyId" bson:"policyId"`

	// Draft/edit flow.
	Draft          bool   `json:"draft,omitempty" bson:"draft,omitempty"`
	DraftID        string `json:"draftId,omitempty" bson:"draftId,omitempty"`
	StartMessageID string `json:"startMessageId,omitempty" bson:"startMessageId,omitempty"`
}

// CredentialSubject returns the first credential subject of the wrapped
// document, nil when the document carries none.
func (d *PolicyDocument) CredentialSubject() map[string]interface{} {
	if d == nil || d.Document == nil {
		return nil
	}
	switch subject := d.Document["credentialSubject"].(type) {
	case map[string]interface{}:
		return subject
	case []interface{}:
		if len(subject) > 0 {
			first, _ := subject[0].(map[string]interface{})
			return first
		}
	}
	return nil
}

// ScopeID is the grouping identity of a document: its group when it belongs
// to one, otherwise its owner.
func (d *PolicyDocument) ScopeID() string {
	if d.Group != "" {
		return d.Group
	}
	return d.Owner
}

// Clone copies the declared fields of a document. Internal-only fields never
// leak into new entities; new ids are assigned by the caller.
func (d *PolicyDocument) Clone() *PolicyDocument {
	if d == nil {
		return nil
	}
	c := &PolicyDocument{
		ID:             d.ID,
		Owner:          d.Owner,
		Group:          d.Group,
		Schema:         d.Schema,
		Type:           d.Type,
		Hash:           d.Hash,
		MessageID:      d.MessageID,
		TopicID:        d.TopicID,
		PolicyID:       d.PolicyID,
		Draft:          d.Draft,
		DraftID:        d.DraftID,
		StartMessageID: d.StartMessageID,
	}
	if d.Document != nil {
		c.Document = deepCopyMap(d.Document)
	}
	if d.Relationships != nil {
		c.Relationships = append([]string(nil), d.Relationships...)
	}
	if d.Accounts != nil {
		c.Accounts = make(map[string]string, len(d.Accounts))
		for k, v := range d.Accounts {
			c.Accounts[k] = v
		}
	}
	if d.Tokens != nil {
		c.Tokens = make(map[string]string, len(d.Tokens))
		for k, v := range d.Tokens {
			c.Tokens[k] = v
		}
	}
	return c
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// AggregateVC is the transient holding record an aggregate block keeps for a
// document. SourceDocumentID remembers the original identity so a release
// restores it exactly.
type AggregateVC struct {
	ID               string          `json:"id" bson:"_id"`
	BlockID          string          `json:"blockId" bson:"blockId"`
	PolicyID         string          `json:"policyId" bson:"policyId"`
	Owner            string          `json:"owner" bson:"owner"`
	Group            string          `json:"group,omitempty" bson:"group,omitempty"`
	SourceDocumentID string          `json:"sourceDocumentId" bson:"sourceDocumentId"`
	Document         *PolicyDocument `json:"document" bson:"document"`
}

// ScopeID mirrors PolicyDocument.ScopeID for held records.
func (a *AggregateVC) ScopeID() string {
	if a.Group != "" {
		return a.Group
	}
	return a.Owner
}
