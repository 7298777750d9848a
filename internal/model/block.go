package model

// EventActor defines whose identity a dispatched event runs under.
type EventActor string

const (
	ActorOwner          EventActor = "owner"
	ActorEventInitiator EventActor = "event-initiator"
)

// EventBinding is a directed edge of the policy event graph: it routes one
// block's output event to another block's input event. Bindings sharing a
// source/output pair fan out in declaration order.
type EventBinding struct {
	SourceTag   string      `json:"source" bson:"source"`
	OutputEvent OutputEvent `json:"output" bson:"output"`
	TargetTag   string      `json:"target" bson:"target"`
	InputEvent  InputEvent  `json:"input" bson:"input"`
	Actor       EventActor  `json:"actor,omitempty" bson:"actor,omitempty"`
	Disabled    bool        `json:"disabled,omitempty" bson:"disabled,omitempty"`
}

// ArtifactRef points at an uploaded artifact used by a block.
type ArtifactRef struct {
	UUID string `json:"uuid" bson:"uuid"`
	Name string `json:"name,omitempty" bson:"name,omitempty"`
	Type string `json:"type,omitempty" bson:"type,omitempty"`
}

const (
	ArtifactTypeJSON = "json"
	ArtifactTypeCode = "code"
)

// Variable is a typed placeholder declared by a module or tool; the embedding
// policy binds it at publish time.
type Variable struct {
	Name       string `json:"name" bson:"name"`
	Type       string `json:"type" bson:"type"`
	BaseSchema string `json:"baseSchema,omitempty" bson:"baseSchema,omitempty"`
}

const (
	VariableSchema        = "Schema"
	VariableToken         = "Token"
	VariableRole          = "Role"
	VariableGroup         = "Group"
	VariableTokenTemplate = "TokenTemplate"
	VariableTopic         = "Topic"
	VariableString        = "String"
)

// ModuleEvent is an input or output event declared on a module boundary.
type ModuleEvent struct {
	Name string `json:"name" bson:"name"`
}

// BlockConfig is one node of a policy's configuration tree. It is pure data:
// validated at design time, interpreted by the engine at run time.
type BlockConfig struct {
	ID          string                 `json:"id" bson:"id"`
	BlockType   string                 `json:"blockType" bson:"blockType"`
	Tag         string                 `json:"tag" bson:"tag"`
	Options     map[string]interface{} `json:"options,omitempty" bson:"options,omitempty"`
	Children    []*BlockConfig         `json:"children,omitempty" bson:"children,omitempty"`
	Permissions []string               `json:"permissions,omitempty" bson:"permissions,omitempty"`
	Artifacts   []ArtifactRef          `json:"artifacts,omitempty" bson:"artifacts,omitempty"`
	Events      []EventBinding         `json:"events,omitempty" bson:"events,omitempty"`

	// Module/tool sub-graphs carry their own namespaces.
	Variables    []Variable    `json:"variables,omitempty" bson:"variables,omitempty"`
	InputEvents  []ModuleEvent `json:"inputEvents,omitempty" bson:"inputEvents,omitempty"`
	OutputEvents []ModuleEvent `json:"outputEvents,omitempty" bson:"outputEvents,omitempty"`

	// Published tools are matched by message id and content hash.
	MessageID string `json:"messageId,omitempty" bson:"messageId,omitempty"`
	Hash      string `json:"hash,omitempty" bson:"hash,omitempty"`
}

// OptionString returns a string option, "" when absent or of another type.
func (b *BlockConfig) OptionString(name string) string {
	if b.Options == nil {
		return ""
	}
	s, _ := b.Options[name].(string)
	return s
}

// OptionBool returns a boolean option, false when absent.
func (b *BlockConfig) OptionBool(name string) bool {
	if b.Options == nil {
		return false
	}
	v, _ := b.Options[name].(bool)
	return v
}

// OptionFloat returns a numeric option. JSON decoding yields float64; integer
// configs saved from Go are handled too.
func (b *BlockConfig) OptionFloat(name string) (float64, bool) {
	if b.Options == nil {
		return 0, false
	}
	switch v := b.Options[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// PolicyStatus is the lifecycle state of a policy instance.
type PolicyStatus string

const (
	PolicyStatusDraft     PolicyStatus = "DRAFT"
	PolicyStatusDryRun    PolicyStatus = "DRY-RUN"
	PolicyStatusPublished PolicyStatus = "PUBLISH"
	// PolicyStatusView marks a remote (non executing) copy of a policy.
	PolicyStatusView PolicyStatus = "VIEW"
)

// Policy binds a configuration tree to its ledger topics and roles.
type Policy struct {
	ID     string       `json:"id" bson:"_id"`
	Name   string       `json:"name" bson:"name"`
	Owner  string       `json:"owner" bson:"owner"`
	Status PolicyStatus `json:"status" bson:"status"`

	TopicID                string `json:"topicId" bson:"topicId"`
	InstanceTopicID        string `json:"instanceTopicId" bson:"instanceTopicId"`
	ActionsTopicID         string `json:"actionsTopicId,omitempty" bson:"actionsTopicId,omitempty"`
	SynchronizationTopicID string `json:"synchronizationTopicId,omitempty" bson:"synchronizationTopicId,omitempty"`

	Roles  []string     `json:"policyRoles,omitempty" bson:"policyRoles,omitempty"`
	Groups []string     `json:"policyGroups,omitempty" bson:"policyGroups,omitempty"`
	Tokens []string     `json:"policyTokens,omitempty" bson:"policyTokens,omitempty"`
	Topics []string     `json:"policyTopics,omitempty" bson:"policyTopics,omitempty"`
	Config *BlockConfig `json:"config" bson:"config"`
}

// IsLocal reports whether this process executes the policy, as opposed to
// holding a remote view of a policy hosted elsewhere.
func (p *Policy) IsLocal() bool {
	return p.Status != PolicyStatusView
}
