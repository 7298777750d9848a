package model

// InputEvent is a closed enumeration of events a block can receive. Unknown
// names are rejected when a policy is loaded, not when an event is dispatched.
type InputEvent string

const (
	InputRunEvent        InputEvent = "RunEvent"
	InputRefreshEvent    InputEvent = "RefreshEvent"
	InputPopEvent        InputEvent = "PopEvent"
	InputTimerEvent      InputEvent = "TimerEvent"
	InputStartTimerEvent InputEvent = "StartTimerEvent"
	InputStopTimerEvent  InputEvent = "StopTimerEvent"
	InputRestoreEvent    InputEvent = "RestoreEvent"
	InputReleaseEvent    InputEvent = "ReleaseEvent"
	InputErrorEvent      InputEvent = "ErrorEvent"
)

// OutputEvent is a closed enumeration of events a block can emit.
type OutputEvent string

const (
	OutputRunEvent                      OutputEvent = "RunEvent"
	OutputRefreshEvent                  OutputEvent = "RefreshEvent"
	OutputErrorEvent                    OutputEvent = "ErrorEvent"
	OutputReleaseEvent                  OutputEvent = "ReleaseEvent"
	OutputTimerEvent                    OutputEvent = "TimerEvent"
	OutputDraftEvent                    OutputEvent = "DraftEvent"
	OutputReferenceEvent                OutputEvent = "ReferenceEvent"
	OutputSignatureQuorumReachedEvent   OutputEvent = "SignatureQuorumReachedEvent"
	OutputSignatureSetInsufficientEvent OutputEvent = "SignatureSetInsufficientEvent"
)

var knownInputEvents = map[InputEvent]struct{}{
	InputRunEvent: {}, InputRefreshEvent: {}, InputPopEvent: {},
	InputTimerEvent: {}, InputStartTimerEvent: {}, InputStopTimerEvent: {},
	InputRestoreEvent: {}, InputReleaseEvent: {}, InputErrorEvent: {},
}

var knownOutputEvents = map[OutputEvent]struct{}{
	OutputRunEvent: {}, OutputRefreshEvent: {}, OutputErrorEvent: {},
	OutputReleaseEvent: {}, OutputTimerEvent: {}, OutputDraftEvent: {},
	OutputReferenceEvent: {}, OutputSignatureQuorumReachedEvent: {},
	OutputSignatureSetInsufficientEvent: {},
}

// IsValid reports whether e names a known input event.
func (e InputEvent) IsValid() bool {
	_, ok := knownInputEvents[e]
	return ok
}

// IsValid reports whether e names a known output event.
func (e OutputEvent) IsValid() bool {
	_, ok := knownOutputEvents[e]
	return ok
}

// BlockAbout declares which events a block type accepts and emits. The
// validator checks every binding against these tables.
type BlockAbout struct {
	Inputs  []InputEvent
	Outputs []OutputEvent
}

// Block type tags. The set is closed at compile time; externally loaded tool
// packages register additional types through the engine registry.
const (
	BlockTypeContainer         = "interfaceContainerBlock"
	BlockTypeAggregate         = "aggregateDocumentBlock"
	BlockTypeMultiSign         = "multiSignBlock"
	BlockTypeTimer             = "timerBlock"
	BlockTypeCustomLogic       = "customLogicBlock"
	BlockTypeMath              = "mathBlock"
	BlockTypeRequestDocument   = "requestVcDocumentBlock"
	BlockTypeDocumentValidator = "documentValidatorBlock"
	BlockTypeModule            = "module"
	BlockTypeTool              = "tool"
)

var blockAbout = map[string]BlockAbout{
	BlockTypeContainer: {
		Inputs:  []InputEvent{InputRunEvent, InputRefreshEvent},
		Outputs: []OutputEvent{OutputRunEvent, OutputRefreshEvent},
	},
	BlockTypeAggregate: {
		Inputs:  []InputEvent{InputPopEvent, InputRunEvent, InputTimerEvent},
		Outputs: []OutputEvent{OutputRunEvent, OutputRefreshEvent},
	},
	BlockTypeMultiSign: {
		Inputs: []InputEvent{InputRunEvent},
		Outputs: []OutputEvent{
			OutputRefreshEvent,
			OutputSignatureQuorumReachedEvent,
			OutputSignatureSetInsufficientEvent,
		},
	},
	BlockTypeTimer: {
		Inputs:  []InputEvent{InputRunEvent, InputStartTimerEvent, InputStopTimerEvent},
		Outputs: []OutputEvent{OutputRunEvent, OutputRefreshEvent, OutputTimerEvent},
	},
	BlockTypeCustomLogic: {
		Inputs:  []InputEvent{InputRunEvent},
		Outputs: []OutputEvent{OutputRunEvent, OutputRefreshEvent, OutputReleaseEvent, OutputErrorEvent},
	},
	BlockTypeMath: {
		Inputs:  []InputEvent{InputRunEvent},
		Outputs: []OutputEvent{OutputRunEvent, OutputRefreshEvent, OutputErrorEvent},
	},
	BlockTypeRequestDocument: {
		Inputs: []InputEvent{InputRunEvent, InputRefreshEvent, InputRestoreEvent},
		Outputs: []OutputEvent{
			OutputRunEvent, OutputRefreshEvent, OutputReleaseEvent,
			OutputDraftEvent, OutputReferenceEvent,
		},
	},
	BlockTypeDocumentValidator: {
		Inputs:  []InputEvent{InputRunEvent},
		Outputs: []OutputEvent{},
	},
}

// AboutOf returns the event declaration for a block type.
func AboutOf(blockType string) (BlockAbout, bool) {
	about, ok := blockAbout[blockType]
	return about, ok
}

// RegisterAbout declares events for an externally loaded block type.
func RegisterAbout(blockType string, about BlockAbout) {
	blockAbout[blockType] = about
}

// Accepts reports whether the block type declares the given input event.
func (a BlockAbout) Accepts(e InputEvent) bool {
	for _, in := range a.Inputs {
		if in == e {
			return true
		}
	}
	return false
}

// Emits reports whether the block type declares the given output event.
func (a BlockAbout) Emits(e OutputEvent) bool {
	for _, out := range a.Outputs {
		if out == e {
			return true
		}
	}
	return false
}
