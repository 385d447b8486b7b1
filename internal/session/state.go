// Package session contains the conversation state machine. The
// [Orchestrator] owns the session lifecycle from wake activation through
// streaming and playback back to idle; every other component is an event
// producer or consumer and never touches session state directly.
package session

// State is the session lifecycle state. Exactly one state is active at a
// time and only the orchestrator's run loop mutates it.
type State int

const (
	// StateIdle means the assistant is dormant, with only the wake gate
	// consuming frames.
	StateIdle State = iota

	// StateListening means a wake activation has occurred and the endpoint
	// detector is collecting the user's utterance.
	StateListening

	// StateStreaming means an utterance is uploading or the remote service
	// is preparing a response.
	StateStreaming

	// StateSpeaking means synthesized audio is playing through the sink.
	StateSpeaking

	// StateError is a transient state for failed turns; it always drains
	// back to idle.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStreaming:
		return "streaming"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions encodes the allowed state machine edges.
var validTransitions = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateStreaming, StateIdle},
	StateStreaming: {StateSpeaking, StateListening, StateIdle, StateError},
	StateSpeaking:  {StateStreaming, StateIdle, StateError},
	StateError:     {StateIdle},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
