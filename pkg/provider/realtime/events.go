package realtime

import "fmt"

// EventType discriminates the events a Stream delivers.
type EventType int

const (
	// EventPartialTranscript carries an incremental transcript fragment.
	EventPartialTranscript EventType = iota
	// EventFinalTranscript carries a completed transcript for one speaker
	// turn.
	EventFinalTranscript
	// EventAudioChunk carries synthesised PCM16 speech.
	EventAudioChunk
	// EventActionRequest asks the client to execute a named action.
	EventActionRequest
	// EventTurnComplete marks the end of the model's response for this
	// exchange.
	EventTurnComplete
	// EventError reports a provider-side error.
	EventError
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case EventPartialTranscript:
		return "partial_transcript"
	case EventFinalTranscript:
		return "final_transcript"
	case EventAudioChunk:
		return "audio_chunk"
	case EventActionRequest:
		return "action_request"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("realtime(%d)", int(t))
	}
}

// ServerEvent is one downlink event. Only the fields relevant to Type are
// populated.
type ServerEvent struct {
	Type EventType

	// Text is the transcript fragment or completed transcript.
	Text string

	// Role identifies the transcript speaker, "user" or "assistant".
	Role string

	// Audio is the PCM16 payload of an EventAudioChunk.
	Audio []byte

	// Action is the request behind an EventActionRequest.
	Action *ActionRequest

	// MoreInput marks an EventTurnComplete where the model stopped short
	// and expects further input on the same stream.
	MoreInput bool

	// Err is the failure behind an EventError.
	Err error
}

// ActionRequest is a model-initiated call to a named client action.
type ActionRequest struct {
	// ID correlates the eventual ActionResult with this request.
	ID string

	// Name is the registered action name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// FailureKind classifies why an action produced no output.
type FailureKind string

const (
	// FailureUnknownAction means no executor is registered under the name.
	FailureUnknownAction FailureKind = "unknown_action"
	// FailureTimeout means the executor exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureExecution means the executor ran and returned an error.
	FailureExecution FailureKind = "execution"
)

// Failure describes a failed action.
type Failure struct {
	Kind    FailureKind
	Message string
}

// ActionResult answers an ActionRequest. Exactly one of Output and Failure
// is meaningful.
type ActionResult struct {
	// ID echoes the request id.
	ID string

	// Name echoes the action name, for logging and metrics.
	Name string

	// Output is the JSON-encoded result on success.
	Output string

	// Failure is set when the action did not produce output.
	Failure *Failure
}

// ActionDefinition advertises one callable action to the model.
type ActionDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}
