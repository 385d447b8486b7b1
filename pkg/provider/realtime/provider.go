// Package realtime defines the duplex speech streaming contract: one
// bidirectional connection per conversation turn over which the client
// uplinks utterance audio and the provider downlinks transcripts,
// synthesised speech, and action requests.
//
// The [openai] subpackage implements the contract against the OpenAI
// Realtime API; [mock] provides scriptable streams for tests.
package realtime

import (
	"context"
	"fmt"
)

// ErrStreamClosed is returned by stream operations after Close or after the
// connection is lost.
var ErrStreamClosed = fmt.Errorf("realtime: stream closed")

// SessionConfig parameterises one stream.
type SessionConfig struct {
	// TurnID tags the stream for logs and traces.
	TurnID string

	// Instructions is the system prompt for the session.
	Instructions string

	// Voice selects the synthesis voice; empty uses the provider default.
	Voice string

	// Actions advertises the callable actions for this session.
	Actions []ActionDefinition
}

// Provider opens duplex streams.
type Provider interface {
	// Open establishes a stream. The context bounds connection setup only;
	// the stream outlives it.
	Open(ctx context.Context, cfg SessionConfig) (Stream, error)
}

// Stream is one live duplex connection. SendAudio/Commit/SendActionResult/
// Cancel may be called from one goroutine while another drains Events; the
// uplink and downlink are independent.
type Stream interface {
	// SendAudio uplinks one PCM16 chunk of the current utterance.
	SendAudio(ctx context.Context, pcm []byte) error

	// Commit marks the utterance complete and asks the model to respond.
	// It also re-enables audio delivery after a prior Cancel.
	Commit(ctx context.Context) error

	// SendActionResult uplinks the outcome of an action request and asks
	// the model to continue its response with it.
	SendActionResult(ctx context.Context, res ActionResult) error

	// Events delivers downlink events in arrival order. The channel closes
	// when the stream ends for any reason.
	Events() <-chan ServerEvent

	// Cancel aborts the in-flight model response. Idempotent. After Cancel
	// returns, no further EventAudioChunk is delivered until the next
	// Commit, including chunks already in flight from the server.
	Cancel(ctx context.Context) error

	// Close tears the stream down. Idempotent.
	Close() error
}
