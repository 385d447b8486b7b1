// Package openai implements the realtime.Provider interface against the
// OpenAI Realtime API.
//
// Each conversation turn gets its own WebSocket connection. Audio travels as
// base64-encoded PCM16 inside JSON events; server voice activity detection
// is disabled because the client decides utterance boundaries and commits
// explicitly.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Stream = (*stream)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for streams.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens Realtime API streams.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open dials the Realtime endpoint and configures the session. The stream
// accepts audio as soon as Open returns.
func (p *Provider) Open(ctx context.Context, cfg realtime.SessionConfig) (realtime.Stream, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	strCtx, strCancel := context.WithCancel(context.Background())
	st := &stream{
		conn:   conn,
		events: make(chan realtime.ServerEvent, 64),
		ctx:    strCtx,
		cancel: strCancel,
	}

	if err := st.sendSessionUpdate(cfg); err != nil {
		strCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go st.receiveLoop()

	return st, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`

	// TurnDetection is always serialised as null: utterance boundaries are
	// decided client-side and committed explicitly.
	TurnDetection *struct{} `json:"turn_detection"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseStatus `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseStatus struct {
	Status string `json:"status,omitempty"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan realtime.ServerEvent

	// suppressed gates downlink audio between Cancel and the next Commit,
	// so chunks already in flight from the server never reach the consumer
	// after an interrupt.
	suppressed atomic.Bool

	mu     sync.Mutex
	closed bool

	// partial accumulates response.audio_transcript.delta fragments until
	// the done event.
	partial string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *stream) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
	}
	if len(cfg.Actions) > 0 {
		params.Tools = toOAITools(cfg.Actions)
	}
	return s.writeJSON(s.ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return realtime.ErrStreamClosed
		}
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads downlink events until the connection drops. It owns the
// events channel and closes it on exit.
func (s *stream) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(realtime.ServerEvent{
				Type: realtime.EventError,
				Err:  fmt.Errorf("openai: read: %w", err),
			})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *stream) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" || s.suppressed.Load() {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.emit(realtime.ServerEvent{Type: realtime.EventAudioChunk, Audio: pcm})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.partial += evt.Delta
		s.mu.Unlock()
		s.emit(realtime.ServerEvent{
			Type: realtime.EventPartialTranscript,
			Text: evt.Delta,
			Role: "assistant",
		})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.partial
		s.partial = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(realtime.ServerEvent{
			Type: realtime.EventFinalTranscript,
			Text: text,
			Role: "assistant",
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.ServerEvent{
			Type: realtime.EventFinalTranscript,
			Text: evt.Transcript,
			Role: "user",
		})

	case "response.function_call_arguments.done":
		s.emit(realtime.ServerEvent{
			Type: realtime.EventActionRequest,
			Action: &realtime.ActionRequest{
				ID:        evt.CallID,
				Name:      evt.Name,
				Arguments: evt.Arguments,
			},
		})

	case "response.done":
		more := evt.Response != nil && evt.Response.Status == "incomplete"
		s.emit(realtime.ServerEvent{Type: realtime.EventTurnComplete, MoreInput: more})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ServerEvent{
			Type: realtime.EventError,
			Err:  fmt.Errorf("openai: %s", msg),
		})
	}
}

func (s *stream) emit(evt realtime.ServerEvent) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func toOAITools(actions []realtime.ActionDefinition) []oaiTool {
	out := make([]oaiTool, len(actions))
	for i, a := range actions {
		out[i] = oaiTool{
			Type:        "function",
			Name:        a.Name,
			Description: a.Description,
			Parameters:  a.Parameters,
		}
	}
	return out
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// SendAudio uplinks one PCM16 chunk of the current utterance.
func (s *stream) SendAudio(ctx context.Context, pcm []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit finalises the uplinked utterance and requests a model response.
// Audio delivery suppressed by a prior Cancel resumes here.
func (s *stream) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.suppressed.Store(false)
	if err := s.writeJSON(ctx, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// SendActionResult returns an action outcome to the model and asks it to
// continue. Failures travel as a JSON error object so the model can phrase
// an apology.
func (s *stream) SendActionResult(ctx context.Context, res realtime.ActionResult) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	output := res.Output
	if res.Failure != nil {
		b, _ := json.Marshal(map[string]string{
			"error":   string(res.Failure.Kind),
			"message": res.Failure.Message,
		})
		output = string(b)
	}

	if err := s.writeJSON(ctx, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: res.ID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// Events delivers downlink events.
func (s *stream) Events() <-chan realtime.ServerEvent { return s.events }

// Cancel aborts the in-flight response and suppresses further downlink
// audio until the next Commit. Idempotent.
func (s *stream) Cancel(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.suppressed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.writeJSON(ctx, map[string]string{"type": "response.cancel"}); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "input_audio_buffer.clear"})
}

func (s *stream) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrStreamClosed
	}
	return nil
}

// Close tears the stream down. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}
