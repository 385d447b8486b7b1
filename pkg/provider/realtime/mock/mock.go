// Package mock provides scriptable realtime providers and streams for
// orchestrator and dispatcher tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

// Provider hands out mock streams. FailOpens > 0 makes that many leading
// Open calls fail, which is how reconnect paths are exercised.
type Provider struct {
	mu        sync.Mutex
	FailOpens int
	opened    []*Stream

	// OnOpen, if set, is called with each successfully opened stream so
	// the test can drive it.
	OnOpen func(*Stream)
}

// Open returns the next scripted stream or a scripted failure.
func (p *Provider) Open(ctx context.Context, cfg realtime.SessionConfig) (realtime.Stream, error) {
	p.mu.Lock()
	if p.FailOpens > 0 {
		p.FailOpens--
		p.mu.Unlock()
		return nil, fmt.Errorf("mock: open refused")
	}
	st := NewStream()
	st.Config = cfg
	p.opened = append(p.opened, st)
	onOpen := p.OnOpen
	p.mu.Unlock()

	if onOpen != nil {
		onOpen(st)
	}
	return st, nil
}

// Opened returns every stream handed out so far.
func (p *Provider) Opened() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.opened))
	copy(out, p.opened)
	return out
}

var _ realtime.Provider = (*Provider)(nil)

// Stream records uplink calls and lets the test push downlink events.
type Stream struct {
	Config realtime.SessionConfig

	mu            sync.Mutex
	sentAudio     [][]byte
	commits       int
	cancels       int
	actionResults []realtime.ActionResult
	closed        bool

	events chan realtime.ServerEvent
	once   sync.Once
}

// NewStream creates an open stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan realtime.ServerEvent, 64)}
}

// Emit pushes one downlink event to the consumer.
func (s *Stream) Emit(evt realtime.ServerEvent) {
	s.events <- evt
}

// EndEvents closes the downlink, simulating connection loss or normal end.
func (s *Stream) EndEvents() {
	s.once.Do(func() { close(s.events) })
}

func (s *Stream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrStreamClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.sentAudio = append(s.sentAudio, cp)
	return nil
}

func (s *Stream) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrStreamClosed
	}
	s.commits++
	return nil
}

func (s *Stream) SendActionResult(ctx context.Context, res realtime.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrStreamClosed
	}
	s.actionResults = append(s.actionResults, res)
	return nil
}

func (s *Stream) Events() <-chan realtime.ServerEvent { return s.events }

func (s *Stream) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrStreamClosed
	}
	s.cancels++
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.EndEvents()
	return nil
}

// SentAudio returns every uplinked chunk.
func (s *Stream) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// Commits reports how many times Commit was called.
func (s *Stream) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Cancels reports how many times Cancel was called.
func (s *Stream) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// ActionResults returns every uplinked action result.
func (s *Stream) ActionResults() []realtime.ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.ActionResult, len(s.actionResults))
	copy(out, s.actionResults)
	return out
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ realtime.Stream = (*Stream)(nil)
