package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kestrel-voice/kestrel/internal/actions"
	"github.com/kestrel-voice/kestrel/internal/history"
	"github.com/kestrel-voice/kestrel/pkg/audio"
	amock "github.com/kestrel-voice/kestrel/pkg/audio/mock"
	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
	rtmock "github.com/kestrel-voice/kestrel/pkg/provider/realtime/mock"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad/energy"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake"
)

// triggerEngine fires once each time the test arms it.
type triggerEngine struct {
	fire atomic.Bool
}

func (e *triggerEngine) Process(audio.Frame) (bool, error) { return e.fire.Swap(false), nil }
func (e *triggerEngine) Close() error                      { return nil }

// captureRecorder collects history records in memory.
type captureRecorder struct {
	mu          sync.Mutex
	turns       []history.TurnRecord
	transcripts []history.Transcript
	actions     []history.ActionRecord
}

func (r *captureRecorder) RecordTurn(_ context.Context, rec history.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, rec)
	return nil
}

func (r *captureRecorder) RecordTranscript(_ context.Context, tr history.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, tr)
	return nil
}

func (r *captureRecorder) RecordAction(_ context.Context, ar history.ActionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, ar)
	return nil
}

type harness struct {
	t          *testing.T
	bus        *audio.Bus
	engine     *triggerEngine
	gate       *wake.Gate
	provider   *rtmock.Provider
	device     *amock.MemoryDevice
	sink       *audio.Sink
	dispatcher *actions.Dispatcher
	recorder   *captureRecorder
	orch       *Orchestrator

	mu    sync.Mutex
	seq   uint64
	pairs [][2]State
}

func defaultTestConfig() Config {
	return Config{
		ListenTimeout:  500 * time.Millisecond,
		SessionTimeout: 2 * time.Second,
		BargeIn:        true,
		SampleRate:     testSampleRate,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{t: t}
	h.bus = audio.NewBus(nil)

	wakeSub, err := h.bus.Subscribe("wake", 16)
	if err != nil {
		t.Fatalf("subscribe wake: %v", err)
	}
	h.engine = &triggerEngine{}
	h.gate = wake.NewGate(h.engine, wakeSub, 0, logger)
	h.provider = &rtmock.Provider{}
	h.device = &amock.MemoryDevice{}
	h.sink = audio.NewSink(h.device, 8, logger)
	h.dispatcher = actions.NewDispatcher(200*time.Millisecond, nil, logger)
	h.recorder = &captureRecorder{}

	det := energy.New(vad.Config{
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.05,
		ActivationFrames: 2,
		HangoverFrames:   3,
	})
	h.orch = New(Deps{
		Bus:        h.bus,
		Gate:       h.gate,
		Detector:   det,
		Provider:   h.provider,
		Sink:       h.sink,
		Dispatcher: h.dispatcher,
		Recorder:   h.recorder,
		Log:        logger,
	}, cfg)
	h.orch.OnTransition = func(from, to State) {
		h.mu.Lock()
		h.pairs = append(h.pairs, [2]State{from, to})
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.gate.Run(ctx)
	go h.orch.Run(ctx)

	t.Cleanup(func() {
		cancel()
		h.bus.Close()
		h.sink.Close()
		h.assertTransitionsLegal()
	})
	return h
}

// assertTransitionsLegal checks every observed edge against the transition
// table.
func (h *harness) assertTransitionsLegal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.pairs {
		if !CanTransition(p[0], p[1]) {
			h.t.Errorf("illegal transition %s -> %s", p[0], p[1])
		}
	}
}

func (h *harness) transitions() [][2]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][2]State(nil), h.pairs...)
}

func (h *harness) sawTransition(from, to State) bool {
	for _, p := range h.transitions() {
		if p[0] == from && p[1] == to {
			return true
		}
	}
	return false
}

// pump publishes one 30ms PCM16 frame at the given amplitude.
func (h *harness) pump(amplitude int16) {
	h.t.Helper()
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	const samples = testSampleRate * 30 / 1000
	data := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(amplitude))
	}
	if err := h.bus.Publish(audio.Frame{
		Data:      data,
		Seq:       seq,
		Timestamp: time.Duration(seq) * 30 * time.Millisecond,
	}); err != nil {
		h.t.Fatalf("publish: %v", err)
	}
}

// wake arms the engine and pumps the triggering frame.
func (h *harness) wake() {
	h.t.Helper()
	h.engine.fire.Store(true)
	h.pump(0)
}

// speak pumps a run of loud frames followed by enough silence to endpoint.
func (h *harness) speak(loud int) {
	h.t.Helper()
	for range loud {
		h.pump(16000)
	}
	for range 3 {
		h.pump(0)
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, 2*time.Second, func() bool { return h.orch.State() == want },
		"state never reached %v (now %v)", want, h.orch.State())
}

// waitStream waits until the provider has opened n streams and returns the
// latest one.
func (h *harness) waitStream(n int) *rtmock.Stream {
	h.t.Helper()
	waitFor(h.t, 2*time.Second, func() bool { return len(h.provider.Opened()) >= n },
		"stream %d never opened", n)
	return h.provider.Opened()[n-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func TestTurnCompletesWithoutAudio(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	h.wake()
	h.waitState(StateListening)
	h.speak(5)

	st := h.waitStream(1)
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 1 }, "utterance never committed")
	if got := len(st.SentAudio()); got < 5 {
		t.Errorf("sent %d audio chunks, want at least the 5 speech frames", got)
	}

	st.Emit(realtime.ServerEvent{Type: realtime.EventFinalTranscript, Role: "user", Text: "what is on my calendar"})
	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})

	h.waitState(StateIdle)
	waitFor(t, 2*time.Second, func() bool { return st.Closed() }, "stream never closed")

	if !h.sawTransition(StateListening, StateStreaming) || !h.sawTransition(StateStreaming, StateIdle) {
		t.Errorf("transitions = %v", h.transitions())
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.transcripts) != 1 || h.recorder.transcripts[0].Role != "user" {
		t.Errorf("transcripts = %v", h.recorder.transcripts)
	}
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "completed" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestContinuousNoiseCannotHoldListening(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ListenTimeout = 150 * time.Millisecond
	cfg.SessionTimeout = 300 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)

	// Speech opens and never endpoints: loud frames keep coming, so the
	// listen timer alone would reset forever. The session timeout still
	// bounds the phase.
	start := time.Now()
	for h.orch.State() == StateListening && time.Since(start) < 2*time.Second {
		h.pump(16000)
		time.Sleep(5 * time.Millisecond)
	}
	h.waitState(StateIdle)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("listening held for %v despite a 300ms session timeout", elapsed)
	}

	if n := len(h.provider.Opened()); n != 0 {
		t.Errorf("opened %d streams without a complete utterance", n)
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "timed_out" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestListenTimeoutReturnsToIdle(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ListenTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)
	h.waitState(StateIdle)

	if n := len(h.provider.Opened()); n != 0 {
		t.Errorf("opened %d streams without speech", n)
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "timed_out" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestBargeInInterruptsPlayback(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.device.WriteDelay = 20 * time.Millisecond

	h.wake()
	h.waitState(StateListening)
	h.speak(5)
	st := h.waitStream(1)

	chunk := make([]byte, 960)
	for range 3 {
		st.Emit(realtime.ServerEvent{Type: realtime.EventAudioChunk, Audio: chunk})
	}
	h.waitState(StateSpeaking)

	// Speech during playback triggers the interrupt.
	h.pump(16000)
	h.pump(16000)
	waitFor(t, 2*time.Second, func() bool { return st.Cancels() == 1 }, "stream never cancelled")
	h.waitState(StateStreaming)

	// Once the stop settles, chunks racing the cancel must not be heard.
	waitFor(t, 2*time.Second, func() bool { return h.sink.Pending() == 0 }, "sink never drained after stop")
	played := len(h.device.Blocks())
	st.Emit(realtime.ServerEvent{Type: realtime.EventAudioChunk, Audio: chunk})
	st.Emit(realtime.ServerEvent{Type: realtime.EventAudioChunk, Audio: chunk})
	time.Sleep(50 * time.Millisecond)
	if got := len(h.device.Blocks()); got != played {
		t.Errorf("%d blocks played after barge-in", got-played)
	}

	// The interrupting utterance uploads on the same stream.
	for range 3 {
		h.pump(0)
	}
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 2 }, "interrupting utterance never committed")

	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})
	h.waitState(StateIdle)

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].BargeIns != 1 {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestBargeInBlipEndsTurnPromptly(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ListenTimeout = 200 * time.Millisecond
	cfg.MinUtterance = 300 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)
	h.speak(12)
	st := h.waitStream(1)
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 1 }, "utterance never committed")

	chunk := make([]byte, 960)
	for range 3 {
		st.Emit(realtime.ServerEvent{Type: realtime.EventAudioChunk, Audio: chunk})
	}
	h.waitState(StateSpeaking)

	// A blip interrupts playback but endpoints below the minimum utterance,
	// so nothing is uploaded and no reply can follow.
	h.pump(16000)
	h.pump(16000)
	waitFor(t, 2*time.Second, func() bool { return st.Cancels() == 1 }, "stream never cancelled")
	h.waitState(StateStreaming)
	start := time.Now()
	for range 3 {
		h.pump(0)
	}

	// The turn ends on the listen timeout, not the session timeout.
	h.waitState(StateIdle)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn hung for %v after a discarded blip", elapsed)
	}
	if got := st.Commits(); got != 1 {
		t.Errorf("blip was committed: %d commits", got)
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].BargeIns != 1 {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestActionFailureStillCompletesTurn(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	err := h.dispatcher.Register(
		realtime.ActionDefinition{Name: "list_calendar_events"},
		actions.ExecutorFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("executor unreachable")
		}),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	h.wake()
	h.waitState(StateListening)
	h.speak(5)
	st := h.waitStream(1)

	st.Emit(realtime.ServerEvent{Type: realtime.EventActionRequest, Action: &realtime.ActionRequest{
		ID:        "call-1",
		Name:      "list_calendar_events",
		Arguments: "{}",
	}})
	// The model pauses for the result before finishing.
	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})

	waitFor(t, 2*time.Second, func() bool { return len(st.ActionResults()) == 1 },
		"action result never uplinked")
	res := st.ActionResults()[0]
	if res.ID != "call-1" || res.Failure == nil || res.Failure.Kind != realtime.FailureExecution {
		t.Fatalf("result = %+v", res)
	}

	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})
	h.waitState(StateIdle)

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "completed" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
	if len(h.recorder.actions) != 1 || h.recorder.actions[0].FailureKind != "execution" {
		t.Errorf("actions = %v", h.recorder.actions)
	}
}

func TestUnansweredActionAbortsTurn(t *testing.T) {
	cfg := defaultTestConfig()
	// Shorter than the dispatcher's own timeout, so no result of any kind
	// arrives while the turn is still waiting.
	cfg.ActionWait = 80 * time.Millisecond
	h := newHarness(t, cfg)

	err := h.dispatcher.Register(
		realtime.ActionDefinition{Name: "create_calendar_event"},
		actions.ExecutorFunc(func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	h.wake()
	h.waitState(StateListening)
	h.speak(5)
	st := h.waitStream(1)

	st.Emit(realtime.ServerEvent{Type: realtime.EventActionRequest, Action: &realtime.ActionRequest{
		ID:        "call-1",
		Name:      "create_calendar_event",
		Arguments: "{}",
	}})
	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})

	h.waitState(StateIdle)
	if !h.sawTransition(StateStreaming, StateError) || !h.sawTransition(StateError, StateIdle) {
		t.Errorf("transitions = %v", h.transitions())
	}
	if st.Cancels() == 0 {
		t.Error("aborted stream never cancelled")
	}

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "error" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestStreamErrorRetriesOnceThenFails(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	h.wake()
	h.waitState(StateListening)
	h.speak(5)

	st1 := h.waitStream(1)
	waitFor(t, 2*time.Second, func() bool { return st1.Commits() == 1 }, "first upload never committed")
	st1.Emit(realtime.ServerEvent{Type: realtime.EventError, Err: errors.New("connection reset")})

	// The retry reopens and resends the same utterance.
	st2 := h.waitStream(2)
	waitFor(t, 2*time.Second, func() bool { return st2.Commits() == 1 }, "retry never committed")
	if len(st2.SentAudio()) != len(st1.SentAudio()) {
		t.Errorf("retry sent %d chunks, original sent %d", len(st2.SentAudio()), len(st1.SentAudio()))
	}

	st2.Emit(realtime.ServerEvent{Type: realtime.EventError, Err: errors.New("connection reset")})
	h.waitState(StateIdle)

	if !h.sawTransition(StateStreaming, StateError) || !h.sawTransition(StateError, StateIdle) {
		t.Errorf("transitions = %v", h.transitions())
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "error" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestMoreInputCollectsFollowUp(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	h.wake()
	h.waitState(StateListening)
	h.speak(5)
	st := h.waitStream(1)
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 1 }, "utterance never committed")

	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete, MoreInput: true})
	h.waitState(StateListening)

	h.speak(4)
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 2 }, "follow-up never committed")
	h.waitState(StateStreaming)

	st.Emit(realtime.ServerEvent{Type: realtime.EventTurnComplete})
	h.waitState(StateIdle)

	if len(h.provider.Opened()) != 1 {
		t.Errorf("follow-up opened a new stream")
	}
}

func TestSessionTimeoutWithoutProgress(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.SessionTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)
	h.speak(5)
	st := h.waitStream(1)
	waitFor(t, 2*time.Second, func() bool { return st.Commits() == 1 }, "utterance never committed")

	// No server events at all: the progress timer fires.
	h.waitState(StateIdle)
	if st.Cancels() == 0 {
		t.Error("stalled stream never cancelled")
	}
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 || h.recorder.turns[0].EndReason != "timed_out" {
		t.Errorf("turns = %v", h.recorder.turns)
	}
}

func TestWakeActivationStartsExactlyOneTurn(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ListenTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)
	// Extra frames while already in a session must not queue a second turn.
	h.pump(0)
	h.pump(0)
	h.waitState(StateIdle)

	time.Sleep(100 * time.Millisecond)
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	if len(h.recorder.turns) != 1 {
		t.Errorf("ran %d turns for one activation", len(h.recorder.turns))
	}
}

// spanRecorder collects ended span names.
type spanRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *spanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}
func (r *spanRecorder) OnEnd(s sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	r.names = append(r.names, s.Name())
	r.mu.Unlock()
}
func (r *spanRecorder) Shutdown(context.Context) error   { return nil }
func (r *spanRecorder) ForceFlush(context.Context) error { return nil }

func (r *spanRecorder) saw(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func TestTurnRecordsSpan(t *testing.T) {
	rec := &spanRecorder{}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	cfg := defaultTestConfig()
	cfg.ListenTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	h.wake()
	h.waitState(StateListening)
	h.waitState(StateIdle)

	waitFor(t, 2*time.Second, func() bool { return rec.saw("session.turn") },
		"turn span never recorded")
}

func TestCanTransitionTable(t *testing.T) {
	t.Parallel()

	legal := [][2]State{
		{StateIdle, StateListening},
		{StateListening, StateStreaming},
		{StateListening, StateIdle},
		{StateStreaming, StateSpeaking},
		{StateStreaming, StateListening},
		{StateStreaming, StateIdle},
		{StateStreaming, StateError},
		{StateSpeaking, StateStreaming},
		{StateSpeaking, StateIdle},
		{StateSpeaking, StateError},
		{StateError, StateIdle},
	}
	for _, p := range legal {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be legal", p[0], p[1])
		}
	}
	illegal := [][2]State{
		{StateIdle, StateStreaming},
		{StateIdle, StateSpeaking},
		{StateListening, StateSpeaking},
		{StateListening, StateError},
		{StateSpeaking, StateListening},
		{StateError, StateListening},
		{StateError, StateStreaming},
	}
	for _, p := range illegal {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be illegal", p[0], p[1])
		}
	}
}
