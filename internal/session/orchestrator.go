package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kestrel-voice/kestrel/internal/actions"
	"github.com/kestrel-voice/kestrel/internal/history"
	"github.com/kestrel-voice/kestrel/internal/observe"
	"github.com/kestrel-voice/kestrel/internal/resilience"
	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake"
)

// Config tunes the orchestrator.
type Config struct {
	// ListenTimeout bounds how long the session waits for speech after an
	// activation before giving up and returning to idle.
	ListenTimeout time.Duration

	// SessionTimeout forces the session back to idle when no progress event
	// arrives for this long in any non-idle state.
	SessionTimeout time.Duration

	// BargeIn allows the user to interrupt synthesized speech.
	BargeIn bool

	// Instructions is the system prompt passed to the realtime provider.
	Instructions string

	// Voice selects the synthesis voice.
	Voice string

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// MinUtterance discards endpointed speech shorter than this.
	MinUtterance time.Duration

	// ActionWait bounds how long a turn may stay open waiting for
	// outstanding action results after the model pauses for them.
	ActionWait time.Duration

	// SubscriptionDepth is the session's frame queue depth on the bus.
	SubscriptionDepth int
}

// Deps are the collaborators the orchestrator coordinates. Bus, Gate,
// Detector, Provider, Sink, and Dispatcher are required; Breaker, Recorder,
// Metrics, and Log fall back to sensible defaults when nil.
type Deps struct {
	Bus        *audio.Bus
	Gate       *wake.Gate
	Detector   vad.Detector
	Provider   realtime.Provider
	Sink       *audio.Sink
	Dispatcher *actions.Dispatcher
	Breaker    *resilience.CircuitBreaker
	Recorder   history.Recorder
	Metrics    *observe.Metrics
	Log        *slog.Logger
}

// Orchestrator drives the session lifecycle: idle until a wake activation,
// collect an utterance, stream it, play the reply, handle interruptions and
// action calls, and return to idle. It is the only writer of session state.
type Orchestrator struct {
	bus        *audio.Bus
	gate       *wake.Gate
	provider   realtime.Provider
	sink       *audio.Sink
	dispatcher *actions.Dispatcher
	breaker    *resilience.CircuitBreaker
	recorder   history.Recorder
	metrics    *observe.Metrics
	log        *slog.Logger
	cfg        Config

	asm   *Assembler
	state atomic.Int32

	// OnTransition, if set before Run, observes every state change.
	OnTransition func(from, to State)
}

// New builds an orchestrator. Zero-value config fields get defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = 5 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ActionWait <= 0 {
		cfg.ActionWait = 10 * time.Second
	}
	if cfg.SubscriptionDepth <= 0 {
		cfg.SubscriptionDepth = 64
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = history.Nop{}
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.New(resilience.Config{Name: "realtime"})
	}
	return &Orchestrator{
		bus:        deps.Bus,
		gate:       deps.Gate,
		provider:   deps.Provider,
		sink:       deps.Sink,
		dispatcher: deps.Dispatcher,
		breaker:    deps.Breaker,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		log:        deps.Log,
		cfg:        cfg,
		asm: NewAssembler(deps.Detector, AssemblerConfig{
			SampleRate:   cfg.SampleRate,
			MinUtterance: cfg.MinUtterance,
		}),
	}
}

// State returns the current session state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// transition applies a state change. An illegal edge is logged loudly but
// still applied so the machine cannot wedge; the transition table is
// enforced by tests.
func (o *Orchestrator) transition(ctx context.Context, to State) {
	from := o.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		o.log.Error("session: illegal transition", "from", from, "to", to)
	}
	o.state.Store(int32(to))
	o.log.Debug("session: transition", "from", from, "to", to)
	if o.metrics != nil {
		o.metrics.RecordTransition(ctx, from.String(), to.String())
	}
	if o.OnTransition != nil {
		o.OnTransition(from, to)
	}
}

// Run processes wake activations until the context ends. Each activation
// becomes one conversation turn; between turns the session is idle and the
// wake gate is rearmed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.state.Store(int32(StateIdle))
	for {
		o.gate.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case act, ok := <-o.gate.Activations():
			if !ok {
				return nil
			}
			o.runTurn(ctx, act)
		}
	}
}

// pendingAction tracks a dispatched request awaiting its result.
type pendingAction struct {
	req     realtime.ActionRequest
	started time.Time
}

func (o *Orchestrator) runTurn(ctx context.Context, act wake.Activation) {
	// Turn-scoped context so helper goroutines unwind when the turn ends.
	ctx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()

	turn := NewTurn()
	log := observe.Logger(ctx, o.log).With("turn", turn.ID)
	log.Info("session: wake activation", "seq", act.Seq)

	if o.metrics != nil {
		o.metrics.WakeActivations.Add(ctx, 1)
		o.metrics.ActiveSessions.Add(ctx, 1)
		defer o.metrics.ActiveSessions.Add(ctx, -1)
	}

	sub, err := o.bus.Subscribe("session", o.cfg.SubscriptionDepth)
	if err != nil {
		log.Error("session: subscribe failed", "error", err)
		return
	}
	defer sub.Cancel()

	o.asm.Reset()
	o.transition(ctx, StateListening)

	utt := o.collectUtterance(ctx, sub)
	if utt == nil {
		log.Info("session: no speech before listen timeout")
		turn.End(ReasonTimedOut)
		o.transition(ctx, StateIdle)
		o.finishTurn(ctx, turn, log)
		return
	}
	log.Info("session: utterance endpointed", "frames", len(utt.Frames))

	o.transition(ctx, StateStreaming)

	for attempt := 0; ; attempt++ {
		retry, err := o.streamTurn(ctx, turn, sub, utt, log)
		if !retry {
			break
		}
		if o.metrics != nil {
			o.metrics.StreamErrors.Add(ctx, 1)
		}
		if attempt == 0 && ctx.Err() == nil {
			log.Warn("session: stream failed, retrying turn once", "error", err)
			o.sink.Stop()
			if st := o.State(); st == StateSpeaking || st == StateListening {
				o.transition(ctx, StateStreaming)
			}
			continue
		}
		log.Error("session: turn failed", "error", err)
		turn.End(ReasonError)
		o.transition(ctx, StateError)
		o.transition(ctx, StateIdle)
		break
	}
	o.finishTurn(ctx, turn, log)
}

// collectUtterance feeds frames to the endpoint detector until a usable
// utterance closes or a timeout fires. The listen timeout only applies
// while no speech is open, so a slow talker is not cut off mid-sentence;
// the session timeout bounds the whole phase, so speech that never
// endpoints (a stuck-loud microphone, constant background noise) cannot
// hold the session in Listening.
func (o *Orchestrator) collectUtterance(ctx context.Context, sub *audio.Subscription) *Utterance {
	timer := time.NewTimer(o.cfg.ListenTimeout)
	defer timer.Stop()
	deadline := time.NewTimer(o.cfg.SessionTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-timer.C:
			if o.asm.Collecting() {
				timer.Reset(o.cfg.ListenTimeout)
				continue
			}
			return nil
		case f, ok := <-sub.C():
			if !ok {
				return nil
			}
			if _, utt := o.asm.Feed(f); utt != nil {
				return utt
			}
		}
	}
}

// streamTurn runs one attempt at the streaming phase: open, upload, then
// drive the event loop until the turn resolves. It reports retry=true when
// the failure is worth one more attempt with the same utterance.
func (o *Orchestrator) streamTurn(ctx context.Context, turn *Turn, sub *audio.Subscription, utt *Utterance, log *slog.Logger) (retry bool, err error) {
	var stream realtime.Stream
	err = o.breaker.Execute(func() error {
		var openErr error
		stream, openErr = o.provider.Open(ctx, realtime.SessionConfig{
			TurnID:       turn.ID,
			Instructions: o.cfg.Instructions,
			Voice:        o.cfg.Voice,
			Actions:      o.dispatcher.Definitions(),
		})
		return openErr
	})
	if err != nil {
		return true, fmt.Errorf("session: open stream: %w", err)
	}
	defer stream.Close()

	if err := o.sendUtterance(ctx, stream, utt); err != nil {
		return true, err
	}

	var (
		outstanding = make(map[string]pendingAction)
		results     = make(chan realtime.ActionResult, 4)

		// uploading is true while an utterance being collected is destined
		// for this stream (barge-in or a follow-up after MoreInput).
		uploading bool

		listenTimer *time.Timer
		listenC     <-chan time.Time
		actionTimer *time.Timer
		actionC     <-chan time.Time
	)
	progress := time.NewTimer(o.cfg.SessionTimeout)
	defer progress.Stop()
	defer func() {
		if listenTimer != nil {
			listenTimer.Stop()
		}
		if actionTimer != nil {
			actionTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			turn.End(ReasonCancelled)
			o.sink.Stop()
			o.transition(ctx, StateIdle)
			return false, ctx.Err()

		case <-progress.C:
			log.Warn("session: timed out without progress")
			_ = stream.Cancel(ctx)
			o.sink.Stop()
			turn.End(ReasonTimedOut)
			o.transition(ctx, StateIdle)
			return false, nil

		case <-listenC:
			if o.asm.Collecting() {
				listenTimer.Reset(o.cfg.ListenTimeout)
				continue
			}
			log.Info("session: no follow-up speech")
			turn.End(ReasonCompleted)
			o.transition(ctx, StateIdle)
			return false, nil

		case <-actionC:
			log.Error("session: aborting turn with incomplete actions",
				"outstanding", len(outstanding))
			_ = stream.Cancel(ctx)
			turn.End(ReasonError)
			o.transition(ctx, StateError)
			o.transition(ctx, StateIdle)
			return false, nil

		case f, ok := <-sub.C():
			if !ok {
				turn.End(ReasonCancelled)
				o.transition(ctx, StateIdle)
				return false, errors.New("session: capture stream closed")
			}
			ev, u := o.asm.Feed(f)
			switch {
			case o.State() == StateSpeaking && o.cfg.BargeIn && ev.Type == vad.SpeechStart:
				log.Info("session: barge-in", "seq", f.Seq)
				o.sink.Stop()
				if err := stream.Cancel(ctx); err != nil {
					log.Warn("session: cancel after barge-in", "error", err)
				}
				turn.BargeIns++
				uploading = true
				o.transition(ctx, StateStreaming)

			case u != nil && uploading:
				if err := o.sendUtterance(ctx, stream, u); err != nil {
					return true, err
				}
				uploading = false
				if o.State() == StateListening {
					o.transition(ctx, StateStreaming)
				}
				if listenTimer != nil {
					listenTimer.Stop()
					listenC = nil
				}
				progress.Reset(o.cfg.SessionTimeout)

			case uploading && u == nil && ev.Type == vad.SpeechEnd:
				// The interrupting speech was a sub-minimum blip; nothing
				// will be uploaded, so bound the wait for real speech the
				// same way a follow-up is bounded.
				log.Info("session: discarded blip, waiting for speech")
				if listenTimer == nil {
					listenTimer = time.NewTimer(o.cfg.ListenTimeout)
				} else {
					listenTimer.Stop()
					listenTimer.Reset(o.cfg.ListenTimeout)
				}
				listenC = listenTimer.C
			}

		case res := <-results:
			pa, known := outstanding[res.ID]
			if !known {
				log.Warn("session: result for unknown action", "id", res.ID)
				continue
			}
			delete(outstanding, res.ID)
			o.recordAction(ctx, turn, pa, res, log)
			if err := stream.SendActionResult(ctx, res); err != nil {
				return true, fmt.Errorf("session: send action result: %w", err)
			}
			if len(outstanding) == 0 && actionTimer != nil {
				actionTimer.Stop()
				actionC = nil
			}
			progress.Reset(o.cfg.SessionTimeout)

		case ev, ok := <-stream.Events():
			if !ok {
				return true, errors.New("session: stream closed unexpectedly")
			}
			progress.Reset(o.cfg.SessionTimeout)

			switch ev.Type {
			case realtime.EventPartialTranscript:
				log.Debug("session: partial transcript", "text", ev.Text)

			case realtime.EventFinalTranscript:
				log.Info("session: transcript", "role", ev.Role, "text", ev.Text)
				if err := o.recorder.RecordTranscript(ctx, history.Transcript{
					TurnID: turn.ID,
					Role:   ev.Role,
					Text:   ev.Text,
				}); err != nil {
					log.Warn("session: record transcript", "error", err)
				}

			case realtime.EventAudioChunk:
				if uploading {
					// Stale chunk racing a barge-in cancel.
					continue
				}
				if o.State() == StateStreaming {
					o.transition(ctx, StateSpeaking)
				}
				if o.State() == StateSpeaking {
					if err := o.sink.Play(ev.Audio); err != nil {
						log.Warn("session: playback failed", "error", err)
					}
				}

			case realtime.EventActionRequest:
				req := *ev.Action
				log.Info("session: action request", "action", req.Name, "id", req.ID)
				outstanding[req.ID] = pendingAction{req: req, started: time.Now()}
				ch := o.dispatcher.Dispatch(ctx, req)
				go func() {
					select {
					case res := <-ch:
						select {
						case results <- res:
						case <-ctx.Done():
						}
					case <-ctx.Done():
					}
				}()

			case realtime.EventTurnComplete:
				if len(outstanding) > 0 {
					// The model paused for action results; keep the loop
					// running but bound the wait.
					if actionC == nil {
						actionTimer = time.NewTimer(o.cfg.ActionWait)
						actionC = actionTimer.C
					}
					continue
				}
				if ev.MoreInput {
					o.drainPlayback(ctx)
					if o.State() == StateSpeaking {
						o.transition(ctx, StateStreaming)
					}
					o.transition(ctx, StateListening)
					uploading = true
					listenTimer = time.NewTimer(o.cfg.ListenTimeout)
					listenC = listenTimer.C
					continue
				}
				o.drainPlayback(ctx)
				turn.End(ReasonCompleted)
				o.transition(ctx, StateIdle)
				return false, nil

			case realtime.EventError:
				return true, fmt.Errorf("session: stream error: %w", ev.Err)
			}
		}
	}
}

// sendUtterance uplinks the utterance frames in capture order and commits.
func (o *Orchestrator) sendUtterance(ctx context.Context, stream realtime.Stream, utt *Utterance) error {
	for _, f := range utt.Frames {
		if err := stream.SendAudio(ctx, f.Data); err != nil {
			return fmt.Errorf("session: send audio: %w", err)
		}
	}
	if err := stream.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit utterance: %w", err)
	}
	return nil
}

// drainPlayback lets queued speech finish before a state change, bounded by
// the session timeout.
func (o *Orchestrator) drainPlayback(ctx context.Context) {
	if o.State() != StateSpeaking {
		return
	}
	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.SessionTimeout)
	defer cancel()
	if err := o.sink.Drain(drainCtx); err != nil {
		o.log.Warn("session: playback drain cut short", "error", err)
		o.sink.Stop()
	}
}

// recordAction books the settled result on the turn and in history.
func (o *Orchestrator) recordAction(ctx context.Context, turn *Turn, pa pendingAction, res realtime.ActionResult, log *slog.Logger) {
	elapsed := time.Since(pa.started)
	turn.Actions = append(turn.Actions, ActionOutcome{
		Request:  pa.req,
		Result:   res,
		Duration: elapsed,
	})

	rec := history.ActionRecord{
		TurnID:    turn.ID,
		CallID:    res.ID,
		Name:      res.Name,
		Arguments: pa.req.Arguments,
		Output:    res.Output,
		Duration:  elapsed,
	}
	if res.Failure != nil {
		rec.FailureKind = string(res.Failure.Kind)
		rec.FailureMessage = res.Failure.Message
	}
	if err := o.recorder.RecordAction(ctx, rec); err != nil {
		log.Warn("session: record action", "error", err)
	}
}

// finishTurn books the completed turn.
func (o *Orchestrator) finishTurn(ctx context.Context, turn *Turn, log *slog.Logger) {
	if turn.EndReason == "" {
		turn.End(ReasonCompleted)
	}
	if o.metrics != nil {
		o.metrics.TurnDuration.Record(ctx, turn.Duration().Seconds())
	}
	if err := o.recorder.RecordTurn(ctx, history.TurnRecord{
		ID:        turn.ID,
		StartedAt: turn.StartedAt,
		EndedAt:   turn.EndedAt,
		EndReason: string(turn.EndReason),
		BargeIns:  turn.BargeIns,
	}); err != nil {
		log.Warn("session: record turn", "error", err)
	}
	log.Info("session: turn ended",
		"reason", turn.EndReason,
		"duration", turn.Duration(),
		"barge_ins", turn.BargeIns,
		"actions", len(turn.Actions))
}
