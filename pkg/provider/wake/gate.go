package wake

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kestrel-voice/kestrel/pkg/audio"
)

// Activation is one wake event.
type Activation struct {
	// At is the capture timestamp of the triggering frame.
	At time.Duration
	// Seq is the triggering frame's sequence number.
	Seq uint64
}

// Gate consumes frames from a bus subscription, runs them through an Engine,
// and emits at most one Activation per idle period. After firing, the gate
// disengages: further detections are swallowed until Reset. A refractory
// window after Reset absorbs the tail of the wake word itself so it cannot
// immediately retrigger.
type Gate struct {
	engine     Engine
	sub        *audio.Subscription
	log        *slog.Logger
	refractory time.Duration

	activations chan Activation
	armed       atomic.Bool
	armedAt     atomic.Int64 // unix nanos of the last Reset
}

// NewGate wires engine to sub. The gate starts armed.
func NewGate(engine Engine, sub *audio.Subscription, refractory time.Duration, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{
		engine:      engine,
		sub:         sub,
		log:         log,
		refractory:  refractory,
		activations: make(chan Activation, 1),
	}
	g.armed.Store(true)
	g.armedAt.Store(time.Now().UnixNano())
	return g
}

// Activations delivers wake events. The channel has capacity one; the gate
// disengages after sending, so it can never back up.
func (g *Gate) Activations() <-chan Activation { return g.activations }

// Reset rearms the gate for the next idle period.
func (g *Gate) Reset() {
	g.armedAt.Store(time.Now().UnixNano())
	g.armed.Store(true)
}

// Armed reports whether the gate would currently act on a detection.
func (g *Gate) Armed() bool { return g.armed.Load() }

// Run processes frames until the context ends or the subscription closes.
// Frames arriving while disengaged are still fed to the engine so its
// internal buffer stays aligned with the capture stream.
func (g *Gate) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-g.sub.C():
			if !ok {
				return nil
			}
			detected, err := g.engine.Process(f)
			if err != nil {
				g.log.Error("wake: engine error", "error", err, "seq", f.Seq)
				continue
			}
			if !detected || !g.armed.Load() {
				continue
			}
			if time.Since(time.Unix(0, g.armedAt.Load())) < g.refractory {
				continue
			}
			if g.armed.CompareAndSwap(true, false) {
				g.activations <- Activation{At: f.Timestamp, Seq: f.Seq}
				g.log.Info("wake: activated", "seq", f.Seq)
			}
		}
	}
}

// Close releases the underlying engine.
func (g *Gate) Close() error {
	g.sub.Cancel()
	return g.engine.Close()
}
