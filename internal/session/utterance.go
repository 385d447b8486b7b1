package session

import (
	"time"

	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
)

// Utterance is one endpointed run of speech frames in capture order.
type Utterance struct {
	Frames []audio.Frame
}

// PCM concatenates the frame payloads.
func (u *Utterance) PCM() []byte {
	var n int
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// AssemblerConfig tunes utterance assembly.
type AssemblerConfig struct {
	// SampleRate is the capture rate in Hz, used to derive durations from
	// sample counts.
	SampleRate int

	// MinUtterance discards endpointed speech shorter than this as noise.
	MinUtterance time.Duration
}

// Assembler turns detector events into utterances. It buffers frames from
// speech start through speech end and applies the minimum-utterance filter,
// so callers see either a complete usable utterance or nothing.
type Assembler struct {
	det vad.Detector
	cfg AssemblerConfig

	frames []audio.Frame
}

// NewAssembler wraps det. The detector's state is owned by the assembler
// for the lifetime of a turn; call [Assembler.Reset] between turns.
func NewAssembler(det vad.Detector, cfg AssemblerConfig) *Assembler {
	return &Assembler{det: det, cfg: cfg}
}

// Feed classifies one frame and returns the detector event plus a complete
// utterance when this frame closed one. Speech shorter than MinUtterance
// returns a SpeechEnd event with a nil utterance.
func (a *Assembler) Feed(f audio.Frame) (vad.Event, *Utterance) {
	ev := a.det.Process(f)
	switch ev.Type {
	case vad.SpeechStart:
		a.frames = append(a.frames[:0], ev.Frames...)
	case vad.SpeechContinue:
		a.frames = append(a.frames, ev.Frames...)
	case vad.SpeechEnd:
		a.frames = append(a.frames, ev.Frames...)
		frames := a.frames
		a.frames = nil
		if a.duration(frames) < a.cfg.MinUtterance {
			return ev, nil
		}
		return ev, &Utterance{Frames: frames}
	}
	return ev, nil
}

// Collecting reports whether an utterance is currently open.
func (a *Assembler) Collecting() bool { return len(a.frames) > 0 }

// Reset clears the detector and any partially collected utterance.
func (a *Assembler) Reset() {
	a.det.Reset()
	a.frames = nil
}

// duration derives wall time from the PCM16 sample count.
func (a *Assembler) duration(frames []audio.Frame) time.Duration {
	if a.cfg.SampleRate <= 0 {
		return 0
	}
	var samples int
	for _, f := range frames {
		samples += len(f.Data) / 2
	}
	return time.Duration(samples) * time.Second / time.Duration(a.cfg.SampleRate)
}
