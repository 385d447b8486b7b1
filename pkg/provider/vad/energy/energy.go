// Package energy implements voice activity detection from normalised RMS
// frame energy with hysteresis on both edges: an utterance opens only after
// a run of consecutive loud frames and closes only after a run of
// consecutive quiet ones, so isolated pops and short pauses do not flip the
// state.
package energy

import (
	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
)

// Detector is an RMS threshold detector. Create one with New; the zero value
// is not usable.
type Detector struct {
	cfg vad.Config

	inSpeech bool
	loudRun  int
	quietRun int

	// pending buffers the activation run-up so SpeechStart can hand the
	// caller every frame that belongs to the utterance.
	pending []audio.Frame
}

// New builds a detector from cfg. Callers validate cfg beforehand.
func New(cfg vad.Config) *Detector {
	return &Detector{cfg: cfg}
}

// Process classifies one frame. Events always come in well-formed order:
// every SpeechStart is eventually matched by exactly one SpeechEnd before
// the next SpeechStart.
func (d *Detector) Process(f audio.Frame) vad.Event {
	rms := audio.RMS(f.Data)

	if !d.inSpeech {
		if rms >= d.cfg.SpeechThreshold {
			d.loudRun++
			d.pending = append(d.pending, f)
			if d.loudRun >= d.cfg.ActivationFrames {
				d.inSpeech = true
				d.loudRun = 0
				d.quietRun = 0
				frames := d.pending
				d.pending = nil
				return vad.Event{Type: vad.SpeechStart, Frames: frames}
			}
			return vad.Event{Type: vad.Silence}
		}
		// Run broken before activation: the buffered frames were noise.
		d.loudRun = 0
		d.pending = d.pending[:0]
		return vad.Event{Type: vad.Silence}
	}

	if rms < d.cfg.SilenceThreshold {
		d.quietRun++
		if d.quietRun >= d.cfg.HangoverFrames {
			d.inSpeech = false
			d.quietRun = 0
			return vad.Event{Type: vad.SpeechEnd, Frames: []audio.Frame{f}}
		}
		return vad.Event{Type: vad.SpeechContinue, Frames: []audio.Frame{f}}
	}

	d.quietRun = 0
	return vad.Event{Type: vad.SpeechContinue, Frames: []audio.Frame{f}}
}

// Reset returns the detector to the quiescent state.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.loudRun = 0
	d.quietRun = 0
	d.pending = nil
}

var _ vad.Detector = (*Detector)(nil)
