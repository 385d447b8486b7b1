// Package vad defines the voice-activity-detection contract used by the
// session pipeline. A Detector classifies each captured frame into one of
// four events; the hysteresis behind that classification (how many loud
// frames open an utterance, how many quiet ones close it) is entirely the
// implementation's business and is driven by [Config].
//
// Implementations live in subpackages; [energy] ships an RMS-threshold
// detector and [mock] a scriptable one for tests.
package vad

import (
	"errors"
	"fmt"

	"github.com/kestrel-voice/kestrel/pkg/audio"
)

// EventType classifies a frame relative to the current utterance.
type EventType int

const (
	// Silence marks a frame outside any utterance.
	Silence EventType = iota
	// SpeechStart marks the frame on which an utterance opens. The event
	// carries the frames retroactively attributed to the utterance, so the
	// activation run-up is not lost.
	SpeechStart
	// SpeechContinue marks a frame inside an open utterance, including
	// sub-threshold frames still within the hangover window.
	SpeechContinue
	// SpeechEnd marks the frame on which an utterance closes.
	SpeechEnd
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return fmt.Sprintf("vad(%d)", int(t))
	}
}

// Event is the detector's verdict for one frame.
type Event struct {
	Type EventType

	// Frames holds the frames this event attributes to the utterance. For
	// SpeechStart it contains the whole activation run-up (oldest first);
	// for SpeechContinue and SpeechEnd it contains just the current frame;
	// for Silence it is nil.
	Frames []audio.Frame
}

// Detector consumes frames one at a time and reports utterance boundaries.
// Implementations are not safe for concurrent use; the session pipeline
// feeds a detector from a single goroutine.
type Detector interface {
	// Process classifies the next frame.
	Process(f audio.Frame) Event

	// Reset discards all internal state so the detector can serve a fresh
	// turn. No state carries across a Reset.
	Reset()
}

// Config parameterises a threshold detector. Thresholds are normalised RMS
// energies in [0, 1].
type Config struct {
	// SpeechThreshold is the energy at or above which a frame counts as
	// speech for opening an utterance.
	SpeechThreshold float64

	// SilenceThreshold is the energy below which a frame counts as silence
	// for closing an utterance. Must not exceed SpeechThreshold.
	SilenceThreshold float64

	// ActivationFrames is how many consecutive speech frames open an
	// utterance.
	ActivationFrames int

	// HangoverFrames is how many consecutive silence frames close an open
	// utterance. Short pauses inside speech stay inside the utterance.
	HangoverFrames int
}

// Validate reports every constraint violation in the config.
func (c Config) Validate() error {
	var errs []error
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("speech threshold %v outside (0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("silence threshold %v outside [0, speech threshold]", c.SilenceThreshold))
	}
	if c.ActivationFrames < 1 {
		errs = append(errs, fmt.Errorf("activation frames %d must be >= 1", c.ActivationFrames))
	}
	if c.HangoverFrames < 1 {
		errs = append(errs, fmt.Errorf("hangover frames %d must be >= 1", c.HangoverFrames))
	}
	if len(errs) > 0 {
		return fmt.Errorf("vad: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
