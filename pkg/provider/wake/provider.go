// Package wake defines the wake-word contract and the [Gate] that turns raw
// per-frame detections into at most one activation per idle period.
//
// Engines live in subpackages: [porcupine] wraps the Picovoice detector and
// Always activates on the first frame for deployments that run without a
// wake word.
package wake

import "github.com/kestrel-voice/kestrel/pkg/audio"

// Engine scans captured audio for the wake word. Implementations buffer
// internally when the capture frame size differs from the model's.
type Engine interface {
	// Process scans one frame and reports whether the wake word completed
	// inside it.
	Process(f audio.Frame) (bool, error)

	// Close releases the engine's resources.
	Close() error
}

// Always is an Engine that fires on every frame. Used when the wake word is
// disabled so a session starts as soon as the pipeline runs.
type Always struct{}

func (Always) Process(audio.Frame) (bool, error) { return true, nil }
func (Always) Close() error                      { return nil }

var _ Engine = Always{}
