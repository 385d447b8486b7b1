// Package porcupine adapts the Picovoice Porcupine detector to the wake
// Engine interface. Porcupine consumes fixed 512-sample windows at 16 kHz;
// the adapter rebuffers arbitrary capture frames into those windows.
package porcupine

import (
	"encoding/binary"
	"fmt"
	"strings"

	pv "github.com/Picovoice/porcupine/binding/go/v3"

	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/wake"
)

// Config selects the wake model.
type Config struct {
	// AccessKey is the Picovoice access key. Required.
	AccessKey string

	// Keyword names a built-in keyword ("porcupine", "jarvis", ...). Used
	// when KeywordPath is empty.
	Keyword string

	// KeywordPath points at a custom .ppn model and takes precedence over
	// Keyword.
	KeywordPath string

	// Sensitivity in [0, 1]; higher detects more at the cost of false
	// positives.
	Sensitivity float32
}

// Engine is a Porcupine-backed wake engine.
type Engine struct {
	p       pv.Porcupine
	window  []int16
	pending []int16
}

// New initialises the detector. The caller must Close it.
func New(cfg Config) (*Engine, error) {
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("porcupine: access key required")
	}

	p := pv.Porcupine{
		AccessKey:     cfg.AccessKey,
		Sensitivities: []float32{cfg.Sensitivity},
	}
	if cfg.KeywordPath != "" {
		p.KeywordPaths = []string{cfg.KeywordPath}
	} else {
		// Init validates the keyword against the models shipped with the
		// binding.
		p.BuiltInKeywords = []pv.BuiltInKeyword{pv.BuiltInKeyword(strings.ToLower(cfg.Keyword))}
	}

	if err := p.Init(); err != nil {
		return nil, fmt.Errorf("porcupine: init: %w", err)
	}
	return &Engine{
		p:      p,
		window: make([]int16, pv.FrameLength),
	}, nil
}

// SampleRate returns the sample rate the model expects.
func SampleRate() int { return pv.SampleRate }

// Process rebuffers the frame into model windows and reports whether any
// window contained the wake word.
func (e *Engine) Process(f audio.Frame) (bool, error) {
	for i := 0; i+1 < len(f.Data); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(f.Data[i:])))
	}

	detected := false
	for len(e.pending) >= len(e.window) {
		copy(e.window, e.pending[:len(e.window)])
		e.pending = e.pending[len(e.window):]

		idx, err := e.p.Process(e.window)
		if err != nil {
			return false, fmt.Errorf("porcupine: process: %w", err)
		}
		if idx >= 0 {
			detected = true
		}
	}
	return detected, nil
}

// Close releases the native detector.
func (e *Engine) Close() error {
	if err := e.p.Delete(); err != nil {
		return fmt.Errorf("porcupine: delete: %w", err)
	}
	return nil
}

var _ wake.Engine = (*Engine)(nil)
