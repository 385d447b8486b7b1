// Package mock provides a scriptable voice activity detector for tests.
package mock

import (
	"github.com/kestrel-voice/kestrel/pkg/audio"
	"github.com/kestrel-voice/kestrel/pkg/provider/vad"
)

// Detector returns a scripted event per frame. Once the script runs out it
// reports silence forever. Resets is incremented on every Reset.
type Detector struct {
	Script []vad.EventType
	Resets int

	pos int
}

func (d *Detector) Process(f audio.Frame) vad.Event {
	if d.pos >= len(d.Script) {
		return vad.Event{Type: vad.Silence}
	}
	typ := d.Script[d.pos]
	d.pos++
	if typ == vad.Silence {
		return vad.Event{Type: vad.Silence}
	}
	return vad.Event{Type: typ, Frames: []audio.Frame{f}}
}

func (d *Detector) Reset() {
	d.pos = 0
	d.Resets++
}

var _ vad.Detector = (*Detector)(nil)
