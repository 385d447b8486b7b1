// Package mock provides in-memory audio devices for tests: a scripted
// capture source and a recording output device.
package mock

import (
	"sync"
	"time"

	"github.com/kestrel-voice/kestrel/pkg/audio"
)

// Source replays a fixed script of frames on demand.
type Source struct {
	ch     chan audio.Frame
	once   sync.Once
	seq    uint64
	frameD time.Duration
}

// NewSource creates a source whose Emit calls stamp frames frameDur apart.
func NewSource(depth int, frameDur time.Duration) *Source {
	return &Source{ch: make(chan audio.Frame, depth), frameD: frameDur}
}

// Emit pushes one frame of the given PCM data, assigning sequence and
// timestamp. Blocks if the channel is full.
func (s *Source) Emit(pcm []byte) audio.Frame {
	f := audio.Frame{
		Data:      pcm,
		Seq:       s.seq,
		Timestamp: time.Duration(s.seq) * s.frameD,
	}
	s.seq++
	s.ch <- f
	return f
}

func (s *Source) Frames() <-chan audio.Frame { return s.ch }

func (s *Source) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

var _ audio.Source = (*Source)(nil)

// MemoryDevice records every block written to it.
type MemoryDevice struct {
	mu     sync.Mutex
	blocks [][]byte

	// WriteDelay, if set, makes each Write take that long. Used to simulate
	// a slow speaker in interrupt tests.
	WriteDelay time.Duration

	// Err, if set, is returned by every Write.
	Err error
}

func (d *MemoryDevice) Write(pcm []byte) error {
	if d.WriteDelay > 0 {
		time.Sleep(d.WriteDelay)
	}
	if d.Err != nil {
		return d.Err
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.mu.Lock()
	d.blocks = append(d.blocks, cp)
	d.mu.Unlock()
	return nil
}

// Blocks returns a copy of everything written so far.
func (d *MemoryDevice) Blocks() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.blocks))
	copy(out, d.blocks)
	return out
}

var _ audio.OutputDevice = (*MemoryDevice)(nil)
