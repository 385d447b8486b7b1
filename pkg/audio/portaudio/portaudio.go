// Package portaudio binds the capture and playback sides of the pipeline to
// the host audio hardware through PortAudio. Exactly one Capture and one
// Output may be open at a time; the pipeline owns both exclusively.
package portaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/kestrel-voice/kestrel/pkg/audio"
)

var initOnce sync.Once

func ensureInit() error {
	var err error
	initOnce.Do(func() { err = pa.Initialize() })
	return err
}

// Capture reads fixed-size PCM16 mono frames from the default input device
// and publishes them on Frames.
type Capture struct {
	stream   *pa.Stream
	buf      []int16
	ch       chan audio.Frame
	frameDur time.Duration
	log      *slog.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// OpenCapture opens the default input device at the given sample rate and
// frame size (in samples) and starts the capture loop.
func OpenCapture(sampleRate, frameSamples int, log *slog.Logger) (*Capture, error) {
	if err := ensureInit(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	buf := make([]int16, frameSamples)
	stream, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start capture stream: %w", err)
	}

	c := &Capture{
		stream:   stream,
		buf:      buf,
		ch:       make(chan audio.Frame, 8),
		frameDur: time.Duration(frameSamples) * time.Second / time.Duration(sampleRate),
		log:      log,
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c, nil
}

func (c *Capture) loop() {
	defer c.wg.Done()
	defer close(c.ch)

	var seq uint64
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			c.log.Error("portaudio: capture read failed", "error", err)
			return
		}

		data := make([]byte, len(c.buf)*2)
		for i, s := range c.buf {
			binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
		}
		f := audio.Frame{
			Data:      data,
			Seq:       seq,
			Timestamp: time.Duration(seq) * c.frameDur,
		}
		seq++

		select {
		case c.ch <- f:
		case <-c.stop:
			return
		}
	}
}

func (c *Capture) Frames() <-chan audio.Frame { return c.ch }

// Close stops the capture loop and releases the device.
func (c *Capture) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	if err := c.stream.Stop(); err != nil {
		c.stream.Close()
		return fmt.Errorf("portaudio: stop capture stream: %w", err)
	}
	if err := c.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close capture stream: %w", err)
	}
	return nil
}

var _ audio.Source = (*Capture)(nil)

// Output writes PCM16 mono blocks to the default output device.
type Output struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	closed bool
}

// OpenOutput opens the default output device. blockSamples is the device
// write granularity; larger incoming blocks are written in slices.
func OpenOutput(sampleRate, blockSamples int) (*Output, error) {
	if err := ensureInit(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]int16, blockSamples)
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), blockSamples, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Output{stream: stream, buf: buf}, nil
}

// Write plays one PCM16 block, padding the final device buffer with silence.
func (o *Output) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrSinkClosed
	}

	samples := len(pcm) / 2
	for off := 0; off < samples; off += len(o.buf) {
		n := len(o.buf)
		if rem := samples - off; rem < n {
			n = rem
		}
		for i := 0; i < n; i++ {
			o.buf[i] = int16(binary.LittleEndian.Uint16(pcm[2*(off+i):]))
		}
		for i := n; i < len(o.buf); i++ {
			o.buf[i] = 0
		}
		if err := o.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: output write: %w", err)
		}
	}
	return nil
}

// Close stops playback and releases the device.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.stream.Stop(); err != nil {
		o.stream.Close()
		return fmt.Errorf("portaudio: stop output stream: %w", err)
	}
	if err := o.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close output stream: %w", err)
	}
	return nil
}

var _ audio.OutputDevice = (*Output)(nil)
