// Package audio provides the audio transport primitives for the Kestrel voice
// pipeline: the [Frame] value that flows between components, the [Bus] that
// fans captured frames out to multiple consumers without blocking the capture
// device, and the [Sink] that plays synthesised speech with support for
// mid-playback interruption.
//
// The single microphone and speaker devices are owned exclusively by the Bus
// producer and the Sink respectively; no other component touches them.
package audio

import "time"

// Frame is one fixed-duration block of little-endian PCM16 mono samples
// captured from the microphone. Frames are immutable once captured: they are
// distributed to consumers as shared read-only values and must never be
// mutated after creation.
type Frame struct {
	// Data holds the raw PCM16 samples.
	Data []byte

	// Seq is the monotonically increasing capture sequence number. Consumers
	// use it to detect gaps caused by drops.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Source produces captured audio frames at a fixed sample rate and frame
// size. Implementations wrap the platform capture device; the channel is
// closed when the device is closed or fails.
type Source interface {
	// Frames returns the channel on which captured frames arrive.
	Frames() <-chan Frame

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// OutputDevice is the playback end of the audio hardware. Write blocks until
// the device has accepted the samples.
type OutputDevice interface {
	Write(pcm []byte) error
}
