package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSinkClosed is returned by Play after Close.
var ErrSinkClosed = fmt.Errorf("audio: sink closed")

// Sink plays queued PCM16 blocks on an output device from a single writer
// goroutine. Play never blocks: the downlink produces audio faster than the
// device plays it, and the caller's event loop must stay responsive for
// barge-in, so the queue grows as needed and the device write is the only
// pacing point. Stop interrupts playback immediately: the queue is flushed
// under the lock, so at most the block already at the device can still be
// heard.
type Sink struct {
	dev OutputDevice
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	writing int
	closed  bool

	done chan struct{}
}

// NewSink starts the playback writer over dev. Depth sizes the queue's
// initial capacity; the queue grows past it when the downlink runs ahead of
// the device.
func NewSink(dev OutputDevice, depth int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if depth < 1 {
		depth = 16
	}
	s := &Sink{
		dev:   dev,
		log:   log,
		queue: make([][]byte, 0, depth),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	s.mu.Lock()
	for {
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		pcm := s.queue[0]
		s.queue = s.queue[1:]
		s.writing++
		s.mu.Unlock()

		err := s.dev.Write(pcm)

		s.mu.Lock()
		s.writing--
		if err != nil {
			s.log.Error("sink: device write failed", "error", err)
		}
	}
}

// Play enqueues one PCM16 block for playback and returns immediately. It
// returns ErrSinkClosed after Close. A block enqueued after a Stop plays
// normally.
func (s *Sink) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.queue = append(s.queue, pcm)
	s.cond.Signal()
	return nil
}

// Stop discards all pending playback. The queue is cleared before Stop
// returns, so no block enqueued earlier can reach the device afterwards.
// Idempotent and safe from any goroutine.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

// Pending reports the number of blocks enqueued or currently being written.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + s.writing
}

// Drain waits until every queued block has been written or discarded, or
// the context expires. Used at the end of a Speaking phase so the assistant
// finishes its sentence before the session returns to Idle.
func (s *Sink) Drain(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for s.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-tick.C:
		}
	}
	return nil
}

// Close stops the writer after the queue empties. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.done
	return nil
}
