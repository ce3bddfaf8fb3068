// Package playback schedules decoded assistant audio for the output
// device: a FIFO of buffers played in order, with cancel-on-interrupt
// that takes effect mid-buffer.
package playback

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

// Output is the speaker device. Write blocks until the device accepts
// the samples. The scheduler owns its Output exclusively and closes it
// on Close.
type Output interface {
	Write(samples []float32) error
	Close() error
}

// NullOutput discards samples. Used by tests and text-only sessions.
type NullOutput struct{}

func (NullOutput) Write([]float32) error { return nil }
func (NullOutput) Close() error          { return nil }

// chunkSamples is the slice size written to the device per call. Small
// writes keep Cancel latency well under the 250ms interruption bound
// even when the device paces playback in real time.
const chunkSamples = 480 // 20ms at 24kHz

// Scheduler plays queued buffers in FIFO order on its own goroutine.
type Scheduler struct {
	out Output

	mu      sync.Mutex
	queue   [][]float32
	gen     uint64 // bumped by Cancel; abandons the in-flight buffer
	playing bool
	closed  bool
	drainCh chan struct{} // closed and replaced on each drain
	notify  chan struct{} // kicked on enqueue
	stopped chan struct{} // closed when the play loop exits

	onDrain func()
}

// NewScheduler creates a scheduler and starts its playback loop.
func NewScheduler(out Output) *Scheduler {
	s := &Scheduler{
		out:     out,
		drainCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

// OnDrain registers a callback fired each time the queue empties after
// having played something. Used to detect natural end of an assistant
// utterance.
func (s *Scheduler) OnDrain(fn func()) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

// Enqueue appends a buffer to the queue.
func (s *Scheduler) Enqueue(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	s.queue = append(s.queue, buf)
	s.playing = true

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cancel immediately stops the in-flight buffer and drains the queue.
// It is signal-only and returns without waiting for the device; the
// play loop abandons its current buffer at the next chunk boundary.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	wasPlaying := s.playing
	s.playing = false
	var drained chan struct{}
	if wasPlaying {
		drained = s.drainCh
		s.drainCh = make(chan struct{})
	}
	s.mu.Unlock()

	if drained != nil {
		close(drained)
	}
}

// QueueLen returns the number of queued buffers (excluding any chunk
// currently being written).
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Playing reports whether audio is queued or in flight.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Wait blocks until the queue drains naturally, the scheduler is
// cancelled, or the context ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return nil
	}
	drained := s.drainCh
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels playback, stops the loop and releases the output
// device. Safe to call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.queue = nil
	s.playing = false
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	<-s.stopped
	return s.out.Close()
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			// Queue drained. If something played since the last drain,
			// fire the drain signal.
			var drained chan struct{}
			var onDrain func()
			if s.playing {
				s.playing = false
				drained = s.drainCh
				s.drainCh = make(chan struct{})
				onDrain = s.onDrain
			}
			s.mu.Unlock()

			if drained != nil {
				close(drained)
				if onDrain != nil {
					onDrain()
				}
			}
			<-s.notify
			continue
		}

		buf := s.queue[0]
		s.queue = s.queue[1:]
		gen := s.gen
		s.mu.Unlock()

		s.playBuffer(buf, gen)
	}
}

// playBuffer writes one buffer in small chunks, abandoning it if Cancel
// bumped the generation.
func (s *Scheduler) playBuffer(buf []float32, gen uint64) {
	for off := 0; off < len(buf); off += chunkSamples {
		s.mu.Lock()
		stale := s.gen != gen || s.closed
		s.mu.Unlock()
		if stale {
			return
		}

		end := off + chunkSamples
		if end > len(buf) {
			end = len(buf)
		}
		if err := s.out.Write(buf[off:end]); err != nil {
			// Device write failures abandon the buffer; the session
			// surfaces device loss through its own error path.
			return
		}
	}
}
