package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common source errors.
var (
	ErrSourceStarted = errors.New("audio: source already started")
	ErrSourceStopped = errors.New("audio: source stopped")
)

// Source produces capture frames at a steady cadence. The returned
// channel is owned by the source and is closed when the source stops or
// the context is cancelled. Implementations own the underlying capture
// device exclusively for their lifetime.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// ChanSource is a push-style source: an external producer (for example
// a websocket ingest handler) pushes sample buffers and ChanSource turns
// them into sequenced frames. Pushes after Stop are dropped.
type ChanSource struct {
	frameSize int

	mu      sync.Mutex
	out     chan Frame
	pending []float32
	seq     uint64
	started bool
	stopped bool
}

// NewChanSource creates a push source emitting frames of frameSize
// samples. A frameSize of 0 uses DefaultFrameSize.
func NewChanSource(frameSize int) *ChanSource {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &ChanSource{frameSize: frameSize}
}

// Start returns the frame channel. The source buffers a small number of
// frames so a slow consumer does not immediately stall the producer.
func (s *ChanSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, ErrSourceStarted
	}
	s.started = true
	s.out = make(chan Frame, 32)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.out, nil
}

// Push appends samples and emits as many full frames as are available.
// If the consumer is not keeping up the new frame is dropped rather
// than blocking the capture path.
func (s *ChanSource) Push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return
	}

	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSize {
		frame := NewFrame(s.pending[:s.frameSize], s.seq)
		s.seq++
		s.pending = s.pending[s.frameSize:]

		select {
		case s.out <- frame:
		default:
			// Consumer stalled; drop rather than block capture.
		}
	}
}

// Stop closes the frame channel. Safe to call more than once.
func (s *ChanSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	close(s.out)
	return nil
}

// SyntheticSource generates frames from a sample function at a fixed
// cadence. It stands in for a microphone in demos and tests.
type SyntheticSource struct {
	frameSize int
	interval  time.Duration
	gen       func(seq uint64, buf []float32)

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewSyntheticSource creates a synthetic source. gen fills buf with the
// samples for the frame with the given sequence number; a nil gen
// produces silence. interval <= 0 derives the real-time cadence from the
// frame size.
func NewSyntheticSource(frameSize int, interval time.Duration, gen func(seq uint64, buf []float32)) *SyntheticSource {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if interval <= 0 {
		interval = time.Duration(frameSize) * time.Second / SampleRate
	}
	return &SyntheticSource{
		frameSize: frameSize,
		interval:  interval,
		gen:       gen,
	}
}

// Start begins frame production.
func (s *SyntheticSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, ErrSourceStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	out := make(chan Frame, 8)

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		var seq uint64
		buf := make([]float32, s.frameSize)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := range buf {
					buf[i] = 0
				}
				if s.gen != nil {
					s.gen(seq, buf)
				}
				frame := NewFrame(buf, seq)
				seq++
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Stop cancels frame production.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
