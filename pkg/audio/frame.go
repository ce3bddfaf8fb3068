// Package audio provides the capture-side primitives of the voice
// pipeline: frames, the signal conditioner, and capture sources.
package audio

// Fixed pipeline audio parameters. The wire protocol carries PCM16 mono
// at 24kHz, so capture runs at the same rate to avoid a resample hop.
const (
	SampleRate = 24000
	Channels   = 1

	// DefaultFrameSize is the number of samples per capture frame.
	// 128 samples at 24kHz is ~5.3ms, small enough for low latency.
	DefaultFrameSize = 128
)

// Frame is a fixed-size buffer of normalized float samples in [-1, 1]
// with a monotonic sequence number. A frame is immutable once produced;
// each stage hands it off to the next rather than mutating in place.
type Frame struct {
	Samples    []float32
	SampleRate int
	Seq        uint64
}

// NewFrame copies samples into a new frame with the given sequence number.
func NewFrame(samples []float32, seq uint64) Frame {
	buf := make([]float32, len(samples))
	copy(buf, samples)
	return Frame{
		Samples:    buf,
		SampleRate: SampleRate,
		Seq:        seq,
	}
}

// Len returns the frame length in samples.
func (f Frame) Len() int {
	return len(f.Samples)
}
