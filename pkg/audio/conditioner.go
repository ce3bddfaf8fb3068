package audio

// Conditioner parameters.
const (
	// dcAlpha is the pole of the one-pole DC-removal high-pass filter.
	dcAlpha = 0.995

	// softLimit is the hard bound applied after DC removal. Leaving
	// headroom below full scale keeps downstream PCM16 conversion away
	// from clipping artifacts.
	softLimit = 0.95
)

// Conditioner applies per-sample DC removal and soft limiting to raw
// capture frames. It owns persistent filter state, so one instance must
// process exactly one capture stream. Given the same input stream from a
// fresh instance the output is fully deterministic.
type Conditioner struct {
	xPrev float64
	yPrev float64
}

// NewConditioner returns a conditioner with zeroed filter state.
func NewConditioner() *Conditioner {
	return &Conditioner{}
}

// Process returns a conditioned copy of the frame. The input frame is
// not modified. Length, rate and sequence number are preserved.
func (c *Conditioner) Process(f Frame) Frame {
	out := make([]float32, len(f.Samples))
	for i, s := range f.Samples {
		x := float64(s)

		// DC blocker: y = x - xPrev + alpha*yPrev
		y := x - c.xPrev + dcAlpha*c.yPrev
		c.xPrev = x
		c.yPrev = y

		if y > softLimit {
			y = softLimit
		} else if y < -softLimit {
			y = -softLimit
		}
		out[i] = float32(y)
	}

	return Frame{
		Samples:    out,
		SampleRate: f.SampleRate,
		Seq:        f.Seq,
	}
}

// Reset zeroes the filter state, as at stream start.
func (c *Conditioner) Reset() {
	c.xPrev = 0
	c.yPrev = 0
}
