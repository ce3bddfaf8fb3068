// Package vad implements voice activity detection over conditioned
// capture frames using smoothed RMS energy with hysteresis.
package vad

import (
	"math"
	"sync"
)

// Default tuning. Thresholds are configuration, not invariants; the
// hysteresis frame counts are the primary defense against flapping.
const (
	DefaultThreshold = 0.01

	// DefaultSmoothing is the weight given to the incoming frame's
	// energy. The smoother tracks the signal quickly; debouncing is the
	// job of the hysteresis counters, not the smoother.
	DefaultSmoothing = 0.95

	// DefaultSpeechFrames is the number of consecutive active frames
	// required to transition silence -> speech.
	DefaultSpeechFrames = 3

	// DefaultSilenceFrames is the number of consecutive inactive frames
	// required to transition speech -> silence.
	DefaultSilenceFrames = 10

	// minThreshold is the floor applied by AdaptThreshold.
	minThreshold = 0.005

	// maxConfidence caps the reported confidence ratio.
	maxConfidence = 2.0
)

// Config holds detector tuning parameters. Zero values fall back to the
// package defaults.
type Config struct {
	Threshold     float64
	Smoothing     float64
	SpeechFrames  int
	SilenceFrames int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = DefaultSmoothing
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = DefaultSpeechFrames
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	return c
}

// State is a snapshot of the detector after processing one frame.
// Changed is set only on actual speech/silence transitions; downstream
// consumers must act on transitions, not on every frame.
type State struct {
	Energy     float64
	Smoothed   float64
	Threshold  float64
	SpeechRun  int
	SilenceRun int
	Speaking   bool
	Confidence float64
	Changed    bool
}

// Stats reports cumulative detector counters for observability.
type Stats struct {
	FramesProcessed uint64
	VoiceFrames     uint64
	Transitions     uint64
}

// Detector classifies frames as speech or silence. It is safe for use
// from a single capture goroutine with concurrent readers of Stats and
// Threshold.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	smoothed   float64
	speechRun  int
	silenceRun int
	speaking   bool

	frames      uint64
	voiceFrames uint64
	transitions uint64
}

// New creates a detector with the given configuration.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Process classifies one frame of samples and returns the resulting
// state snapshot.
func (d *Detector) Process(samples []float32) State {
	energy := rms(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	// smoothed = w*energy + (1-w)*smoothed, w = cfg.Smoothing
	d.smoothed = d.cfg.Smoothing*energy + (1-d.cfg.Smoothing)*d.smoothed

	active := d.smoothed > d.cfg.Threshold
	changed := false

	if d.speaking {
		if active {
			d.silenceRun = 0
		} else {
			d.silenceRun++
			d.speechRun = 0
			if d.silenceRun >= d.cfg.SilenceFrames {
				d.speaking = false
				d.silenceRun = 0
				d.transitions++
				changed = true
			}
		}
	} else {
		if active {
			d.speechRun++
			d.silenceRun = 0
			if d.speechRun >= d.cfg.SpeechFrames {
				d.speaking = true
				d.speechRun = 0
				d.transitions++
				changed = true
			}
		} else {
			d.speechRun = 0
		}
	}

	d.frames++
	if active {
		d.voiceFrames++
	}

	confidence := d.smoothed / d.cfg.Threshold
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	return State{
		Energy:     energy,
		Smoothed:   d.smoothed,
		Threshold:  d.cfg.Threshold,
		SpeechRun:  d.speechRun,
		SilenceRun: d.silenceRun,
		Speaking:   d.speaking,
		Confidence: confidence,
		Changed:    changed,
	}
}

// AdaptThreshold derives a new activation threshold from a measured
// noise floor: max(0.005, noise*2.5).
func (d *Detector) AdaptThreshold(noise float64) {
	t := noise * 2.5
	if t < minThreshold {
		t = minThreshold
	}
	d.mu.Lock()
	d.cfg.Threshold = t
	d.mu.Unlock()
}

// Threshold returns the current activation threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Threshold
}

// Speaking reports whether the detector currently classifies the stream
// as speech.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stats returns cumulative counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		FramesProcessed: d.frames,
		VoiceFrames:     d.voiceFrames,
		Transitions:     d.transitions,
	}
}

// Reset clears detector state for a new capture session. The threshold
// is preserved.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smoothed = 0
	d.speechRun = 0
	d.silenceRun = 0
	d.speaking = false
	d.frames = 0
	d.voiceFrames = 0
	d.transitions = 0
}

// rms computes the root-mean-square energy of a frame.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
