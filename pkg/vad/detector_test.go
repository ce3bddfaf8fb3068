package vad

import (
	"testing"
)

// frameWithEnergy builds a frame whose RMS is exactly the given energy.
func frameWithEnergy(energy float64, n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(energy)
	}
	return samples
}

func feed(d *Detector, energy float64, count int) []State {
	states := make([]State, 0, count)
	for i := 0; i < count; i++ {
		states = append(states, d.Process(frameWithEnergy(energy, 128)))
	}
	return states
}

func TestHysteresisRequiresThreeSpeechFrames(t *testing.T) {
	d := New(Config{})

	feed(d, 0, 20)

	// Two loud frames are not enough to flip.
	states := feed(d, 0.05, 2)
	for i, st := range states {
		if st.Speaking {
			t.Errorf("frame %d: speaking flipped before 3 consecutive active frames", i)
		}
		if st.Changed {
			t.Errorf("frame %d: spurious transition", i)
		}
	}

	// A silent frame resets the run; two more loud frames still must not flip.
	feed(d, 0, 1)
	states = feed(d, 0.05, 2)
	if states[len(states)-1].Speaking {
		t.Error("speech run survived an intervening silent frame")
	}

	// The third consecutive active frame flips.
	st := d.Process(frameWithEnergy(0.05, 128))
	if !st.Speaking {
		t.Error("expected speaking=true on third consecutive active frame")
	}
	if !st.Changed {
		t.Error("expected Changed=true on the transition frame")
	}
}

func TestHysteresisRequiresTenSilenceFrames(t *testing.T) {
	d := New(Config{})

	feed(d, 0.05, 5)
	if !d.Speaking() {
		t.Fatal("detector not speaking after sustained loud input")
	}

	states := feed(d, 0, 9)
	for i, st := range states {
		if !st.Speaking {
			t.Fatalf("frame %d: speaking flipped before 10 consecutive inactive frames", i)
		}
	}

	st := d.Process(frameWithEnergy(0, 128))
	if st.Speaking {
		t.Error("expected speaking=false after 10 consecutive inactive frames")
	}
	if !st.Changed {
		t.Error("expected Changed=true on the silence transition frame")
	}
}

func TestEndToEndScenario(t *testing.T) {
	// 50 silent frames, 5 loud frames (0.05 > default threshold 0.01),
	// 50 silent frames. Expect exactly one speech-start after frame 3 of
	// the loud run and one speech-end after frame 10 of the second
	// silence run.
	d := New(Config{})

	for i, st := range feed(d, 0, 50) {
		if st.Speaking {
			t.Fatalf("initial silence frame %d: isSpeaking=true", i)
		}
		if st.Changed {
			t.Fatalf("initial silence frame %d: unexpected transition", i)
		}
	}

	loud := feed(d, 0.05, 5)
	for i, st := range loud {
		wantSpeaking := i >= 2 // zero-based: transition on the 3rd frame
		if st.Speaking != wantSpeaking {
			t.Errorf("loud frame %d: isSpeaking=%v, want %v", i+1, st.Speaking, wantSpeaking)
		}
		if st.Changed != (i == 2) {
			t.Errorf("loud frame %d: Changed=%v", i+1, st.Changed)
		}
	}

	tail := feed(d, 0, 50)
	for i, st := range tail {
		wantSpeaking := i < 9 // still speaking through the 9th silent frame
		if st.Speaking != wantSpeaking {
			t.Errorf("trailing silence frame %d: isSpeaking=%v, want %v", i+1, st.Speaking, wantSpeaking)
		}
		if st.Changed != (i == 9) {
			t.Errorf("trailing silence frame %d: Changed=%v", i+1, st.Changed)
		}
	}

	stats := d.Stats()
	if stats.Transitions != 2 {
		t.Errorf("expected exactly 2 transitions, got %d", stats.Transitions)
	}
	if stats.FramesProcessed != 105 {
		t.Errorf("expected 105 frames processed, got %d", stats.FramesProcessed)
	}
}

func TestConfidenceCapped(t *testing.T) {
	d := New(Config{})
	states := feed(d, 0.9, 5)
	for i, st := range states {
		if st.Confidence > 2.0 {
			t.Errorf("frame %d: confidence %v above cap", i, st.Confidence)
		}
	}
	if states[len(states)-1].Confidence != 2.0 {
		t.Errorf("expected saturated confidence 2.0, got %v", states[len(states)-1].Confidence)
	}
}

func TestAdaptThreshold(t *testing.T) {
	d := New(Config{})

	d.AdaptThreshold(0.02)
	if got := d.Threshold(); got != 0.05 {
		t.Errorf("AdaptThreshold(0.02) = %v, want 0.05", got)
	}

	// Very quiet noise floors clamp to the minimum.
	d.AdaptThreshold(0.0001)
	if got := d.Threshold(); got != 0.005 {
		t.Errorf("AdaptThreshold(0.0001) = %v, want 0.005", got)
	}
}

func TestResetPreservesThreshold(t *testing.T) {
	d := New(Config{Threshold: 0.02})
	feed(d, 0.5, 10)
	d.Reset()

	if d.Speaking() {
		t.Error("still speaking after reset")
	}
	if got := d.Threshold(); got != 0.02 {
		t.Errorf("threshold changed by reset: %v", got)
	}
	if stats := d.Stats(); stats.FramesProcessed != 0 {
		t.Errorf("stats not cleared by reset: %+v", stats)
	}
}
