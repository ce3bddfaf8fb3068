package codec

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeSampleExtremes(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{-1.0, -32768},
		{1.0, 32767},
		{0, 0},
		{-2.0, -32768}, // clamped
		{2.0, 32767},   // clamped
	}
	for _, tt := range tests {
		if got := EncodeSample(tt.in); got != tt.want {
			t.Errorf("EncodeSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRoundTripWithinOneQuantizationStep(t *testing.T) {
	const step = 1.0 / 32767

	// Sweep the full domain plus exact edge values.
	values := []float32{-1, -0.999, -0.5, -step, 0, step, 0.25, 0.5, 0.999, 1}
	for s := float32(-1); s <= 1; s += 0.00713 {
		values = append(values, s)
	}

	for _, s := range values {
		got := DecodeSample(EncodeSample(s))
		if diff := math.Abs(float64(got - s)); diff > step {
			t.Errorf("round trip of %v differs by %v (> %v)", s, diff, step)
		}
	}
}

func TestPCM16BytesRoundTrip(t *testing.T) {
	in := []float32{-1, -0.5, 0, 0.5, 1}
	data := FloatsToPCM16(in)
	if len(data) != len(in)*2 {
		t.Fatalf("expected %d bytes, got %d", len(in)*2, len(data))
	}

	out, err := PCM16ToFloats(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > 1.0/32767 {
			t.Errorf("sample %d: %v -> %v", i, in[i], out[i])
		}
	}
}

func TestPCM16ToFloatsOddPayload(t *testing.T) {
	_, err := PCM16ToFloats([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestBase64Framing(t *testing.T) {
	pcm := FloatsToPCM16([]float32{0.1, -0.1, 0.9})

	framed := EncodeBase64(pcm)
	unframed, err := DecodeBase64(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(unframed) != len(pcm) {
		t.Fatalf("length mismatch: %d != %d", len(unframed), len(pcm))
	}
	for i := range pcm {
		if unframed[i] != pcm[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestDecodeBase64Malformed(t *testing.T) {
	_, err := DecodeBase64("not//valid!!base64===")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}
