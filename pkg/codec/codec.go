// Package codec converts between the pipeline's normalized float
// samples and the PCM16 wire format, including base64 framing for
// JSON-carried events. All functions are pure; malformed inbound
// payloads return ErrMalformedPayload so callers can drop the chunk and
// continue.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPayload reports an inbound audio payload that cannot be
// decoded (bad base64 or an odd byte count).
var ErrMalformedPayload = errors.New("codec: malformed pcm16 payload")

// EncodeSample converts a normalized float sample to PCM16. Input is
// clamped to [-1, 1]; negative values scale by 32768 and positive by
// 32767 so both full-scale extremes are representable.
func EncodeSample(s float32) int16 {
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

// DecodeSample converts a PCM16 sample back to a normalized float,
// dividing by 32768 or 32767 symmetric to sign. Round-tripping a float
// through EncodeSample/DecodeSample stays within one quantization step
// (1/32767).
func DecodeSample(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// FloatsToPCM16 encodes float samples as little-endian PCM16 bytes.
func FloatsToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(EncodeSample(s)))
	}
	return out
}

// PCM16ToFloats decodes little-endian PCM16 bytes into float samples.
func PCM16ToFloats(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPayload, len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = DecodeSample(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples, nil
}

// EncodeBase64 frames PCM16 bytes for a JSON-carried event.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 unframes a JSON-carried audio payload.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}
