// Package pcm converts between floating-point audio samples and 16-bit
// little-endian linear PCM, and to and from the base64 text encoding used on
// the wire to the voice service.
//
// Quantisation uses round(s * 32768). Samples outside [-1, 1] saturate to the
// int16 range instead of wrapping; NaN encodes as silence.
package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrMalformed is returned when a payload cannot be decoded into samples.
var ErrMalformed = errors.New("pcm: malformed payload")

const scale = 32768

// EncodedFrame is a text-safe audio frame ready for the transport.
type EncodedFrame struct {
	// Data is base64 (standard alphabet) of little-endian int16 samples.
	Data string

	// MIMEType carries the format and sample rate, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// MIMEType returns the MIME tag for mono 16-bit PCM at rate Hz.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// Float32ToPCM16 quantises samples to little-endian int16 bytes.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := quantise(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 bytes to samples in [-1, 1).
// An odd byte count returns an error wrapping [ErrMalformed].
func PCM16ToFloat32(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformed, len(b))
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(v) / scale
	}
	return out, nil
}

// Encode quantises samples and wraps them in an [EncodedFrame] tagged with rate.
func Encode(samples []float32, rate int) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(Float32ToPCM16(samples)),
		MIMEType: MIMEType(rate),
	}
}

// Decode reverses [Encode]: base64, then little-endian int16, then i/32768.
// The sample rate is not carried in the payload; callers know it by contract.
func Decode(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return PCM16ToFloat32(raw)
}

func quantise(s float32) int16 {
	f := float64(s)
	if math.IsNaN(f) {
		return 0
	}
	v := math.Round(f * scale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
