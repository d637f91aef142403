package audio

import "time"

const (
	// CaptureSampleRate is the microphone rate expected by the remote voice
	// service, in Hz.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of the PCM audio returned by the remote
	// voice service, in Hz. It is fixed by contract and never inferred from
	// payloads.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples per capture frame.
	DefaultFrameSize = 4096
)

// Frame is a block of mono floating-point samples in the range [-1, 1].
// Frames are the unit of capture: created per device callback, consumed by
// the codec, then discarded.
type Frame struct {
	// Samples holds mono PCM samples. Values outside [-1, 1] are clipped by
	// the encoder.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame. A frame with a
// non-positive sample rate has zero duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
