// Package audio defines the types and interfaces shared by the capture and
// playback halves of the voice pipeline.
//
// The primary abstractions are:
//
//   - [Devices] opens the audio device contexts for one session.
//   - [Capture] delivers microphone [Frame] values from a device callback.
//   - [Playback] pulls rendered samples from a [Renderer] into a speaker.
//   - [Output] is the playback timeline the scheduler places buffers on.
//
// Implementations live in sub-packages (audio/device, audio/mixer). The
// interfaces are intentionally narrow so the session controller can be tested
// without real hardware.
package audio

import "context"

// Capture is an open microphone context.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Start begins delivering frames to onFrame. onFrame is invoked on the
	// device's own goroutine and must not block. Start may be called once.
	Start(onFrame func(Frame)) error

	// Close stops the device and releases it. It is safe to call Close more
	// than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Renderer produces output samples on demand. Playback devices call Render
// from their audio callback with a buffer to fill. Render returns the number
// of samples written; the remainder of out is left as silence.
type Renderer interface {
	Render(out []float32) int
}

// Playback is an open speaker context fed by a [Renderer].
type Playback interface {
	// Start begins pulling audio from the renderer.
	Start() error

	// Close stops the device and releases it. Idempotent.
	Close() error
}

// Devices is the entry point for acquiring audio hardware. Implementations
// wrap a platform audio backend (miniaudio, files, null sinks) and expose a
// uniform [Capture] and [Playback] abstraction.
//
// Implementations must be safe for concurrent use.
type Devices interface {
	// OpenCapture acquires a microphone producing mono frames. The requested
	// format is a hint; frames carry the rate actually delivered.
	OpenCapture(ctx context.Context, format Format) (Capture, error)

	// OpenPlayback acquires a speaker that renders from r at format.
	OpenPlayback(ctx context.Context, format Format, r Renderer) (Playback, error)
}
