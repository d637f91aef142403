// Package capture turns microphone callbacks into fixed-size encoded frames
// for the live transport.
//
// Audio devices deliver buffers of whatever size their period dictates, and
// not always at the rate the remote service expects. A [Pipeline] resamples
// each buffer to the uplink rate, re-slices the stream into frames of exactly
// FrameSize samples, encodes each frame as base64 PCM16 and hands it to the
// attached [Sender]. Nothing in the path blocks: when no sender is attached,
// or the sender's queue is full, the frame is dropped and counted.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ce-power/livevoice/internal/observe"
	"github.com/ce-power/livevoice/pkg/audio"
	"github.com/ce-power/livevoice/pkg/audio/pcm"
	"github.com/ce-power/livevoice/pkg/provider/live"
)

// Sender accepts encoded microphone frames. [live.Session] satisfies it.
type Sender interface {
	SendAudio(frame pcm.EncodedFrame) error
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Captured uint64
	Sent     uint64
	Dropped  uint64
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per emitted frame. Non-positive
// values are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSampleRate sets the uplink sample rate. Defaults to
// [audio.CaptureSampleRate].
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithTap registers fn to receive every emitted frame before it is encoded,
// whether or not a sender is attached. fn runs on the capture thread and
// must not block.
func WithTap(fn func(audio.Frame)) Option {
	return func(p *Pipeline) { p.tap = fn }
}

// WithMetrics records frame counters to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// senderRef boxes a Sender so it can live in an atomic.Pointer.
type senderRef struct{ s Sender }

// Pipeline is the microphone uplink. Write is called from the device
// callback; Attach and Detach may be called from any goroutine.
type Pipeline struct {
	frameSize int
	rate      int
	tap       func(audio.Frame)
	metrics   *observe.Metrics

	sender atomic.Pointer[senderRef]

	mu       sync.Mutex
	conv     *audio.FrameConverter
	acc      []float32
	produced int64 // samples emitted so far

	captured atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Pipeline with no sender attached.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		frameSize: audio.DefaultFrameSize,
		rate:      audio.CaptureSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	p.conv = &audio.FrameConverter{TargetRate: p.rate}
	p.acc = make([]float32, 0, 2*p.frameSize)
	return p
}

// FrameSize returns the number of samples per emitted frame.
func (p *Pipeline) FrameSize() int { return p.frameSize }

// SampleRate returns the uplink sample rate.
func (p *Pipeline) SampleRate() int { return p.rate }

// Attach routes subsequent frames to s, replacing any previous sender.
func (p *Pipeline) Attach(s Sender) {
	if s == nil {
		p.sender.Store(nil)
		return
	}
	p.sender.Store(&senderRef{s: s})
}

// Detach stops routing frames. Frames written afterwards are dropped.
func (p *Pipeline) Detach() {
	p.sender.Store(nil)
}

// Attached reports whether a sender is attached.
func (p *Pipeline) Attached() bool {
	return p.sender.Load() != nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured: p.captured.Load(),
		Sent:     p.sent.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// Write accepts one device buffer. Its signature matches the callback of
// [audio.Capture.Start].
func (p *Pipeline) Write(frame audio.Frame) {
	if len(frame.Samples) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	converted := p.conv.Convert(frame)
	p.acc = append(p.acc, converted.Samples...)

	for len(p.acc) >= p.frameSize {
		samples := make([]float32, p.frameSize)
		copy(samples, p.acc[:p.frameSize])
		n := copy(p.acc, p.acc[p.frameSize:])
		p.acc = p.acc[:n]

		ts := time.Duration(p.produced) * time.Second / time.Duration(p.rate)
		p.produced += int64(p.frameSize)
		p.emit(audio.Frame{Samples: samples, SampleRate: p.rate, Timestamp: ts})
	}
}

// emit taps, encodes and sends one fixed-size frame. Called with p.mu held.
func (p *Pipeline) emit(frame audio.Frame) {
	ctx := context.Background()
	p.captured.Add(1)
	if p.metrics != nil {
		p.metrics.FramesCaptured.Add(ctx, 1)
	}
	if p.tap != nil {
		p.tap(frame)
	}

	ref := p.sender.Load()
	if ref == nil {
		p.drop(ctx, "detached")
		return
	}

	err := ref.s.SendAudio(pcm.Encode(frame.Samples, frame.SampleRate))
	switch {
	case err == nil:
		p.sent.Add(1)
		if p.metrics != nil {
			p.metrics.FramesSent.Add(ctx, 1)
		}
	case errors.Is(err, live.ErrQueueFull):
		p.drop(ctx, "queue_full")
	default:
		slog.Warn("capture: send audio failed", "err", err)
		p.drop(ctx, "error")
	}
}

func (p *Pipeline) drop(ctx context.Context, reason string) {
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.RecordFrameDropped(ctx, reason)
	}
}
