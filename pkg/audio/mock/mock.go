// Package mock provides in-memory mock implementations of the [audio.Output],
// [audio.Devices], [audio.Capture], and [audio.Playback] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	out.SetNow(1.5)
//	v := out.Schedule(samples, 2.0, 1, nil)
//	out.Finish(0) // simulate natural end of the first scheduled buffer
package mock

import (
	"context"
	"sync"

	"github.com/ce-power/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output   = (*Output)(nil)
	_ audio.Devices  = (*Devices)(nil)
	_ audio.Capture  = (*Capture)(nil)
	_ audio.Playback = (*Playback)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32
	// At is the requested start position in seconds.
	At float64
	// Rate is the playback-rate multiplier.
	Rate float64
	// Voice is the handle returned to the caller.
	Voice *Voice

	onEnded func()
}

// Voice is the handle returned by [Output.Schedule].
type Voice struct {
	mu      sync.Mutex
	start   float64
	stopped int
}

// Start implements [audio.Voice]. It is the later of the requested position
// and the clock at the time of scheduling.
func (v *Voice) Start() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.start
}

// Stop implements [audio.Voice]. Records the call.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped++
}

// StopCount returns how many times Stop was called.
func (v *Voice) StopCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Output is a mock implementation of [audio.Output] with a manually
// controlled clock. Buffers never end on their own; call [Output.Finish] to
// simulate natural completion.
type Output struct {
	mu  sync.Mutex
	now float64

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// BeforeSchedule, if set, runs at the top of every Schedule call. Tests
	// use it to move the clock between a caller's Now and its Schedule.
	BeforeSchedule func()
}

// SetNow moves the mock clock to t seconds.
func (o *Output) SetNow(t float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Now implements [audio.Clock]. Returns the value set with SetNow.
func (o *Output) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output]. Records the call and returns a fresh [Voice].
func (o *Output) Schedule(samples []float32, at, rate float64, onEnded func()) audio.Voice {
	o.mu.Lock()
	before := o.BeforeSchedule
	o.mu.Unlock()
	if before != nil {
		before()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	v := &Voice{start: max(at, o.now)}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{
		Samples: samples,
		At:      at,
		Rate:    rate,
		Voice:   v,
		onEnded: onEnded,
	})
	return v
}

// Calls returns a snapshot of ScheduleCalls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Finish invokes the onEnded callback of the i-th scheduled buffer, as if it
// had finished playing naturally.
func (o *Output) Finish(i int) {
	o.mu.Lock()
	fn := o.ScheduleCalls[i].onEnded
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames are pushed by
// the test through [Capture.Emit].
type Capture struct {
	mu      sync.Mutex
	onFrame func(audio.Frame)

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.Capture]. Stores onFrame for later Emit calls.
func (c *Capture) Start(onFrame func(audio.Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.onFrame = onFrame
	return nil
}

// Close implements [audio.Capture]. Records the call; frames emitted after
// Close are discarded.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.onFrame = nil
	return nil
}

// Emit delivers f to the registered frame callback, if any.
func (c *Capture) Emit(f audio.Frame) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// Closes returns how many times Close was called.
func (c *Capture) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.Playback]. It never pulls audio
// on its own; tests call Renderer.Render directly.
type Playback struct {
	mu sync.Mutex

	// Renderer is the renderer passed to OpenPlayback.
	Renderer audio.Renderer

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Start implements [audio.Playback].
func (p *Playback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStart++
	return p.StartError
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// Closes returns how many times Close was called.
func (p *Playback) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.Devices].
type Devices struct {
	mu sync.Mutex

	// CaptureResult is returned by OpenCapture. A new [Capture] is created
	// when nil.
	CaptureResult *Capture

	// CaptureError is returned by OpenCapture.
	CaptureError error

	// PlaybackResult is returned by OpenPlayback. A new [Playback] is
	// created when nil.
	PlaybackResult *Playback

	// PlaybackError is returned by OpenPlayback.
	PlaybackError error

	// CaptureFormats records the format of every OpenCapture call.
	CaptureFormats []audio.Format

	// PlaybackFormats records the format of every OpenPlayback call.
	PlaybackFormats []audio.Format

	// Block, when non-nil, makes both Open calls wait until it is closed or
	// the context is cancelled.
	Block chan struct{}
}

// OpenCapture implements [audio.Devices].
func (d *Devices) OpenCapture(ctx context.Context, format audio.Format) (audio.Capture, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CaptureFormats = append(d.CaptureFormats, format)
	if d.CaptureError != nil {
		return nil, d.CaptureError
	}
	if d.CaptureResult == nil {
		d.CaptureResult = &Capture{}
	}
	return d.CaptureResult, nil
}

// OpenPlayback implements [audio.Devices]. The renderer is stored on the
// returned [Playback].
func (d *Devices) OpenPlayback(ctx context.Context, format audio.Format, r audio.Renderer) (audio.Playback, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PlaybackFormats = append(d.PlaybackFormats, format)
	if d.PlaybackError != nil {
		return nil, d.PlaybackError
	}
	if d.PlaybackResult == nil {
		d.PlaybackResult = &Playback{}
	}
	d.PlaybackResult.mu.Lock()
	d.PlaybackResult.Renderer = r
	d.PlaybackResult.mu.Unlock()
	return d.PlaybackResult, nil
}

func (d *Devices) wait(ctx context.Context) error {
	d.mu.Lock()
	block := d.Block
	d.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
