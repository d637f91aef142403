// Package mixer provides a software playback timeline: a sample-accurate
// [audio.Output] whose clock advances as audio is rendered. Buffers are
// scheduled at absolute clock positions, mixed additively, and pulled by a
// playback device through [Timeline.Render].
//
// A Timeline is created suspended. Its clock does not move and nothing is
// rendered until [Timeline.Resume] is called.
package mixer

import (
	"container/heap"
	"math"
	"sync"

	"github.com/ce-power/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output   = (*Timeline)(nil)
	_ audio.Renderer = (*Timeline)(nil)
	_ audio.Voice    = (*source)(nil)
)

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithRunning creates the timeline in the running state.
func WithRunning() Option {
	return func(t *Timeline) {
		t.state = audio.OutputRunning
	}
}

// Timeline is a concrete [audio.Output] that mixes scheduled buffers into the
// sample stream requested by a playback device.
//
// The clock is the number of frames rendered divided by the sample rate, so
// it only advances while a device is pulling audio. Sources scheduled for a
// position already passed start at the current frame.
//
// All exported methods are safe for concurrent use. onEnded callbacks run on
// the rendering goroutine after the internal lock is released.
type Timeline struct {
	sampleRate int

	mu      sync.Mutex
	frame   int64 // frames rendered since creation
	state   audio.OutputState
	pending sourceHeap           // scheduled, not yet started
	playing map[*source]struct{} // started, not yet ended
	seq     uint64               // monotonic counter for FIFO ordering
}

// source is one buffer scheduled on a [Timeline].
type source struct {
	t          *Timeline
	samples    []float32
	startFrame int64
	rate       float64
	pos        float64 // read position into samples
	onEnded    func()
	seq        uint64
	index      int // position in the pending heap, -1 when not pending
	done       bool
}

// New creates a [Timeline] rendering mono audio at sampleRate Hz. The
// timeline starts suspended unless [WithRunning] is given.
func New(sampleRate int, opts ...Option) *Timeline {
	t := &Timeline{
		sampleRate: sampleRate,
		state:      audio.OutputSuspended,
		playing:    make(map[*source]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	return t
}

// SampleRate returns the rendering rate in Hz.
func (t *Timeline) SampleRate() int { return t.sampleRate }

// Now implements [audio.Clock]. It returns the clock position in seconds.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.frame) / float64(t.sampleRate)
}

// Schedule implements [audio.Output]. A non-positive rate is treated as 1.
// Scheduling on a closed timeline returns a voice that never plays.
func (t *Timeline) Schedule(samples []float32, at, rate float64, onEnded func()) audio.Voice {
	if rate <= 0 {
		rate = 1
	}
	s := &source{
		t:       t,
		samples: samples,
		rate:    rate,
		onEnded: onEnded,
		index:   -1,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == audio.OutputClosed {
		s.done = true
		return s
	}

	s.startFrame = int64(math.Round(at * float64(t.sampleRate)))
	if s.startFrame < t.frame {
		s.startFrame = t.frame
	}
	t.seq++
	s.seq = t.seq
	heap.Push(&t.pending, s)
	return s
}

// Render implements [audio.Renderer]. It fills out with the mix of every
// source audible in the next len(out) frames and advances the clock. While
// suspended or closed, out is zeroed, the clock stays put, and 0 is returned.
func (t *Timeline) Render(out []float32) int {
	clear(out)

	t.mu.Lock()
	if t.state != audio.OutputRunning {
		t.mu.Unlock()
		return 0
	}

	end := t.frame + int64(len(out))
	for t.pending.Len() > 0 && t.pending[0].startFrame < end {
		s := heap.Pop(&t.pending).(*source)
		t.playing[s] = struct{}{}
	}

	var ended []func()
	for s := range t.playing {
		if s.mix(out, t.frame) {
			s.done = true
			delete(t.playing, s)
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
		}
	}
	t.frame = end
	t.mu.Unlock()

	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
	for _, fn := range ended {
		fn()
	}
	return len(out)
}

// mix adds the source's contribution to out, whose first element is frame
// base on the timeline, and reports whether the source has finished.
func (s *source) mix(out []float32, base int64) bool {
	n := len(s.samples)
	j := 0
	if s.startFrame > base {
		j = int(s.startFrame - base)
	}
	for ; j < len(out); j++ {
		i := int(s.pos)
		if i >= n {
			break
		}
		v := s.samples[i]
		if frac := float32(s.pos - float64(i)); frac > 0 && i+1 < n {
			v += (s.samples[i+1] - v) * frac
		}
		out[j] += v
		s.pos += s.rate
	}
	return int(s.pos) >= n
}

// Start implements [audio.Voice].
func (s *source) Start() float64 {
	return float64(s.startFrame) / float64(s.t.sampleRate)
}

// Stop implements [audio.Voice].
func (s *source) Stop() {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	if s.index >= 0 {
		heap.Remove(&t.pending, s.index)
		return
	}
	delete(t.playing, s)
}

// Resume starts the clock. Resuming a running or closed timeline is a no-op.
func (t *Timeline) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == audio.OutputSuspended {
		t.state = audio.OutputRunning
	}
}

// Suspend freezes the clock. Scheduled sources keep their positions.
func (t *Timeline) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == audio.OutputRunning {
		t.state = audio.OutputSuspended
	}
}

// State returns the current lifecycle state.
func (t *Timeline) State() audio.OutputState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active returns the number of sources that are scheduled or playing.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len() + len(t.playing)
}

// Close stops every source without invoking onEnded and releases resources.
// Close is idempotent; subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == audio.OutputClosed {
		return nil
	}
	t.state = audio.OutputClosed
	for t.pending.Len() > 0 {
		s := heap.Pop(&t.pending).(*source)
		s.done = true
	}
	for s := range t.playing {
		s.done = true
	}
	clear(t.playing)
	return nil
}
