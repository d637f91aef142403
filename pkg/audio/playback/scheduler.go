// Package playback schedules decoded response audio for gapless sequential
// playback against a running clock.
//
// Each chunk is placed at max(nextStart, now) and advances nextStart by its
// effective duration, so chunks that arrive in order play back-to-back while
// late chunks play immediately instead of being dropped. A barge-in
// interruption stops every scheduled chunk and resets nextStart to the
// sentinel 0, meaning "recompute from the clock on the next chunk".
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ce-power/livevoice/pkg/audio"
	"github.com/ce-power/livevoice/pkg/audio/pcm"
)

// ErrDecode is returned when a chunk payload cannot be decoded. The chunk is
// skipped; the scheduler state is unchanged.
var ErrDecode = errors.New("playback: decode failed")

// Placement reports where a chunk was scheduled on the clock, in seconds.
type Placement struct {
	// Start is the clock position at which the chunk begins.
	Start float64

	// Duration is the effective duration after the speed multiplier.
	Duration float64

	// Lag is how far the clock had run past the previous nextStart when the
	// chunk arrived. Zero when the chunk was queued on time or after a reset.
	Lag float64
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithSpeed sets the initial playback-speed multiplier. See [Scheduler.SetSpeed].
func WithSpeed(f float64) Option {
	return func(s *Scheduler) {
		s.speed = normaliseSpeed(f)
	}
}

// WithSampleRate overrides the rate at which decoded chunks are interpreted.
// Defaults to [audio.PlaybackSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// Scheduler places decoded chunks on an [audio.Output].
//
// nextStart and the active set are guarded by one mutex; each Schedule call
// reads and advances nextStart atomically. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	out        audio.Output
	sampleRate int

	mu        sync.Mutex
	speed     float64
	nextStart float64
	active    map[*entry]struct{}
}

// entry is one chunk in the active set.
type entry struct {
	voice audio.Voice
}

// New creates a [Scheduler] that places chunks on out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: audio.PlaybackSampleRate,
		speed:      1,
		active:     make(map[*entry]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes a base64 PCM16 payload and schedules it. A payload that
// fails to decode returns an error wrapping [ErrDecode] and leaves the
// schedule untouched.
func (s *Scheduler) Schedule(payload string) (Placement, error) {
	samples, err := pcm.Decode(payload)
	if err != nil {
		return Placement{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return s.ScheduleSamples(samples), nil
}

// ScheduleSamples schedules an already-decoded chunk. An empty chunk is
// ignored and returns the zero Placement.
func (s *Scheduler) ScheduleSamples(samples []float32) Placement {
	if len(samples) == 0 {
		return Placement{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	var lag float64
	if s.nextStart < now {
		if s.nextStart > 0 {
			lag = now - s.nextStart
		}
		s.nextStart = now
	}
	start := max(s.nextStart, now)
	dur := float64(len(samples)) / float64(s.sampleRate) / s.speed

	e := &entry{}
	s.active[e] = struct{}{}
	e.voice = s.out.Schedule(samples, start, s.speed, func() { s.finish(e) })
	// The output may have rendered past start since now was read.
	start = max(start, e.voice.Start())
	s.nextStart = start + dur

	return Placement{Start: start, Duration: dur, Lag: lag}
}

// finish removes e from the active set after natural completion.
func (s *Scheduler) finish(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, e)
}

// Interrupt stops every scheduled chunk, clears the active set, and resets
// nextStart to 0 so the next chunk starts at the current clock time. It
// returns the number of chunks stopped.
func (s *Scheduler) Interrupt() int {
	return s.stopAll(audio.BargeIn)
}

// Reset performs the same flush as [Scheduler.Interrupt] for session teardown.
func (s *Scheduler) Reset() {
	s.stopAll(audio.Shutdown)
}

func (s *Scheduler) stopAll(reason audio.InterruptReason) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.active)
	for e := range s.active {
		e.voice.Stop()
	}
	clear(s.active)
	s.nextStart = 0

	if n > 0 {
		slog.Debug("playback flushed", "reason", reason.String(), "stopped", n)
	}
	return n
}

// SetSpeed changes the playback-speed multiplier for chunks scheduled from
// now on. Faster playback advances nextStart by duration/speed. A
// non-positive value resets the speed to 1.
func (s *Scheduler) SetSpeed(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = normaliseSpeed(f)
}

// Speed returns the current playback-speed multiplier.
func (s *Scheduler) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// NextStart returns the clock position at which the next chunk would be
// queued, or 0 after a reset.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of chunks scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func normaliseSpeed(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}
