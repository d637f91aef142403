package audio

// InterruptReason identifies why scheduled playback was cut short.
type InterruptReason int

const (
	// BargeIn indicates that the remote service detected the user speaking
	// over an in-progress response. All unplayed audio must be discarded.
	BargeIn InterruptReason = iota

	// Shutdown indicates that the session is being torn down.
	Shutdown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "BARGE_IN"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Clock reports the current position of a playback timeline in seconds.
// The value never decreases while the timeline is running.
type Clock interface {
	Now() float64
}

// Voice is a handle to one buffer scheduled on an [Output].
type Voice interface {
	// Start returns the clock position in seconds at which the buffer
	// begins. It is later than the requested position when the output had
	// already rendered past it.
	Start() float64

	// Stop silences the buffer immediately. Stopping a buffer that already
	// finished, or was already stopped, is a no-op.
	Stop()
}

// Output is a playback timeline that accepts buffers for sample-accurate
// playback at absolute clock positions. It plays the role of an audio
// rendering context: the [Clock] it exposes is the one the scheduler reads.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Clock

	// Schedule plays samples starting exactly at clock position at (seconds).
	// rate is the playback-rate multiplier: 1 plays at the native rate, 1.1
	// plays ten percent faster and therefore finishes sooner. onEnded is
	// invoked once when the buffer finishes playing naturally; it is not
	// invoked when the buffer is stopped through the returned [Voice].
	Schedule(samples []float32, at, rate float64, onEnded func()) Voice
}

// OutputState describes the lifecycle state of a playback timeline.
type OutputState int

const (
	// OutputSuspended means the clock is frozen and no audio is rendered.
	OutputSuspended OutputState = iota

	// OutputRunning means the clock advances as audio is rendered.
	OutputRunning

	// OutputClosed means the timeline released its resources.
	OutputClosed
)

// String returns the human-readable name of the state.
func (s OutputState) String() string {
	switch s {
	case OutputSuspended:
		return "suspended"
	case OutputRunning:
		return "running"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}
