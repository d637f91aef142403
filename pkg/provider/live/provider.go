// Package live defines the Provider interface for real-time voice backends.
//
// A live provider wraps a hosted voice AI service that accepts streamed
// microphone audio and answers with streamed synthesised speech over a single
// bidirectional connection. Examples include the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is [Session]: outbound audio goes through
// [Session.SendAudio], and everything the remote side produces (audio chunks,
// transcription text, barge-in interruptions, and the terminal close) arrives
// as typed [Event] values on a single channel. Events of the same kind are
// delivered in the order the remote stream produced them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/ce-power/livevoice/pkg/audio/pcm"
)

// ErrConnection is returned by [Provider.Connect] when the network or
// service handshake fails. Implementations wrap it with the cause.
var ErrConnection = errors.New("live: connection failed")

// ErrQueueFull is returned by [Session.SendAudio] when the outbound queue is
// saturated and the frame was dropped.
var ErrQueueFull = errors.New("live: outbound queue full")

// EventKind classifies an [Event].
type EventKind int

const (
	// EventAudio carries a base64 PCM16 chunk at the provider's output rate.
	EventAudio EventKind = iota

	// EventTranscription carries incremental transcript text.
	EventTranscription

	// EventInterrupted signals that the user began speaking over an
	// in-progress response. All unplayed audio must be discarded.
	EventInterrupted

	// EventTurnComplete marks the end of a model response.
	EventTurnComplete

	// EventClosed is terminal: the stream ended, either peer-initiated or
	// through a network failure. No events follow it.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscription:
		return "transcription"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Source identifies whose speech a transcription belongs to.
type Source int

const (
	// SourceOutput is the assistant's synthesised speech.
	SourceOutput Source = iota

	// SourceInput is the user's microphone speech.
	SourceInput
)

// String returns the human-readable name of the source.
func (s Source) String() string {
	if s == SourceInput {
		return "input"
	}
	return "output"
}

// Event is one message from the remote stream.
type Event struct {
	Kind EventKind

	// Audio is the base64 PCM16 payload of an [EventAudio]. It is passed
	// through undecoded so that malformed chunks surface where they are
	// played.
	Audio string

	// Text is the transcript fragment of an [EventTranscription].
	Text string

	// Source is set on [EventTranscription].
	Source Source

	// Err is set on [EventClosed] when the stream ended because of a failure.
	// A nil Err means a clean close.
	Err error
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Instructions is the system-level prompt.
	Instructions string

	// Greeting, when non-empty, is sent as the first user turn as soon as the
	// remote side is ready so the assistant opens the conversation.
	Greeting string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the assistant's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Name identifies the provider in logs and metrics.
	Name string

	// InputSampleRate is the rate of the audio frames SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the rate of the audio carried by [EventAudio].
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names accepted in [SessionConfig.Voice].
	Voices []string
}

// Session is an open bidirectional stream to a voice service. It is an
// interface so that test code can supply mock implementations.
//
// All methods must be safe for concurrent use and must return quickly.
type Session interface {
	// SendAudio queues an encoded microphone frame for delivery. Frames sent
	// before the remote side finished its handshake are held and flushed in
	// order once it is ready. After Close, or after the stream ended, frames
	// are dropped silently and nil is returned. When the outbound queue is
	// full the frame is dropped and [ErrQueueFull] is returned.
	SendAudio(frame pcm.EncodedFrame) error

	// Events returns the channel on which remote events arrive. The last
	// event before the channel closes is an [EventClosed], unless the
	// session was closed locally and nobody was reading.
	Events() <-chan Event

	// Err returns the error that ended the stream, or nil if it ended
	// cleanly or is still open.
	Err() error

	// Close terminates the stream. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any live voice backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect opens a new session. A failed dial or handshake returns an
	// error wrapping [ErrConnection]. The caller owns the returned Session
	// and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
