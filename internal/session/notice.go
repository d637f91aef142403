package session

import (
	"log/slog"
	"sync"
	"time"
)

// subscriberBuffer is the channel depth of each subscriber. Notices are
// dropped for a subscriber that falls this far behind.
const subscriberBuffer = 64

// NoticeKind classifies a [Notice].
type NoticeKind int

const (
	// NoticeState reports a state transition.
	NoticeState NoticeKind = iota

	// NoticeError reports a failed Start. Exactly one is published per
	// failure.
	NoticeError

	// NoticeTranscript carries a transcription fragment.
	NoticeTranscript

	// NoticeContact reports that the contact identifier was spoken.
	NoticeContact
)

// String returns the lowercase name of the notice kind.
func (k NoticeKind) String() string {
	switch k {
	case NoticeState:
		return "state"
	case NoticeError:
		return "error"
	case NoticeTranscript:
		return "transcript"
	case NoticeContact:
		return "contact"
	default:
		return "unknown"
	}
}

// Notice is one message on the controller's notification stream.
type Notice struct {
	Kind NoticeKind
	At   time.Time

	// SessionID identifies the session the notice belongs to, if any.
	SessionID string

	// State is the new state on NoticeState.
	State State

	// Message is the user-facing text on NoticeError and NoticeContact.
	Message string

	// Text is the transcript fragment or the matched contact text.
	Text string

	// Input is true when Text came from the user rather than the assistant.
	Input bool

	// Err is the underlying failure on NoticeError, and on a NoticeState
	// caused by the remote stream ending abnormally.
	Err error
}

// hub fans notices out to subscribers without ever blocking the publisher.
type hub struct {
	mu   sync.Mutex
	subs map[chan Notice]struct{}
}

func (h *hub) subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, subscriberBuffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Notice]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			slog.Debug("session: subscriber behind, notice dropped", "kind", n.Kind.String())
		}
	}
}
