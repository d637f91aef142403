// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to script remote events and inspect the audio frames a caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(live.Event{Kind: live.EventAudio, Audio: chunk})
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/ce-power/livevoice/pkg/audio/pcm"
	"github.com/ce-power/livevoice/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session.
	Session live.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the context
	// is cancelled. A cancelled context returns ctx.Err().
	Block chan struct{}

	// IgnoreContext makes Connect wait for Block even after the context is
	// cancelled, like a handshake that cannot be interrupted.
	IgnoreContext bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block := p.Block
	ignore := p.IgnoreContext
	p.mu.Unlock()

	switch {
	case block == nil:
	case ignore:
		<-block
	default:
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Connects returns the number of Connect calls. Thread-safe.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	events chan live.Event
	ended  bool
	closed bool
	closes int
	frames []pcm.EncodedFrame
	errVal error

	// SendAudioErr, if non-nil, is returned by every SendAudio call made
	// while the session is open.
	SendAudioErr error
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// SendAudio records frame. After Close or End it drops the frame and
// returns nil.
func (s *Session) SendAudio(frame pcm.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return nil
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err implements live.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close marks the session closed and ends the event stream without a
// terminal event. Thread-safe and idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed && !s.ended {
		close(s.events)
	}
	s.closed = true
	return nil
}

// Push delivers ev to the consumer. It is a no-op after End or Close. The
// event buffer holds 64 events; Push must not outrun the consumer further.
func (s *Session) Push(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return
	}
	s.events <- ev
}

// End simulates the remote side ending the stream: it emits EventClosed
// carrying err and closes the event channel.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return
	}
	s.ended = true
	s.errVal = err
	s.events <- live.Event{Kind: live.EventClosed, Err: err}
	close(s.events)
}

// Frames returns a copy of the frames sent so far. Thread-safe.
func (s *Session) Frames() []pcm.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.EncodedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Closes returns how many times Close was called. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// IsClosed reports whether Close was called. Thread-safe.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
