package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueSize  = 64
	defaultEventsSize = 64

	// DefaultKeepaliveInterval is the ping interval used when none is set.
	DefaultKeepaliveInterval = 20 * time.Second
	defaultKeepaliveTimeout  = 5 * time.Second
)

// Handler processes one inbound websocket message. Returning an error ends
// the stream; the error is reported through [Stream.Err] and the closing
// [EventClosed].
type Handler func(data []byte) error

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithQueueSize sets the capacity of the outbound queue.
func WithQueueSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.queue = make(chan []byte, n)
		}
	}
}

// WithKeepalive sets the websocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) StreamOption {
	return func(s *Stream) { s.keepalive = interval }
}

// WithLogger sets the logger used for dropped frames and stream shutdown.
func WithLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.log = l }
}

// Stream is the websocket plumbing shared by live providers. It owns the
// connection and runs three goroutines: a read loop feeding a [Handler], a
// write loop draining a bounded outbound queue once the remote side is
// ready, and a keepalive loop.
//
// Stream implements Events, Err and Close of [Session]; providers embed it
// and add SendAudio.
type Stream struct {
	name      string
	conn      *websocket.Conn
	log       *slog.Logger
	keepalive time.Duration

	queue     chan []byte
	events    chan Event
	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error
	closed bool
}

// NewStream wraps an established connection. name prefixes errors and logs
// (e.g. "gemini"). Call [Stream.Start] to begin processing.
func NewStream(name string, conn *websocket.Conn, opts ...StreamOption) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		name:      name,
		conn:      conn,
		log:       slog.Default(),
		keepalive: DefaultKeepaliveInterval,
		queue:     make(chan []byte, defaultQueueSize),
		events:    make(chan Event, defaultEventsSize),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("provider", name)
	return s
}

// Start launches the read, write and keepalive loops.
func (s *Stream) Start(handle Handler) {
	go s.readLoop(handle)
	go s.writeLoop()
	if s.keepalive > 0 {
		go s.keepaliveLoop()
	}
}

// MarkReady releases queued outbound messages. Idempotent.
func (s *Stream) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// WriteNow marshals v and writes it immediately, bypassing the queue. Used
// for handshake messages that must precede queued audio.
func (s *Stream) WriteNow(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", s.name, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%s: write: %w", s.name, err)
	}
	return nil
}

// Enqueue marshals v and queues it for the write loop without blocking.
// After the stream ended the message is dropped and nil is returned. A full
// queue drops the message and returns [ErrQueueFull].
func (s *Stream) Enqueue(v any) error {
	if s.ctx.Err() != nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", s.name, err)
	}
	select {
	case s.queue <- data:
		return nil
	default:
		s.log.Warn("outbound queue full, dropping message", "capacity", cap(s.queue))
		return ErrQueueFull
	}
}

// Emit delivers ev to the event channel, waiting for the consumer. It
// returns false if the stream ended before the event could be delivered.
func (s *Stream) Emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Context returns a context that is cancelled when the stream ends.
func (s *Stream) Context() context.Context { return s.ctx }

// Events implements [Session].
func (s *Stream) Events() <-chan Event { return s.events }

// Err implements [Session].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements [Session]. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// fail records err as the terminal error and tears the connection down.
func (s *Stream) fail(err error) {
	s.setErr(err)
	s.cancel()
	_ = s.conn.Close(websocket.StatusInternalError, "stream failed")
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil && !s.closed {
		s.errVal = err
	}
}

// readLoop reads messages and dispatches them to handle. It owns the events
// channel: it emits the terminal EventClosed and closes the channel on exit.
func (s *Stream) readLoop(handle Handler) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("%s: read: %w", s.name, err))
			}
			break
		}
		if err := handle(data); err != nil {
			s.setErr(err)
			break
		}
	}

	// Remember whether the owner closed the stream before cancelling, so a
	// consumer that stopped reading cannot block shutdown.
	local := s.ctx.Err() != nil
	s.cancel()
	_ = s.conn.CloseNow()

	closed := Event{Kind: EventClosed, Err: s.Err()}
	if local {
		select {
		case s.events <- closed:
		default:
		}
	} else {
		s.events <- closed
	}
	s.log.Debug("stream ended", "err", closed.Err)
}

// writeLoop waits for the remote side to be ready, then drains the queue in
// order until the stream ends.
func (s *Stream) writeLoop() {
	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.queue:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("%s: write: %w", s.name, err))
				}
				return
			}
		}
	}
}

// keepaliveLoop sends websocket pings to keep the connection alive.
func (s *Stream) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, defaultKeepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
				s.log.Debug("keepalive ping failed", "err", err)
			}
		}
	}
}
