package live_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ce-power/livevoice/pkg/provider/live"
)

// dialPair starts a websocket server running handler and returns a client
// connection to it.
func dialPair(t *testing.T, handler func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestStream_EnqueueFullQueue(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(c *websocket.Conn) {
		<-c.CloseRead(context.Background()).Done()
	})
	s := live.NewStream("test", conn, live.WithQueueSize(2), live.WithKeepalive(0))
	s.Start(func([]byte) error { return nil })
	defer s.Close()

	// Not ready: nothing drains the queue.
	for i := range 2 {
		if err := s.Enqueue(map[string]int{"n": i}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := s.Enqueue(map[string]int{"n": 2}); !errors.Is(err, live.ErrQueueFull) {
		t.Fatalf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}
}

func TestStream_FlushesInOrderOnceReady(t *testing.T) {
	t.Parallel()

	got := make(chan []string, 1)
	conn := dialPair(t, func(c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var msgs []string
		for range 3 {
			_, data, err := c.Read(ctx)
			if err != nil {
				break
			}
			msgs = append(msgs, string(data))
		}
		got <- msgs
	})
	s := live.NewStream("test", conn, live.WithKeepalive(0))
	s.Start(func([]byte) error { return nil })
	defer s.Close()

	for _, v := range []string{"a", "b", "c"} {
		if err := s.Enqueue(v); err != nil {
			t.Fatal(err)
		}
	}
	s.MarkReady()
	s.MarkReady()

	select {
	case msgs := <-got:
		want := []string{`"a"`, `"b"`, `"c"`}
		if strings.Join(msgs, ",") != strings.Join(want, ",") {
			t.Errorf("messages = %v, want %v", msgs, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestStream_HandlerErrorEndsStream(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(c *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.Write(ctx, websocket.MessageText, []byte("boom"))
		<-c.CloseRead(context.Background()).Done()
	})
	boom := errors.New("boom")
	s := live.NewStream("test", conn, live.WithKeepalive(0))
	s.Start(func([]byte) error { return boom })
	defer s.Close()

	select {
	case ev := <-s.Events():
		if ev.Kind != live.EventClosed || !errors.Is(ev.Err, boom) {
			t.Fatalf("event = %+v, want closed with boom", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v", s.Err())
	}
	if err := s.Enqueue("late"); err != nil {
		t.Errorf("Enqueue after end = %v, want nil", err)
	}
}

func TestStream_LocalCloseIsClean(t *testing.T) {
	t.Parallel()

	conn := dialPair(t, func(c *websocket.Conn) {
		<-c.CloseRead(context.Background()).Done()
	})
	s := live.NewStream("test", conn, live.WithKeepalive(0))
	s.Start(func([]byte) error { return nil })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				if s.Err() != nil {
					t.Errorf("Err after local close = %v", s.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind live.EventKind
		want string
	}{
		{live.EventAudio, "audio"},
		{live.EventTranscription, "transcription"},
		{live.EventInterrupted, "interrupted"},
		{live.EventTurnComplete, "turn_complete"},
		{live.EventClosed, "closed"},
		{live.EventKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
	if live.SourceInput.String() != "input" || live.SourceOutput.String() != "output" {
		t.Error("Source.String mismatch")
	}
}
