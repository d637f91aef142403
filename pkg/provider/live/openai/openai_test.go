package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ce-power/livevoice/pkg/audio/pcm"
	"github.com/ce-power/livevoice/pkg/provider/live"
	"github.com/ce-power/livevoice/pkg/provider/live/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.New("test-key", openai.WithBaseURL(wsURL(srv)))
}

func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

type clientEvent struct {
	Type    string `json:"type"`
	Audio   string `json:"audio"`
	Session struct {
		Voice                   string    `json:"voice"`
		Instructions            string    `json:"instructions"`
		InputAudioFormat        string    `json:"input_audio_format"`
		OutputAudioFormat       string    `json:"output_audio_format"`
		InputAudioTranscription *struct{} `json:"input_audio_transcription"`
	} `json:"session"`
	Item struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdateAndGreeting(t *testing.T) {
	t.Parallel()

	type result struct {
		auth  string
		query string
		msgs  []clientEvent
	}
	got := make(chan result, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		res := result{auth: r.Header.Get("Authorization"), query: r.URL.RawQuery}
		for range 3 {
			var ev clientEvent
			readJSON(t, conn, &ev)
			res.msgs = append(res.msgs, ev)
		}
		got <- res
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{
		Voice:              "coral",
		Instructions:       "Be brief.",
		Greeting:           "Introduce yourself.",
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case res := <-got:
		if res.auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", res.auth)
		}
		if !strings.Contains(res.query, "model=gpt-4o-realtime-preview") {
			t.Errorf("query = %q, want default model", res.query)
		}
		update := res.msgs[0]
		if update.Type != "session.update" {
			t.Fatalf("first message type = %q, want session.update", update.Type)
		}
		if update.Session.Voice != "coral" || update.Session.Instructions != "Be brief." {
			t.Errorf("session = %+v", update.Session)
		}
		if update.Session.InputAudioFormat != "pcm16" || update.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("formats = %q/%q", update.Session.InputAudioFormat, update.Session.OutputAudioFormat)
		}
		if update.Session.InputAudioTranscription == nil {
			t.Error("input_audio_transcription should be set")
		}
		item := res.msgs[1]
		if item.Type != "conversation.item.create" || item.Item.Role != "user" ||
			len(item.Item.Content) != 1 || item.Item.Content[0].Text != "Introduce yourself." {
			t.Errorf("greeting item = %+v", item)
		}
		if res.msgs[2].Type != "response.create" {
			t.Errorf("third message type = %q, want response.create", res.msgs[2].Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	if _, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}); !errors.Is(err, live.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

// ── SendAudio ──────────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	got := make(chan clientEvent, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update clientEvent
		readJSON(t, conn, &update)
		var ev clientEvent
		readJSON(t, conn, &ev)
		got <- ev
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	in := make([]float32, 160) // 10 ms at 16 kHz
	for i := range in {
		in[i] = 0.25
	}
	if err := sess.SendAudio(pcm.Encode(in, 16000)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != "input_audio_buffer.append" {
			t.Fatalf("type = %q", ev.Type)
		}
		samples, err := pcm.Decode(ev.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(samples) != 240 {
			t.Errorf("samples = %d, want 240 (10 ms at 24 kHz)", len(samples))
		}
		if d := samples[120] - 0.25; d > 0.001 || d < -0.001 {
			t.Errorf("sample = %f, want 0.25", samples[120])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

// ── Events ─────────────────────────────────────────────────────────────────────

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	payload := pcm.Encode([]float32{0.1, 0.2}, 24000).Data

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update clientEvent
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": payload})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi there"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	tests := []struct {
		kind   live.EventKind
		audio  string
		text   string
		source live.Source
	}{
		{kind: live.EventAudio, audio: payload},
		{kind: live.EventTranscription, text: "Hello", source: live.SourceOutput},
		{kind: live.EventTranscription, text: "hi there", source: live.SourceInput},
		{kind: live.EventInterrupted},
		{kind: live.EventTurnComplete},
	}
	for i, tt := range tests {
		ev := nextEvent(t, sess)
		if ev.Kind != tt.kind || ev.Audio != tt.audio || ev.Text != tt.text || ev.Source != tt.source {
			t.Errorf("event %d = %+v, want %+v", i, ev, tt)
		}
	}
}

func TestEvents_ErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update clientEvent
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad voice"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Kind != live.EventClosed || ev.Err == nil || !strings.Contains(ev.Err.Error(), "bad voice") {
		t.Fatalf("event = %+v, want closed with server error", ev)
	}
}
