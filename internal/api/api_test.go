package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ce-power/livevoice/internal/api"
	"github.com/ce-power/livevoice/internal/session"
	audiomock "github.com/ce-power/livevoice/pkg/audio/mock"
	"github.com/ce-power/livevoice/pkg/provider/live"
	livemock "github.com/ce-power/livevoice/pkg/provider/live/mock"
)

type fakeController struct {
	startErr error
	info     session.Info
	starts   int
	stops    int
}

func (f *fakeController) Start(context.Context) error {
	f.starts++
	return f.startErr
}

func (f *fakeController) Stop() error {
	f.stops++
	return nil
}

func (f *fakeController) Info() session.Info { return f.info }

func (f *fakeController) Subscribe() (<-chan session.Notice, func()) {
	ch := make(chan session.Notice)
	return ch, func() {}
}

func newMux(ctrl api.Controller) *http.ServeMux {
	mux := http.NewServeMux()
	api.New(ctrl).Register(mux)
	return mux
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{info: session.Info{
		SessionID:     "abc",
		State:         session.StateConnected,
		Provider:      "gemini-live",
		PlaybackSpeed: 1.1,
		ActiveChunks:  2,
	}}
	rec := httptest.NewRecorder()
	newMux(ctrl).ServeHTTP(rec, httptest.NewRequest("GET", "/api/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got api.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "abc" || got.State != "connected" || got.ActiveChunks != 2 || got.PlaybackSpeed != 1.1 {
		t.Errorf("body = %+v", got)
	}
}

func TestStart_StatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"already active", fmt.Errorf("%w (id=x)", session.ErrAlreadyActive), http.StatusConflict, ""},
		{"cancelled", session.ErrCancelled, http.StatusConflict, ""},
		{"device", fmt.Errorf("%w: open capture: denied", session.ErrDeviceAcquisition), http.StatusServiceUnavailable, session.FailureMessage},
		{"connection", fmt.Errorf("session: connect: %w", live.ErrConnection), http.StatusBadGateway, session.FailureMessage},
		{"other", errors.New("boom"), http.StatusInternalServerError, session.FailureMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{startErr: tt.err}
			rec := httptest.NewRecorder()
			newMux(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/start", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ctrl.starts != 1 {
				t.Errorf("Start calls = %d, want 1", ctrl.starts)
			}
			if tt.err == nil {
				return
			}
			var body struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", body.Message, tt.wantMessage)
			}
			if body.Error == "" {
				t.Error("error should be reported")
			}
		})
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	mux := newMux(ctrl)
	for range 2 {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/session/stop", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"state":"idle"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	}
	if ctrl.stops != 2 {
		t.Errorf("Stop calls = %d, want 2", ctrl.stops)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newMux(&fakeController{}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/session/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestEvents_StreamsNotices(t *testing.T) {
	t.Parallel()

	sess := livemock.NewSession()
	ctrl, err := session.New(session.Config{
		Provider: &livemock.Provider{Session: sess, ProviderCapabilities: live.Capabilities{Name: "mock"}},
		Devices:  &audiomock.Devices{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ctrl.Stop() })

	srv := httptest.NewServer(newMux(ctrl))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/session/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var msg api.NoticeMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if msg.Type != "state" || msg.State != "idle" {
		t.Fatalf("initial message = %+v", msg)
	}

	resp, err := http.Post(srv.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	sess.Push(live.Event{Kind: live.EventTranscription, Text: "hello", Source: live.SourceInput})

	var states []string
	for {
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v (states so far %v)", err, states)
		}
		if msg.Type == "state" {
			states = append(states, msg.State)
			continue
		}
		if msg.Type != "transcript" || msg.Text != "hello" || !msg.Input {
			t.Errorf("transcript message = %+v", msg)
		}
		break
	}
	if strings.Join(states, ",") != "connecting,connected" {
		t.Errorf("states = %v, want connecting,connected", states)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
