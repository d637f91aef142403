// Package api exposes the session controller over HTTP.
//
// Routes:
//
//   - GET  /api/session: current state and counters.
//   - POST /api/session/start: start a session and wait until it is connected.
//   - POST /api/session/stop: stop the current session.
//   - GET  /api/session/events: websocket stream of session notices.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ce-power/livevoice/internal/session"
	"github.com/ce-power/livevoice/pkg/provider/live"
)

// writeTimeout bounds a single websocket notice write.
const writeTimeout = 5 * time.Second

// Controller is the subset of [session.Controller] used by the API.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Info() session.Info
	Subscribe() (<-chan session.Notice, func())
}

// Handler serves the session API.
type Handler struct {
	ctrl Controller
}

// New returns a Handler for ctrl.
func New(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", h.status)
	mux.HandleFunc("POST /api/session/start", h.start)
	mux.HandleFunc("POST /api/session/stop", h.stop)
	mux.HandleFunc("GET /api/session/events", h.events)
}

// Status is the JSON form of [session.Info].
type Status struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state"`
	Provider      string    `json:"provider,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	PlaybackSpeed float64   `json:"playback_speed"`
	NextStart     float64   `json:"next_start"`
	ActiveChunks  int       `json:"active_chunks"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
}

func statusOf(info session.Info) Status {
	return Status{
		SessionID:     info.SessionID,
		State:         info.State.String(),
		Provider:      info.Provider,
		StartedAt:     info.StartedAt,
		PlaybackSpeed: info.PlaybackSpeed,
		NextStart:     info.NextStart,
		ActiveChunks:  info.ActiveChunks,
		FramesSent:    info.Capture.Sent,
		FramesDropped: info.Capture.Dropped,
	}
}

// NoticeMessage is the JSON form of [session.Notice].
type NoticeMessage struct {
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Text      string    `json:"text,omitempty"`
	Input     bool      `json:"input,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func noticeMessage(n session.Notice) NoticeMessage {
	m := NoticeMessage{
		Type:      n.Kind.String(),
		At:        n.At,
		SessionID: n.SessionID,
		Message:   n.Message,
		Text:      n.Text,
		Input:     n.Input,
	}
	if n.Kind == session.NoticeState {
		m.State = n.State.String()
	}
	if n.Err != nil {
		m.Error = n.Err.Error()
	}
	return m
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusOf(h.ctrl.Info()))
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.Start(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, statusOf(h.ctrl.Info()))
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error(), Message: session.FailureMessage}
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		status = http.StatusConflict
		body.Message = ""
	case errors.Is(err, session.ErrCancelled):
		status = http.StatusConflict
		body.Message = ""
	case errors.Is(err, session.ErrDeviceAcquisition):
		status = http.StatusServiceUnavailable
	case errors.Is(err, live.ErrConnection):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, body)
}

func (h *Handler) stop(w http.ResponseWriter, _ *http.Request) {
	if err := h.ctrl.Stop(); err != nil {
		slog.Warn("api: stop reported teardown errors", "err", err)
	}
	writeJSON(w, http.StatusOK, statusOf(h.ctrl.Info()))
}

// events upgrades to a websocket and streams notices until either side
// goes away. The first message is a state notice with the current state.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	notices, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	// Reads are only used to observe the peer closing.
	ctx := conn.CloseRead(r.Context())

	info := h.ctrl.Info()
	first := session.Notice{Kind: session.NoticeState, At: time.Now(), SessionID: info.SessionID, State: info.State}
	if err := write(ctx, conn, first); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-notices:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := write(ctx, conn, n); err != nil {
				slog.Debug("api: event stream ended", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, n session.Notice) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, noticeMessage(n))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
