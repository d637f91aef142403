// Package openai implements the live.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects pcm16 at 24 kHz in both directions, so microphone
// frames captured at another rate are resampled before they are appended to
// the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ce-power/livevoice/pkg/audio"
	"github.com/ce-power/livevoice/pkg/audio/pcm"
	"github.com/ce-power/livevoice/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// sampleRate is the only pcm16 rate the Realtime API accepts.
	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithStreamOptions passes options through to the underlying [live.Stream].
func WithStreamOptions(opts ...live.StreamOption) Option {
	return func(p *Provider) { p.streamOpts = append(p.streamOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	streamOpts []live.StreamOption
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
// InputSampleRate reports the capture rate SendAudio accepts; frames are
// resampled to 24 kHz on the way out.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Name:               "openai-realtime",
		InputSampleRate:    audio.CaptureSampleRate,
		OutputSampleRate:   sampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The session accepts audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", live.ErrConnection, err)
	}
	conn.SetReadLimit(16 << 20)

	sess := &session{Stream: live.NewStream("openai", conn, p.streamOpts...)}

	if err := sess.WriteNow(ctx, buildSessionUpdate(cfg)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("openai: session update: %w: %w", live.ErrConnection, err)
	}
	if cfg.Greeting != "" {
		if err := sess.sendGreeting(ctx, cfg.Greeting); err != nil {
			sess.Close()
			return nil, fmt.Errorf("openai: greeting: %w: %w", live.ErrConnection, err)
		}
	}

	sess.MarkReady()
	sess.Start(sess.handle)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string              `json:"modalities"`
	Voice                   string                `json:"voice,omitempty"`
	Instructions            string                `json:"instructions,omitempty"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	InputAudioTranscription *transcriptionOptions `json:"input_audio_transcription,omitempty"`
}

type transcriptionOptions struct {
	Model string `json:"model"`
}

type audioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded pcm16
}

type conversationItemCreateMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// buildSessionUpdate assembles the session.update event.
func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
	if cfg.InputTranscription {
		msg.Session.InputAudioTranscription = &transcriptionOptions{Model: "whisper-1"}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*live.Stream
}

// SendAudio resamples frame to 24 kHz and queues it as input_audio_buffer.append.
func (s *session) SendAudio(frame pcm.EncodedFrame) error {
	if s.Context().Err() != nil {
		return nil
	}
	data := frame.Data
	if rate := rateOf(frame.MIMEType); rate != sampleRate {
		samples, err := pcm.Decode(frame.Data)
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		data = pcm.Encode(audio.ResampleMono(samples, rate, sampleRate), sampleRate).Data
	}
	return s.Enqueue(audioAppendMessage{Type: "input_audio_buffer.append", Audio: data})
}

// rateOf extracts the rate parameter of an "audio/pcm;rate=N" MIME type,
// defaulting to the capture rate.
func rateOf(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		v, ok := strings.CutPrefix(strings.TrimSpace(param), "rate=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return audio.CaptureSampleRate
}

func (s *session) sendGreeting(ctx context.Context, text string) error {
	item := conversationItemCreateMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
	if err := s.WriteNow(ctx, item); err != nil {
		return err
	}
	return s.WriteNow(ctx, responseCreateMessage{Type: "response.create"})
}

// handle dispatches one server event. It runs on the read goroutine.
func (s *session) handle(data []byte) error {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil // skip malformed frames
	}

	switch ev.Type {
	case "response.audio.delta":
		if ev.Delta != "" {
			s.Emit(live.Event{Kind: live.EventAudio, Audio: ev.Delta})
		}
	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			s.Emit(live.Event{Kind: live.EventTranscription, Text: ev.Delta, Source: live.SourceOutput})
		}
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			s.Emit(live.Event{Kind: live.EventTranscription, Text: ev.Transcript, Source: live.SourceInput})
		}
	case "input_audio_buffer.speech_started":
		// Server-side VAD heard the user; any response still playing is stale.
		s.Emit(live.Event{Kind: live.EventInterrupted})
	case "response.done":
		s.Emit(live.Event{Kind: live.EventTurnComplete})
	case "error":
		msg := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return fmt.Errorf("openai: server error: %s", msg)
	}
	return nil
}
