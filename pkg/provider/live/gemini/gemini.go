// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 PCM16 media chunks at 16 kHz;
// the model answers with base64 PCM16 inline data at 24 kHz.
//
// Audio sent before the server acknowledges the setup message is queued and
// flushed once setupComplete arrives.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Zephyr"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	streamOpts []live.StreamOption
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		Name:               "gemini-live",
		InputSampleRate:    audio.CaptureSampleRate,
		OutputSampleRate:   audio.PlaybackSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus"},
	}
}

// Connect dials the Gemini Live endpoint and sends the setup message. It
// returns without waiting for setupComplete; audio sent in the meantime is
// queued.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, endpointPath, url.QueryEscape(p.apiKey))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", live.ErrConnection, err)
	}
	// Audio replies can be large; lift the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	sess := &session{
		Stream:   live.NewStream("gemini", conn, p.streamOpts...),
		greeting: cfg.Greeting,
	}

	if err := sess.WriteNow(ctx, buildSetup(p.model, cfg)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("gemini: setup: %w: %w", live.ErrConnection, err)
	}

	sess.Start(sess.handle)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup assembles the BidiGenerateContent setup message.
func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*live.Stream
	greeting string
}

// SendAudio queues a 16 kHz PCM16 frame as a realtimeInput media chunk.
func (s *session) SendAudio(frame pcm.EncodedFrame) error {
	return s.Enqueue(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: frame.MIMEType, Data: frame.Data}},
		},
	})
}

// handle dispatches one server message. It runs on the read goroutine.
func (s *session) handle(data []byte) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil // skip malformed frames
	}

	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		return fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text)
	}
	if msg.SetupComplete != nil {
		if err := s.sendGreeting(); err != nil {
			return err
		}
		s.MarkReady()
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is going away", "detail", string(*msg.GoAway))
	}
	return nil
}

// sendGreeting sends the configured opening turn ahead of any queued audio.
func (s *session) sendGreeting() error {
	if s.greeting == "" {
		return nil
	}
	return s.WriteNow(s.Context(), clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: s.greeting}}}},
			TurnComplete: true,
		},
	})
}

func (s *session) handleServerContent(sc *serverContent) {
	// Interruption first: anything still queued for playback is stale.
	if sc.Interrupted {
		if !s.Emit(live.Event{Kind: live.EventInterrupted}) {
			return
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !s.Emit(live.Event{Kind: live.EventAudio, Audio: p.InlineData.Data}) {
				return
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.Emit(live.Event{Kind: live.EventTranscription, Text: sc.InputTranscription.Text, Source: live.SourceInput}) {
			return
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.Emit(live.Event{Kind: live.EventTranscription, Text: sc.OutputTranscription.Text, Source: live.SourceOutput}) {
			return
		}
	}

	if sc.TurnComplete {
		s.Emit(live.Event{Kind: live.EventTurnComplete})
	}
}
