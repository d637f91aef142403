// Package config provides the configuration schema, loader, and provider registry
// for the livevoice assistant.
package config

// LogLevel controls log verbosity for the livevoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CaptureDevice selects where microphone audio comes from.
type CaptureDevice string

const (
	// CaptureDefault opens the system's default input device.
	CaptureDefault CaptureDevice = "default"

	// CaptureFile replays a WAV file as if it were the microphone.
	CaptureFile CaptureDevice = "file"
)

// IsValid reports whether d is a recognised capture device.
func (d CaptureDevice) IsValid() bool {
	return d == CaptureDefault || d == CaptureFile
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultProvider      = "gemini-live"
	DefaultVoice         = "Zephyr"
	DefaultFrameSize     = 4096
	DefaultPlaybackSpeed = 1.0

	// DefaultGreeting is sent as the first user turn so the assistant opens
	// the conversation.
	DefaultGreeting = "Start the conversation by saying exactly: Welcome to CE Generator and Pump factory, " +
		"located in Kality Gabriel. We provide Weichai, Perkins, Yuchai, Yunnei, Cummins, and Kefo generators, " +
		"as well as water pumps for irrigation and mineral purification. How can I assist you today?"
)

// APIKeyEnv is consulted when provider.api_key is empty.
const APIKeyEnv = "LIVEVOICE_API_KEY"

// Config is the root configuration structure for livevoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Session  SessionConfig `yaml:"session"`
	Audio    AudioConfig   `yaml:"audio"`
	Contact  ContactConfig `yaml:"contact"`
}

// ServerConfig holds network and logging settings for the livevoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file" validate:"required"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file" validate:"required"`
}

// ProviderEntry selects and configures the live voice backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live", "openai-realtime").
	Name string `yaml:"name" validate:"required"`

	// APIKey is the authentication key for the provider's API. When empty,
	// the APIKeyEnv environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice the assistant speaks with.
	Voice string `yaml:"voice"`
}

// SessionConfig controls what is sent when a conversation opens.
type SessionConfig struct {
	// Instructions is the system instruction for the assistant.
	Instructions string `yaml:"instructions"`

	// Greeting is sent as the first user turn. An empty string disables it.
	// Leave the key out to get [DefaultGreeting].
	Greeting *string `yaml:"greeting"`

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the assistant's speech.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// AutoStart starts a session shortly after the process launches.
	AutoStart bool `yaml:"auto_start"`
}

// GreetingText returns the greeting to send, resolving the default.
func (s SessionConfig) GreetingText() string {
	if s.Greeting == nil {
		return DefaultGreeting
	}
	return *s.Greeting
}

// OutputTranscriptionEnabled resolves the output transcription default.
func (s SessionConfig) OutputTranscriptionEnabled() bool {
	return s.OutputTranscription == nil || *s.OutputTranscription
}

// AudioConfig selects the audio devices and playback behaviour.
type AudioConfig struct {
	// CaptureDevice is "default" for the system microphone or "file".
	CaptureDevice CaptureDevice `yaml:"capture_device"`

	// CaptureFile is the WAV file replayed when CaptureDevice is "file".
	CaptureFile string `yaml:"capture_file"`

	// PlaybackFile, when set, writes playback to a WAV file instead of the
	// speaker. Only honoured with the file capture device.
	PlaybackFile string `yaml:"playback_file"`

	// FrameSize is the number of 16 kHz samples per uplink frame.
	FrameSize int `yaml:"frame_size" validate:"gte=160,lte=16384"`

	// PlaybackSpeed is the playback rate multiplier.
	PlaybackSpeed float64 `yaml:"playback_speed" validate:"gte=0.5,lte=2"`

	// RecordDir, when set, records every session's uplink and downlink.
	RecordDir string `yaml:"record_dir"`
}

// ContactConfig configures the contact identifier watcher.
type ContactConfig struct {
	// Disabled turns the watcher off.
	Disabled bool `yaml:"disabled"`

	// Pattern is a regular expression matched against transcripts.
	Pattern string `yaml:"pattern"`

	// Message is the notification text published on a match.
	Message string `yaml:"message" validate:"omitempty,max=512"`
}
