package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live voice backends shipped with livevoice.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML key so messages match the file.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. The API key falls
// back to the [APIKeyEnv] environment variable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(APIKeyEnv)
	}
	if cfg.Provider.Voice == "" && cfg.Provider.Name == DefaultProvider {
		cfg.Provider.Voice = DefaultVoice
	}
	if cfg.Audio.CaptureDevice == "" {
		cfg.Audio.CaptureDevice = CaptureDefault
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.PlaybackSpeed == 0 {
		cfg.Audio.PlaybackSpeed = DefaultPlaybackSpeed
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(fe), formatValidationMessage(fe)))
		}
	}

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required (or set %s)", APIKeyEnv))
	}

	if !cfg.Audio.CaptureDevice.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture_device %q is invalid; valid values: default, file", cfg.Audio.CaptureDevice))
	}
	if cfg.Audio.CaptureDevice == CaptureFile && cfg.Audio.CaptureFile == "" {
		errs = append(errs, errors.New("audio.capture_file is required when capture_device is file"))
	}
	if cfg.Audio.PlaybackFile != "" && cfg.Audio.CaptureDevice != CaptureFile {
		slog.Warn("audio.playback_file is ignored unless capture_device is file")
	}

	if cfg.Contact.Pattern != "" {
		if _, err := regexp.Compile(cfg.Contact.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("contact.pattern: %w", err))
		}
	}

	return errors.Join(errs...)
}

// fieldPath turns "Config.audio.frame_size" into "audio.frame_size".
func fieldPath(fe validator.FieldError) string {
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return path
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "url":
		return "must be a valid URL"
	case "hostname_port":
		return "must be a host:port address"
	default:
		return fmt.Sprintf("failed validation '%s'", fe.Tag())
	}
}

// validateProviderName logs a warning if name is not a built-in backend.
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
