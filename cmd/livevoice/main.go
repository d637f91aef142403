// Command livevoice runs the voice assistant: it loads the configuration,
// opens the audio devices on demand, and serves the session API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ce-power/livevoice/internal/api"
	"github.com/ce-power/livevoice/internal/config"
	"github.com/ce-power/livevoice/internal/health"
	"github.com/ce-power/livevoice/internal/observe"
	"github.com/ce-power/livevoice/internal/session"
	"github.com/ce-power/livevoice/pkg/audio"
	"github.com/ce-power/livevoice/pkg/audio/device"
	"github.com/ce-power/livevoice/pkg/provider/live"
	"github.com/ce-power/livevoice/pkg/provider/live/gemini"
	"github.com/ce-power/livevoice/pkg/provider/live/openai"
)

// autoStartDelay is how long after startup an auto_start session begins.
const autoStartDelay = 500 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration with hot reload ─────────────────────────────────────────
	// The watcher may fire before the controller exists.
	var current atomic.Pointer[session.Controller]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, current.Load(), config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("livevoice starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"capture_device", cfg.Audio.CaptureDevice,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "livevoice"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := reg.Create(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, closeDevices, err := buildDevices(cfg.Audio)
	if err != nil {
		slog.Error("failed to initialise audio devices", "err", err)
		return 1
	}
	defer closeDevices()

	// ── Session controller ────────────────────────────────────────────────────
	ctrl, err := session.New(sessionConfig(cfg, provider, devices, metrics))
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		return 1
	}
	current.Store(ctrl)
	defer func() {
		if err := ctrl.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}
	}()

	// SIGHUP forces a config re-read.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "config", Check: func(context.Context) error {
			_, err := os.Stat(*configPath)
			return err
		}},
		health.Checker{Name: "provider", Check: func(context.Context) error {
			if watcher.Current().Provider.APIKey == "" {
				return errors.New("no api key configured")
			}
			return nil
		}},
	).Register(mux)
	mux.Handle("GET /metrics", tel.Handler)
	api.New(ctrl).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				watcher.Reload()
			}
		}
	})
	if cfg.Session.AutoStart {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(autoStartDelay):
			}
			if err := ctrl.Start(gctx); err != nil {
				slog.Warn("auto start failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the realtime providers that ship with
// livevoice into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}

// buildDevices returns the audio backend selected by cfg and a func that
// releases it.
func buildDevices(cfg config.AudioConfig) (audio.Devices, func(), error) {
	if cfg.CaptureDevice == config.CaptureFile {
		return &device.File{CapturePath: cfg.CaptureFile, PlaybackPath: cfg.PlaybackFile}, func() {}, nil
	}
	m, err := device.NewMalgo()
	if err != nil {
		return nil, nil, err
	}
	return m, func() {
		if err := m.Close(); err != nil {
			slog.Warn("audio backend close error", "err", err)
		}
	}, nil
}

func sessionConfig(cfg *config.Config, p live.Provider, d audio.Devices, m *observe.Metrics) session.Config {
	sc := session.Config{
		Provider: p,
		Devices:  d,
		Session: live.SessionConfig{
			Voice:               cfg.Provider.Voice,
			Instructions:        cfg.Session.Instructions,
			Greeting:            cfg.Session.GreetingText(),
			InputTranscription:  cfg.Session.InputTranscription,
			OutputTranscription: cfg.Session.OutputTranscriptionEnabled(),
		},
		FrameSize:     cfg.Audio.FrameSize,
		PlaybackSpeed: cfg.Audio.PlaybackSpeed,
		RecordDir:     cfg.Audio.RecordDir,
		Metrics:       m,
	}
	if !cfg.Contact.Disabled {
		sc.Contact = &session.ContactConfig{Pattern: cfg.Contact.Pattern, Message: cfg.Contact.Message}
	}
	return sc
}

// applyReload applies the hot-reloadable parts of a config change. ctrl is
// nil while the process is still starting.
func applyReload(level *slog.LevelVar, ctrl *session.Controller, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if ctrl != nil && d.PlaybackSpeedChanged {
		ctrl.SetPlaybackSpeed(d.NewPlaybackSpeed)
		slog.Info("playback speed changed", "speed", d.NewPlaybackSpeed)
	}
	if ctrl != nil && d.ContactChanged && !d.NewContact.Disabled {
		if err := ctrl.SetContact(d.NewContact.Pattern, d.NewContact.Message); err != nil {
			slog.Warn("contact pattern not applied", "err", err)
		}
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
