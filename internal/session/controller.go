// Package session owns the lifecycle of one live voice conversation: it
// acquires the audio devices, connects the remote voice stream, wires
// microphone frames into the transport and transport events into the
// playback scheduler, and tears everything down again.
//
// A [Controller] moves through idle → connecting → connected → idle. Only
// one conversation runs at a time. State changes, start failures,
// transcripts, and contact notifications are published to subscribers
// obtained with [Controller.Subscribe].
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ce-power/livevoice/internal/capture"
	"github.com/ce-power/livevoice/internal/contact"
	"github.com/ce-power/livevoice/internal/observe"
	"github.com/ce-power/livevoice/internal/recording"
	"github.com/ce-power/livevoice/internal/resilience"
	"github.com/ce-power/livevoice/pkg/audio"
	"github.com/ce-power/livevoice/pkg/audio/mixer"
	"github.com/ce-power/livevoice/pkg/audio/playback"
	"github.com/ce-power/livevoice/pkg/provider/live"
)

// FailureMessage is the user-facing text published when a session cannot
// be started.
const FailureMessage = "Failed to access microphone or connect to API."

var (
	// ErrAlreadyActive is returned by Start when a session is connecting or
	// connected.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrDeviceAcquisition wraps failures to open or start an audio device.
	ErrDeviceAcquisition = errors.New("session: device acquisition failed")

	// ErrCancelled is returned by a Start that was abandoned because Stop
	// was called or its context ended before the session came up.
	ErrCancelled = errors.New("session: start cancelled")
)

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ContactConfig enables the contact identifier watcher.
type ContactConfig struct {
	Pattern string
	Message string
}

// Config holds the dependencies and settings of a [Controller].
type Config struct {
	// Provider opens the remote voice stream. Required.
	Provider live.Provider

	// Devices opens the microphone and speaker. Required.
	Devices audio.Devices

	// Session is sent to the provider on every Connect.
	Session live.SessionConfig

	// FrameSize is the uplink frame length in samples. Zero selects
	// [audio.DefaultFrameSize].
	FrameSize int

	// PlaybackSpeed is the initial playback multiplier. Zero means 1.0.
	PlaybackSpeed float64

	// RecordDir, when set, records each session's audio as WAV files.
	RecordDir string

	// Contact enables contact identifier notifications. Nil disables them.
	Contact *ContactConfig

	// Metrics receives pipeline instruments. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ConnectBreaker guards provider connects. After repeated connect
	// failures Start fails fast with [live.ErrConnection] until the
	// breaker's cooldown elapses. Nil selects a breaker with default
	// settings.
	ConnectBreaker *resilience.Breaker
}

// Info is a snapshot of the controller, suitable for a status endpoint.
type Info struct {
	SessionID string
	State     State
	Provider  string
	StartedAt time.Time

	// PlaybackSpeed is the current playback multiplier.
	PlaybackSpeed float64

	// NextStart is the scheduler's next start position in seconds.
	NextStart float64

	// ActiveChunks is the number of chunks scheduled and not yet ended.
	ActiveChunks int

	// Capture holds the uplink counters of the current session.
	Capture capture.Stats
}

// Controller runs at most one live voice session at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	provider   live.Provider
	devices    audio.Devices
	sessionCfg live.SessionConfig
	frameSize  int
	recordDir  string
	metrics    *observe.Metrics
	breaker    *resilience.Breaker
	contact    *contact.Watcher
	notices    hub

	mu          sync.Mutex
	state       State
	gen         uint64 // bumped on every transition back to idle
	speed       float64
	info        Info
	cancelStart context.CancelFunc
	rt          *runtime

	// released is closed once the devices and stream of the most recent
	// Start have all been let go. A new Start waits for it.
	released chan struct{}
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("session: devices are required")
	}
	caps := cfg.Provider.Capabilities()
	if v := cfg.Session.Voice; v != "" && len(caps.Voices) > 0 && !slices.Contains(caps.Voices, v) {
		return nil, fmt.Errorf("session: voice %q not offered by %s (have %s)", v, caps.Name, strings.Join(caps.Voices, ", "))
	}
	c := &Controller{
		provider:   cfg.Provider,
		devices:    cfg.Devices,
		sessionCfg: cfg.Session,
		frameSize:  cmp.Or(cfg.FrameSize, audio.DefaultFrameSize),
		recordDir:  cfg.RecordDir,
		metrics:    cfg.Metrics,
		breaker:    cfg.ConnectBreaker,
		speed:      cmp.Or(cfg.PlaybackSpeed, 1),
		released:   make(chan struct{}),
	}
	close(c.released)
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.New(resilience.Config{Name: "connect", IsFailure: isConnectFailure})
	}
	if cfg.Contact != nil {
		w, err := contact.New(cfg.Contact.Pattern, cfg.Contact.Message, c.onContact)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		c.contact = w
	}
	return c, nil
}

// Subscribe returns a channel of notices and a function that ends the
// subscription. Slow subscribers miss notices rather than stall the session.
func (c *Controller) Subscribe() (<-chan Notice, func()) {
	return c.notices.subscribe()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a session is connecting or connected.
func (c *Controller) IsActive() bool {
	return c.State() != StateIdle
}

// Info returns a snapshot of the controller.
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := c.info
	info.State = c.state
	info.PlaybackSpeed = c.speed
	rt := c.rt
	c.mu.Unlock()

	if rt != nil {
		info.NextStart = rt.sched.NextStart()
		info.ActiveChunks = rt.sched.Active()
		info.Capture = rt.pipeline.Stats()
	}
	return info
}

// SetPlaybackSpeed changes the playback multiplier for chunks scheduled from
// now on, including those of the running session.
func (c *Controller) SetPlaybackSpeed(f float64) {
	c.mu.Lock()
	c.speed = f
	rt := c.rt
	c.mu.Unlock()
	if rt != nil {
		rt.sched.SetSpeed(f)
	}
}

// SetContact replaces the contact pattern and message. It fails when the
// watcher is disabled or the pattern does not compile.
func (c *Controller) SetContact(pattern, message string) error {
	if c.contact == nil {
		return errors.New("session: contact watcher disabled")
	}
	return c.contact.SetPattern(pattern, message)
}

// Start brings up a new session: playback device, capture device, then the
// remote stream. It returns once the session is connected.
//
// On failure the controller returns to idle, the error is returned, and one
// [NoticeError] carrying [FailureMessage] is published. Device failures wrap
// [ErrDeviceAcquisition]; connection failures wrap [live.ErrConnection].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	for {
		if c.state != StateIdle {
			id := c.info.SessionID
			c.mu.Unlock()
			return fmt.Errorf("%w (id=%s)", ErrAlreadyActive, id)
		}
		prev := c.released
		select {
		case <-prev:
		default:
			// The previous session is still releasing its devices.
			c.mu.Unlock()
			select {
			case <-prev:
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			c.mu.Lock()
			continue
		}
		break
	}
	released := make(chan struct{})
	c.released = released
	connected := false
	defer func() {
		if !connected {
			close(released)
		}
	}()

	id := uuid.NewString()
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen := c.gen
	providerName := c.provider.Capabilities().Name
	c.state = StateConnecting
	c.cancelStart = cancel
	c.info = Info{SessionID: id, Provider: providerName}
	c.mu.Unlock()

	c.notices.publish(Notice{Kind: NoticeState, SessionID: id, State: StateConnecting})

	startCtx = observe.WithSessionID(startCtx, id)
	startCtx, span := observe.StartSpan(startCtx, "session.start")
	defer span.End()

	rt, err := c.acquire(startCtx, id)

	c.mu.Lock()
	if c.gen != gen {
		// Stop ran while we were acquiring and is waiting on released.
		c.mu.Unlock()
		if rt != nil {
			_ = c.closeRuntime(rt)
		}
		c.mu.Lock()
		c.state = StateIdle
		c.info = Info{}
		c.mu.Unlock()
		c.metrics.RecordSessionStart(ctx, providerName, "cancelled")
		c.notices.publish(Notice{Kind: NoticeState, SessionID: id, State: StateIdle})
		return ErrCancelled
	}
	if err != nil {
		c.state = StateIdle
		c.cancelStart = nil
		c.info = Info{}
		c.gen++
		c.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			c.metrics.RecordSessionStart(ctx, providerName, "cancelled")
			c.notices.publish(Notice{Kind: NoticeState, SessionID: id, State: StateIdle})
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		observe.Logger(startCtx).Error("session: start failed", "err", err)
		c.metrics.RecordSessionStart(ctx, providerName, "error")
		c.notices.publish(Notice{Kind: NoticeError, SessionID: id, Message: FailureMessage, Err: err})
		c.notices.publish(Notice{Kind: NoticeState, SessionID: id, State: StateIdle})
		return err
	}
	c.state = StateConnected
	c.cancelStart = nil
	c.info.StartedAt = time.Now().UTC()
	rt.released = released
	c.rt = rt
	connected = true
	c.mu.Unlock()

	c.metrics.RecordSessionStart(ctx, providerName, "ok")
	c.metrics.ActiveSessions.Add(ctx, 1)
	go c.run(gen, rt)

	slog.Info("session started",
		"session_id", id,
		"provider", providerName,
		"frame_size", c.frameSize,
		"recording", rt.rec != nil,
	)
	c.notices.publish(Notice{Kind: NoticeState, SessionID: id, State: StateConnected})
	return nil
}

// Stop ends the current session: it closes the remote stream and both
// devices and silences playback. Calling it during a pending Start cancels
// that Start, which then returns [ErrCancelled]. In every state Stop returns
// only after all devices of the last session have been released, so a
// following Start never overlaps with them.
func (c *Controller) Stop() error {
	c.mu.Lock()
	released := c.released
	switch c.state {
	case StateIdle:
		// A remote close may still be tearing down.
		c.mu.Unlock()
		<-released
		return nil
	case StateConnecting:
		if c.cancelStart != nil {
			slog.Info("session start cancelled", "session_id", c.info.SessionID)
			c.cancelStart()
			c.cancelStart = nil
			c.gen++
		}
		c.mu.Unlock()
		<-released
		return nil
	}

	rt := c.takeRuntime()
	c.mu.Unlock()

	err := c.closeRuntime(rt)
	<-rt.loopDone
	c.notices.publish(Notice{Kind: NoticeState, SessionID: rt.id, State: StateIdle})
	return err
}

// takeRuntime moves the controller to idle and hands back the running
// session. c.mu must be held and the state must be connected.
func (c *Controller) takeRuntime() *runtime {
	rt := c.rt
	c.rt = nil
	c.state = StateIdle
	c.info = Info{}
	c.gen++
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	return rt
}

// closeRuntime releases everything a session holds.
func (c *Controller) closeRuntime(rt *runtime) error {
	err := rt.close()
	if err != nil {
		slog.Warn("session: teardown error", "session_id", rt.id, "err", err)
	}
	if c.contact != nil {
		c.contact.EndTurn()
	}
	if rt.released != nil {
		close(rt.released)
	}
	slog.Info("session stopped", "session_id", rt.id)
	return err
}

// end tears the session down from the event loop. It is a no-op when the
// session it belongs to was already stopped.
func (c *Controller) end(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	rt := c.takeRuntime()
	c.mu.Unlock()

	if cause != nil {
		slog.Warn("session: remote stream ended", "session_id", rt.id, "err", cause)
		c.metrics.RecordProviderError(context.Background(), rt.provider, "stream")
	}
	_ = c.closeRuntime(rt)
	c.notices.publish(Notice{Kind: NoticeState, SessionID: rt.id, State: StateIdle, Err: cause})
}

// runtime is everything one connected session owns.
type runtime struct {
	id          string
	provider    string
	maxDuration time.Duration

	timeline *mixer.Timeline
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
	sess     live.Session
	rec      *recording.Recorder

	// closers are called in reverse order by close.
	closers  []func() error
	loopDone chan struct{}
	released chan struct{} // set once connected; closed by closeRuntime
	once     sync.Once
	err      error
}

func (rt *runtime) close() error {
	rt.once.Do(func() {
		var errs []error
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		rt.err = errors.Join(errs...)
	})
	return rt.err
}

// acquire opens the devices and the remote stream. On failure everything
// opened so far is released and a nil runtime is returned.
func (c *Controller) acquire(ctx context.Context, id string) (*runtime, error) {
	caps := c.provider.Capabilities()
	inRate := cmp.Or(caps.InputSampleRate, audio.CaptureSampleRate)
	outRate := cmp.Or(caps.OutputSampleRate, audio.PlaybackSampleRate)
	rt := &runtime{
		id:          id,
		provider:    caps.Name,
		maxDuration: caps.MaxSessionDuration,
		loopDone:    make(chan struct{}),
	}
	fail := func(err error) (*runtime, error) {
		_ = rt.close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if c.recordDir != "" {
		rec, err := recording.Open(c.recordDir, id, inRate, outRate)
		if err != nil {
			slog.Warn("session: recording disabled", "session_id", id, "err", err)
		} else {
			rt.rec = rec
			rt.closers = append(rt.closers, rec.Close)
		}
	}

	rt.timeline = mixer.New(outRate)
	rt.closers = append(rt.closers, rt.timeline.Close)
	var renderer audio.Renderer = rt.timeline
	if rt.rec != nil {
		renderer = recording.TapRenderer(renderer, rt.rec.Downlink())
	}

	var (
		speaker audio.Playback
		mic     audio.Capture
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.devices.OpenPlayback(gctx, audio.Format{SampleRate: outRate, Channels: 1}, renderer)
		if err != nil {
			return fmt.Errorf("open playback: %w", err)
		}
		speaker = p
		return nil
	})
	g.Go(func() error {
		m, err := c.devices.OpenCapture(gctx, audio.Format{SampleRate: inRate, Channels: 1})
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		mic = m
		return nil
	})
	gerr := g.Wait()
	if speaker != nil {
		rt.closers = append(rt.closers, speaker.Close)
	}
	if mic != nil {
		rt.closers = append(rt.closers, mic.Close)
	}
	if gerr != nil {
		return fail(fmt.Errorf("%w: %w", ErrDeviceAcquisition, gerr))
	}

	if err := speaker.Start(); err != nil {
		return fail(fmt.Errorf("%w: start playback: %w", ErrDeviceAcquisition, err))
	}
	if rt.timeline.State() == audio.OutputSuspended {
		rt.timeline.Resume()
	}

	c.mu.Lock()
	speed := c.speed
	c.mu.Unlock()
	rt.sched = playback.New(rt.timeline, playback.WithSpeed(speed), playback.WithSampleRate(outRate))
	rt.closers = append(rt.closers, func() error {
		rt.sched.Reset()
		return nil
	})

	opts := []capture.Option{
		capture.WithFrameSize(c.frameSize),
		capture.WithSampleRate(inRate),
		capture.WithMetrics(c.metrics),
	}
	if rt.rec != nil {
		opts = append(opts, capture.WithTap(rt.rec.Uplink().WriteFrame))
	}
	rt.pipeline = capture.New(opts...)

	var sess live.Session
	err := c.breaker.Do(func() error {
		connectStart := time.Now()
		s, err := c.provider.Connect(ctx, c.sessionCfg)
		c.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds(),
			metric.WithAttributes(observe.Attr("provider", caps.Name)))
		sess = s
		return err
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		c.metrics.RecordProviderError(ctx, caps.Name, "circuit_open")
		return fail(fmt.Errorf("session: connect: %w: %w", live.ErrConnection, err))
	case err != nil:
		c.metrics.RecordProviderError(ctx, caps.Name, "connect")
		return fail(fmt.Errorf("session: connect: %w", err))
	}
	rt.sess = sess
	rt.closers = append(rt.closers, sess.Close)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	rt.pipeline.Attach(sess)
	rt.closers = append(rt.closers, func() error {
		rt.pipeline.Detach()
		return nil
	})
	if err := mic.Start(rt.pipeline.Write); err != nil {
		return fail(fmt.Errorf("%w: start capture: %w", ErrDeviceAcquisition, err))
	}
	return rt, nil
}

// run is the single consumer of the session's events. It exits when the
// stream ends, the provider's session limit is reached, or Stop closes the
// stream.
func (c *Controller) run(gen uint64, rt *runtime) {
	defer close(rt.loopDone)

	ctx := observe.WithSessionID(context.Background(), rt.id)
	log := observe.Logger(ctx)

	var limit <-chan time.Time
	if rt.maxDuration > 0 {
		t := time.NewTimer(rt.maxDuration)
		defer t.Stop()
		limit = t.C
	}

	events := rt.sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.end(gen, rt.sess.Err())
				return
			}
			if ev.Kind == live.EventClosed {
				c.end(gen, ev.Err)
				return
			}
			c.handle(ctx, log, rt, ev)
		case <-limit:
			log.Info("session: provider session limit reached", "limit", rt.maxDuration)
			c.end(gen, nil)
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, log *slog.Logger, rt *runtime, ev live.Event) {
	switch ev.Kind {
	case live.EventAudio:
		p, err := rt.sched.Schedule(ev.Audio)
		if err != nil {
			log.Warn("session: skipping undecodable audio chunk", "err", err)
			c.metrics.DecodeErrors.Add(ctx, 1)
			return
		}
		c.metrics.ChunksScheduled.Add(ctx, 1)
		if p.Lag > 0 {
			c.metrics.ScheduleLag.Record(ctx, p.Lag)
		}

	case live.EventInterrupted:
		n := rt.sched.Interrupt()
		c.metrics.Interruptions.Add(ctx, 1)
		log.Debug("session: playback interrupted", "stopped", n)

	case live.EventTranscription:
		input := ev.Source == live.SourceInput
		c.metrics.RecordTranscription(ctx, ev.Source.String())
		c.notices.publish(Notice{Kind: NoticeTranscript, SessionID: rt.id, Text: ev.Text, Input: input})
		if c.contact != nil {
			c.contact.Observe(ev.Text, input)
		}

	case live.EventTurnComplete:
		if c.contact != nil {
			c.contact.EndTurn()
		}
	}
}

func (c *Controller) onContact(m contact.Match) {
	c.mu.Lock()
	id := c.info.SessionID
	c.mu.Unlock()
	slog.Info("session: contact identifier mentioned", "session_id", id, "input", m.Input)
	c.notices.publish(Notice{Kind: NoticeContact, SessionID: id, Message: m.Message, Text: m.Text, Input: m.Input})
}

// isConnectFailure reports whether a connect error counts against the
// connect breaker. Cancelled starts do not.
func isConnectFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
