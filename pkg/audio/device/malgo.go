// Package device provides [audio.Devices] implementations: real microphone
// and speaker access through miniaudio (malgo), WAV-file capture for
// headless runs, and a null playback sink.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/ce-power/livevoice/pkg/audio"
)

// ErrUnavailable is returned when an audio device cannot be acquired.
var ErrUnavailable = errors.New("device: audio device unavailable")

// Compile-time interface assertions.
var (
	_ audio.Devices  = (*Malgo)(nil)
	_ audio.Capture  = (*malgoCapture)(nil)
	_ audio.Playback = (*malgoPlayback)(nil)
)

// periodMillis is the device callback period requested from miniaudio.
const periodMillis = 20

// Malgo opens the system default microphone and speaker through miniaudio.
// One Malgo owns one miniaudio context; call [Malgo.Close] on shutdown.
type Malgo struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

// NewMalgo initialises a miniaudio context.
func NewMalgo() (*Malgo, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %w", ErrUnavailable, err)
	}
	return &Malgo{ctx: ctx}, nil
}

// OpenCapture implements [audio.Devices]. Frames are mono float32 at the
// requested rate; miniaudio converts from the hardware format.
func (m *Malgo) OpenCapture(ctx context.Context, format audio.Format) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: context closed", ErrUnavailable)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis
	cfg.Alsa.NoMMap = 1

	c := &malgoCapture{rate: format.SampleRate}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		return nil, fmt.Errorf("%w: capture: %w", ErrUnavailable, err)
	}
	c.dev = dev
	return c, nil
}

// OpenPlayback implements [audio.Devices]. The device pulls mono float32 at
// format.SampleRate from r on its callback thread.
func (m *Malgo) OpenPlayback(ctx context.Context, format audio.Format, r audio.Renderer) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: context closed", ErrUnavailable)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis

	p := &malgoPlayback{r: r}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.onData})
	if err != nil {
		return nil, fmt.Errorf("%w: playback: %w", ErrUnavailable, err)
	}
	p.dev = dev
	return p, nil
}

// Close releases the miniaudio context. Devices opened from it must be
// closed first. Idempotent.
func (m *Malgo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}

// ─── Capture ──────────────────────────────────────────────────────────────────

type malgoCapture struct {
	dev     *malgo.Device
	rate    int
	onFrame atomic.Pointer[func(audio.Frame)]
	started time.Time
	once    sync.Once
}

func (c *malgoCapture) Start(onFrame func(audio.Frame)) error {
	c.started = time.Now()
	c.onFrame.Store(&onFrame)
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("%w: start capture: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *malgoCapture) onData(_, in []byte, frames uint32) {
	fn := c.onFrame.Load()
	if fn == nil || frames == 0 {
		return
	}
	(*fn)(audio.Frame{
		Samples:    bytesToFloat32(in, int(frames)),
		SampleRate: c.rate,
		Timestamp:  time.Since(c.started),
	})
}

func (c *malgoCapture) Close() error {
	c.once.Do(func() {
		c.onFrame.Store(nil)
		_ = c.dev.Stop()
		c.dev.Uninit()
	})
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

type malgoPlayback struct {
	dev  *malgo.Device
	r    audio.Renderer
	buf  []float32
	once sync.Once
}

func (p *malgoPlayback) Start() error {
	if err := p.dev.Start(); err != nil {
		return fmt.Errorf("%w: start playback: %w", ErrUnavailable, err)
	}
	return nil
}

// onData runs on the miniaudio thread; buf is only touched here.
func (p *malgoPlayback) onData(out, _ []byte, frames uint32) {
	n := int(frames)
	if cap(p.buf) < n {
		p.buf = make([]float32, n)
	}
	buf := p.buf[:n]
	p.r.Render(buf)
	float32ToBytes(out, buf)
}

func (p *malgoPlayback) Close() error {
	p.once.Do(func() {
		_ = p.dev.Stop()
		p.dev.Uninit()
	})
	return nil
}

// ─── Sample conversion ────────────────────────────────────────────────────────

func bytesToFloat32(b []byte, n int) []float32 {
	n = min(n, len(b)/4)
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func float32ToBytes(dst []byte, samples []float32) {
	for i, s := range samples {
		if i*4+4 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
