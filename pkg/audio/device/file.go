package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ce-power/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Devices  = (*File)(nil)
	_ audio.Capture  = (*fileCapture)(nil)
	_ audio.Playback = (*nullPlayback)(nil)
)

// defaultTick is the pacing interval for file capture and null playback.
const defaultTick = 20 * time.Millisecond

// File is an [audio.Devices] for headless runs. Capture reads a WAV file and
// delivers it in real time; playback renders into nothing, optionally
// writing the rendered audio to a WAV file.
type File struct {
	// CapturePath is the WAV file used as microphone input. Multi-channel
	// files are downmixed to mono.
	CapturePath string

	// PlaybackPath, when set, receives the rendered speaker output as a
	// 16-bit mono WAV file.
	PlaybackPath string

	// Tick is the pacing interval. Defaults to 20ms.
	Tick time.Duration
}

func (f *File) tick() time.Duration {
	if f.Tick > 0 {
		return f.Tick
	}
	return defaultTick
}

// OpenCapture implements [audio.Devices]. The file's own sample rate is
// reported on every frame; the requested format is ignored.
func (f *File) OpenCapture(ctx context.Context, _ audio.Format) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.CapturePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, f.CapturePath, err)
	}
	dec := wav.NewDecoder(fh)
	if !dec.IsValidFile() {
		fh.Close()
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrUnavailable, f.CapturePath)
	}
	buf, err := dec.FullPCMBuffer()
	fh.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrUnavailable, f.CapturePath, err)
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	if channels <= 0 || rate <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid format %dHz/%dch", ErrUnavailable, f.CapturePath, rate, channels)
	}

	scale := float32(int64(1) << (max(int(dec.BitDepth), 1) - 1))
	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = float32(v) / scale
	}

	slog.Debug("loaded capture file",
		"path", f.CapturePath,
		"sample_rate", rate,
		"channels", channels,
		"bit_depth", dec.BitDepth,
	)

	return &fileCapture{
		samples: audio.Downmix(interleaved, channels),
		rate:    rate,
		tick:    f.tick(),
		done:    make(chan struct{}),
	}, nil
}

// OpenPlayback implements [audio.Devices].
func (f *File) OpenPlayback(ctx context.Context, format audio.Format, r audio.Renderer) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &nullPlayback{
		r:    r,
		rate: format.SampleRate,
		tick: f.tick(),
		done: make(chan struct{}),
	}
	if f.PlaybackPath != "" {
		fh, err := os.Create(f.PlaybackPath)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrUnavailable, f.PlaybackPath, err)
		}
		p.file = fh
		p.enc = wav.NewEncoder(fh, format.SampleRate, 16, 1, 1)
	}
	return p, nil
}

// NullPlayback returns a [audio.Playback] that pulls from r in real time and
// discards the audio.
func NullPlayback(r audio.Renderer, sampleRate int) audio.Playback {
	return &nullPlayback{r: r, rate: sampleRate, tick: defaultTick, done: make(chan struct{})}
}

// ─── File capture ─────────────────────────────────────────────────────────────

type fileCapture struct {
	samples []float32
	rate    int
	tick    time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (c *fileCapture) Start(onFrame func(audio.Frame)) error {
	started := false
	c.startOnce.Do(func() {
		started = true
		c.wg.Add(1)
		go c.run(onFrame)
	})
	if !started {
		return errors.New("device: capture already started")
	}
	return nil
}

// run delivers one tick worth of samples per tick until the file is
// exhausted or Close is called.
func (c *fileCapture) run(onFrame func(audio.Frame)) {
	defer c.wg.Done()

	per := max(1, int(int64(c.rate)*int64(c.tick)/int64(time.Second)))
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var elapsed time.Duration
	for start := 0; start < len(c.samples); start += per {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		end := min(start+per, len(c.samples))
		frame := make([]float32, end-start)
		copy(frame, c.samples[start:end])
		onFrame(audio.Frame{Samples: frame, SampleRate: c.rate, Timestamp: elapsed})
		elapsed += c.tick
	}
	slog.Debug("capture file finished")
}

func (c *fileCapture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// ─── Null playback ────────────────────────────────────────────────────────────

type nullPlayback struct {
	r    audio.Renderer
	rate int
	tick time.Duration

	// enc is nil unless rendered audio is written to a file.
	enc  *wav.Encoder
	file *os.File

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	err       error
}

func (p *nullPlayback) Start() error {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
	return nil
}

func (p *nullPlayback) run() {
	defer p.wg.Done()

	per := max(1, int(int64(p.rate)*int64(p.tick)/int64(time.Second)))
	buf := make([]float32, per)
	var ibuf *goaudio.IntBuffer
	if p.enc != nil {
		ibuf = &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: p.rate, NumChannels: 1},
			Data:           make([]int, per),
			SourceBitDepth: 16,
		}
	}

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		p.r.Render(buf)
		if ibuf == nil {
			continue
		}
		for i, s := range buf {
			ibuf.Data[i] = int(s * math.MaxInt16)
		}
		if err := p.enc.Write(ibuf); err != nil {
			slog.Error("playback file write failed", "err", err)
			p.err = err
			return
		}
	}
}

func (p *nullPlayback) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		if p.enc != nil {
			p.err = errors.Join(p.err, p.enc.Close(), p.file.Close())
		}
	})
	return p.err
}
