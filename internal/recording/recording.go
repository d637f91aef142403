// Package recording writes the audio of a voice session to WAV files.
//
// A [Recorder] owns two [Track]s: the uplink (microphone frames as they were
// sent, 16 kHz) and the downlink (the mixed playback output as it was
// rendered, 24 kHz). Tracks are fed from audio threads, so Write never
// blocks: samples are copied onto a bounded queue and encoded by a
// background goroutine. When the encoder falls behind, buffers are dropped
// and counted.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ce-power/livevoice/pkg/audio"
)

// queueDepth is the number of pending buffers per track.
const queueDepth = 256

// Recorder writes one session's uplink and downlink audio.
type Recorder struct {
	up   *Track
	down *Track
}

// Open creates dir if needed and starts two WAV tracks named after
// sessionID: "<id>-uplink.wav" at upRate and "<id>-downlink.wav" at
// downRate.
func Open(dir, sessionID string, upRate, downRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create dir: %w", err)
	}
	up, err := NewTrack(filepath.Join(dir, sessionID+"-uplink.wav"), upRate)
	if err != nil {
		return nil, err
	}
	down, err := NewTrack(filepath.Join(dir, sessionID+"-downlink.wav"), downRate)
	if err != nil {
		_ = up.Close()
		return nil, err
	}
	return &Recorder{up: up, down: down}, nil
}

// Uplink returns the microphone track.
func (r *Recorder) Uplink() *Track { return r.up }

// Downlink returns the playback track.
func (r *Recorder) Downlink() *Track { return r.down }

// Close flushes and closes both tracks.
func (r *Recorder) Close() error {
	return errors.Join(r.up.Close(), r.down.Close())
}

// Track is a single mono 16-bit WAV file fed asynchronously.
type Track struct {
	path string
	rate int

	file *os.File
	enc  *wav.Encoder

	mu     sync.Mutex
	closed bool
	queue  chan []float32

	done    chan struct{}
	err     error
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewTrack creates the file at path and starts its encoder goroutine.
func NewTrack(path string, rate int) (*Track, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %s: %w", path, err)
	}
	t := &Track{
		path:  path,
		rate:  rate,
		file:  f,
		enc:   wav.NewEncoder(f, rate, 16, 1, 1),
		queue: make(chan []float32, queueDepth),
		done:  make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Path returns the file path of the track.
func (t *Track) Path() string { return t.path }

// Write queues a copy of samples. It never blocks; after Close, or when the
// queue is full, the samples are discarded.
func (t *Track) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- buf:
	default:
		t.dropped.Add(1)
	}
}

// WriteFrame queues the samples of f. Its signature matches a capture tap.
func (t *Track) WriteFrame(f audio.Frame) {
	t.Write(f.Samples)
}

// Dropped returns how many buffers were discarded because the encoder was
// behind.
func (t *Track) Dropped() uint64 { return t.dropped.Load() }

// Written returns how many samples were encoded.
func (t *Track) Written() uint64 { return t.written.Load() }

func (t *Track) run() {
	defer close(t.done)

	ibuf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: t.rate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	for samples := range t.queue {
		if t.err != nil {
			continue
		}
		ibuf.Data = ibuf.Data[:0]
		for _, s := range samples {
			ibuf.Data = append(ibuf.Data, toInt16(s))
		}
		if err := t.enc.Write(ibuf); err != nil {
			slog.Error("recording: write failed", "path", t.path, "err", err)
			t.err = err
			continue
		}
		t.written.Add(uint64(len(samples)))
	}
}

// Close stops accepting samples, drains the queue, and finalises the WAV
// header. Calling Close more than once is safe.
func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.done
	return errors.Join(t.err, t.enc.Close(), t.file.Close())
}

func toInt16(s float32) int {
	v := math.Round(float64(s) * math.MaxInt16)
	return int(max(math.MinInt16, min(math.MaxInt16, v)))
}

// TapRenderer wraps r so that everything it renders is also written to t.
func TapRenderer(r audio.Renderer, t *Track) audio.Renderer {
	return &tapRenderer{r: r, t: t}
}

type tapRenderer struct {
	r audio.Renderer
	t *Track
}

func (tr *tapRenderer) Render(out []float32) int {
	n := tr.r.Render(out)
	if n > 0 {
		tr.t.Write(out[:n])
	}
	return n
}
