package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/ce-power/livevoice/pkg/audio"
)

func TestResampleMono(t *testing.T) {
	tests := []struct {
		name    string
		in      []float32
		src     int
		dst     int
		wantLen int
	}{
		{"same rate", []float32{0.1, 0.2, 0.3}, 16000, 16000, 3},
		{"48k to 16k", make([]float32, 480), 48000, 16000, 160},
		{"8k to 16k", make([]float32, 80), 8000, 16000, 160},
		{"zero src", []float32{0.1, 0.2}, 0, 16000, 2},
		{"single sample", []float32{0.5}, 8000, 16000, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.ResampleMono(tc.in, tc.src, tc.dst)
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestResampleMono_Interpolates(t *testing.T) {
	got := audio.ResampleMono([]float32{0, 1}, 8000, 16000)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	got := audio.Downmix([]float32{0.2, 0.4, -1, 1}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}

	mono := []float32{0.1, 0.2}
	if out := audio.Downmix(mono, 1); &out[0] != &mono[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestFrameConverter_NoOp(t *testing.T) {
	conv := audio.FrameConverter{TargetRate: audio.CaptureSampleRate}
	in := audio.Frame{Samples: []float32{0.1, 0.2}, SampleRate: audio.CaptureSampleRate}
	out := conv.Convert(in)
	if &out.Samples[0] != &in.Samples[0] {
		t.Error("matching rate should return the frame unchanged")
	}
}

func TestFrameConverter_Resamples(t *testing.T) {
	conv := audio.FrameConverter{TargetRate: audio.CaptureSampleRate}
	in := audio.Frame{Samples: make([]float32, 4800), SampleRate: 48000, Timestamp: time.Second}
	out := conv.Convert(in)
	if out.SampleRate != audio.CaptureSampleRate {
		t.Errorf("SampleRate = %d, want %d", out.SampleRate, audio.CaptureSampleRate)
	}
	if len(out.Samples) != 1600 {
		t.Errorf("len = %d, want 1600", len(out.Samples))
	}
	if out.Timestamp != time.Second {
		t.Errorf("Timestamp = %v, want 1s", out.Timestamp)
	}
}

func TestFrame_Duration(t *testing.T) {
	f := audio.Frame{Samples: make([]float32, 24000), SampleRate: audio.PlaybackSampleRate}
	if got := f.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := (audio.Frame{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
}

func TestFormat_String(t *testing.T) {
	if got := (audio.Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("String = %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String = %q", got)
	}
}
