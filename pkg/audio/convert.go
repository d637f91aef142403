package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FrameConverter resamples float frames to a target rate. It logs a warning
// on the first rate mismatch. Create one per stream; not designed for shared
// use across goroutines.
type FrameConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert resamples frame to the target rate. If the source rate already
// matches, or is unknown, the frame is returned unchanged (zero allocation).
func (c *FrameConverter) Convert(frame Frame) Frame {
	if frame.SampleRate <= 0 || frame.SampleRate == c.TargetRate {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from", formatString(frame.SampleRate, 1),
			"to", formatString(c.TargetRate, 1),
		)
	})

	return Frame{
		Samples:    ResampleMono(frame.Samples, frame.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved multi-channel float samples into mono. With
// channels <= 1 the input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleMono resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
