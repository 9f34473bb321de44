// Package audio normalizes uploaded or streamed audio bytes into mono float32
// clips and converts them back to WAV for external recognizers.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"
)

// Clip is a mono waveform with a known sample rate. Samples are normalized to
// [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Slice returns the [start, end) window in seconds, clamped to the clip.
func (c Clip) Slice(start, end float64) Clip {
	if c.SampleRate <= 0 || end <= start {
		return Clip{SampleRate: c.SampleRate}
	}
	s := int(start * float64(c.SampleRate))
	e := int(end * float64(c.SampleRate))
	if s < 0 {
		s = 0
	}
	if e > len(c.Samples) {
		e = len(c.Samples)
	}
	if s >= e {
		return Clip{SampleRate: c.SampleRate}
	}
	return Clip{Samples: c.Samples[s:e], SampleRate: c.SampleRate}
}

// RMS returns the root-mean-square energy of the clip.
func (c Clip) RMS() float64 {
	if len(c.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.Samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(c.Samples)))
}

// DecodeWAV parses WAV bytes into a mono clip. Multi-channel audio is averaged
// down to mono.
func DecodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Clip{}, errors.New("wav file missing format")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		bitDepth = 16
	}
	scale := float64(uint64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var acc float64
		for ch := 0; ch < channels; ch++ {
			acc += float64(buf.Data[i*channels+ch]) / scale
		}
		samples[i] = float32(acc / float64(channels))
	}
	return Clip{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}

// Resample converts the clip to the target sample rate. The clip is returned
// unchanged when rates already match.
func Resample(c Clip, targetRate int) (Clip, error) {
	if targetRate <= 0 {
		return Clip{}, errors.New("target sample rate must be positive")
	}
	if c.SampleRate == targetRate || len(c.Samples) == 0 {
		return Clip{Samples: c.Samples, SampleRate: targetRate}, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(c.SampleRate),
		OutputRate: float64(targetRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return Clip{}, fmt.Errorf("create resampler: %w", err)
	}
	input := make([]float64, len(c.Samples))
	for i, s := range c.Samples {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return Clip{}, fmt.Errorf("resample: %w", err)
	}
	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return Clip{Samples: out, SampleRate: targetRate}, nil
}

// EncodeWAV renders the clip as 16-bit PCM WAV bytes.
func EncodeWAV(c Clip) ([]byte, error) {
	if c.SampleRate <= 0 {
		return nil, errors.New("clip missing sample rate")
	}
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: c.SampleRate},
		SourceBitDepth: 16,
	}
	buf.Data = make([]int, len(c.Samples))
	for i, s := range c.Samples {
		v := int(math.Round(float64(s) * 32767))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf.Data[i] = v
	}

	var ws writeSeekBuffer
	enc := wav.NewEncoder(&ws, c.SampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return ws.data, nil
}

// writeSeekBuffer adapts an in-memory byte slice to the io.WriteSeeker the wav
// encoder needs for patching up the RIFF header.
type writeSeekBuffer struct {
	data []byte
	pos  int
}

func (w *writeSeekBuffer) Write(p []byte) (int, error) {
	if w.pos+len(p) > len(w.data) {
		grown := make([]byte, w.pos+len(p))
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

func (w *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = w.pos + int(offset)
	case io.SeekEnd:
		next = len(w.data) + int(offset)
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	w.pos = next
	return int64(next), nil
}
