package tts

import (
	"context"
	"math"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type mockSynthesizer struct {
	sampleRate int
}

// NewMockSynthesizer renders a short fixed tone regardless of input text.
func NewMockSynthesizer(sampleRate int) Synthesizer {
	return &mockSynthesizer{sampleRate: sampleRate}
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.sampleRate / 4
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
	}
	return audio.EncodeWAV(audio.Clip{Samples: samples, SampleRate: m.sampleRate})
}
