package embed

import (
	"context"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type mockExtractor struct {
	dims int
}

// NewMockExtractor returns a deterministic extractor that summarizes per-band
// signal energy. Similar audio produces similar vectors, which is enough for
// tests and offline development.
func NewMockExtractor(dims int) Extractor {
	if dims <= 0 {
		dims = 512
	}
	return &mockExtractor{dims: dims}
}

func (m *mockExtractor) Embed(_ context.Context, clip audio.Clip) ([]float32, error) {
	vec := make([]float32, m.dims)
	if len(clip.Samples) == 0 {
		return vec, nil
	}
	band := len(clip.Samples) / m.dims
	if band == 0 {
		band = 1
	}
	for i := 0; i < m.dims; i++ {
		start := i * band
		if start >= len(clip.Samples) {
			break
		}
		end := start + band
		if end > len(clip.Samples) {
			end = len(clip.Samples)
		}
		var acc float64
		for _, s := range clip.Samples[start:end] {
			acc += float64(s) * float64(s)
		}
		vec[i] = float32(acc / float64(end-start))
	}
	return vec, nil
}
