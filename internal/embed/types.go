// Package embed maps waveforms to fixed-length voice-print vectors and
// provides the similarity metric used to compare them.
package embed

import (
	"context"
	"math"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

// Extractor abstracts voice-print backends. Implementations must be
// deterministic for identical input.
type Extractor interface {
	Embed(ctx context.Context, clip audio.Clip) ([]float32, error)
}

// Cosine returns the cosine similarity of two vectors in [-1, 1]. Mismatched
// or empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na)*math.Sqrt(nb) + 1e-8
	return dot / denom
}
