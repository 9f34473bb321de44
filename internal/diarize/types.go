// Package diarize partitions a waveform into speaker-attributed time
// segments, without resolving speaker identity.
package diarize

import (
	"context"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

// Turn is a raw diarizer segment: a time range attributed to an anonymous
// speaker label. Turns may overlap across different labels.
type Turn struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Label string  `json:"speaker"`
}

// Segmenter abstracts diarization backends. Turns are returned in
// non-decreasing start order covering all detected speech.
type Segmenter interface {
	Diarize(ctx context.Context, clip audio.Clip) ([]Turn, error)
}
