package diarize

import (
	"context"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type mockSegmenter struct{}

// NewMockSegmenter attributes the whole clip to a single speaker. Useful for
// development without a diarization backend.
func NewMockSegmenter() Segmenter { return &mockSegmenter{} }

func (m *mockSegmenter) Diarize(_ context.Context, clip audio.Clip) ([]Turn, error) {
	if clip.Duration() == 0 {
		return nil, nil
	}
	return []Turn{{Start: 0, End: clip.Duration(), Label: "SPEAKER_00"}}, nil
}
