package asr

import (
	"context"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type mockRecognizer struct {
	language string
	text     string
}

// NewMockRecognizer returns canned output for development and tests.
func NewMockRecognizer(language, text string) Recognizer {
	return &mockRecognizer{language: language, text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, _ audio.Clip, task Task) (Result, error) {
	if task == TaskTranslate {
		return Result{Language: "en", Text: m.text}, nil
	}
	return Result{Language: m.language, Text: m.text}, nil
}
