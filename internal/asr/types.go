// Package asr turns waveform slices into text: language detection, original
// transcription, and conditional translation to English.
package asr

import (
	"context"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

// Task selects recognizer behavior.
type Task string

const (
	// TaskTranscribe transcribes in the spoken language, detecting it.
	TaskTranscribe Task = "transcribe"
	// TaskTranslate produces English text regardless of input language.
	TaskTranslate Task = "translate"
)

// Result is the normalized recognizer output. Language is an ISO 639-1 code
// when the backend reports one, empty otherwise.
type Result struct {
	Language string
	Text     string
}

// Recognizer abstracts speech recognition backends.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Clip, task Task) (Result, error)
}
