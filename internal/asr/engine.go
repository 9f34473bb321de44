package asr

import (
	"context"
	"log/slog"
	"strings"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

// Transcript is the engine's per-slice output. Translated is set only when a
// translation pass actually ran and produced text.
type Transcript struct {
	Language   string
	Original   string
	Translated string
}

// Display returns the text preferred for presentation: the English
// translation when available, the original text otherwise.
func (t Transcript) Display() string {
	if t.Translated != "" {
		return t.Translated
	}
	return t.Original
}

// Engine runs the two-pass transcription flow. The translator recognizer is
// an optional capability: when nil, the primary recognizer handles the
// translation pass too.
type Engine struct {
	primary     Recognizer
	translator  Recognizer
	translate   bool
	minDuration float64
	logger      *slog.Logger
}

func NewEngine(primary Recognizer, translator Recognizer, translate bool, minDuration float64, logger *slog.Logger) *Engine {
	return &Engine{
		primary:     primary,
		translator:  translator,
		translate:   translate,
		minDuration: minDuration,
		logger:      logger.With(slog.String("component", "asr-engine")),
	}
}

// Run transcribes the slice. Slices shorter than the minimal viable duration
// short-circuit to an empty transcript without touching the model. A failed
// first pass is fatal; a failed translation pass degrades to the original
// text.
func (e *Engine) Run(ctx context.Context, clip audio.Clip) (Transcript, error) {
	if clip.Duration() < e.minDuration {
		return Transcript{}, nil
	}

	first, err := e.primary.Transcribe(ctx, clip, TaskTranscribe)
	if err != nil {
		return Transcript{}, err
	}
	out := Transcript{
		Language: first.Language,
		Original: strings.TrimSpace(first.Text),
	}

	if !e.translate || out.Language == "" || out.Language == "en" || out.Original == "" {
		return out, nil
	}

	rec := e.translator
	if rec == nil {
		rec = e.primary
	}
	second, err := rec.Transcribe(ctx, clip, TaskTranslate)
	if err != nil {
		e.logger.Warn("translation pass failed, keeping original text",
			slog.String("language", out.Language),
			slog.String("error", err.Error()))
		return out, nil
	}
	out.Translated = strings.TrimSpace(second.Text)
	return out, nil
}
