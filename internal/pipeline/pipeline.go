package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/speakbeelabs/speakbee-core/internal/asr"
	"github.com/speakbeelabs/speakbee-core/internal/audio"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/diarize"
	"github.com/speakbeelabs/speakbee-core/internal/embed"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
)

// Segment is one fully processed slice of the input audio. Identity fields
// are populated only when the similarity match was accepted; Similarity is
// reported whenever a best candidate with a non-negative score existed.
type Segment struct {
	Start          float64  `json:"start"`
	End            float64  `json:"end"`
	DiarLabel      string   `json:"diar_label"`
	SpeakerID      *string  `json:"speaker_id"`
	SpeakerName    *string  `json:"speaker_name"`
	Similarity     *float64 `json:"similarity"`
	Text           string   `json:"text"`
	Language       string   `json:"language,omitempty"`
	TextOriginal   string   `json:"text_original,omitempty"`
	TextTranslated string   `json:"text_translated,omitempty"`
}

// Identity is the outcome of matching a voice-print against the registry.
// Matched implies SpeakerID and Name are set.
type Identity struct {
	SpeakerID  string
	Name       string
	Similarity *float64
	Matched    bool
}

// Matcher is the registry surface the pipeline needs.
type Matcher interface {
	Nearest(ctx context.Context, probe []float32) (registry.Match, bool, error)
}

// Transcriber is the recognition surface the pipeline needs.
type Transcriber interface {
	Run(ctx context.Context, clip audio.Clip) (asr.Transcript, error)
}

// Pipeline composes diarization, identification, and transcription over a
// decoded clip.
type Pipeline struct {
	segmenter   diarize.Segmenter
	extractor   embed.Extractor
	transcriber Transcriber
	matcher     Matcher
	cfg         config.PipelineConfig
	logger      *slog.Logger
}

func New(segmenter diarize.Segmenter, extractor embed.Extractor, transcriber Transcriber, matcher Matcher, cfg config.PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		segmenter:   segmenter,
		extractor:   extractor,
		transcriber: transcriber,
		matcher:     matcher,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "pipeline")),
	}
}

// Embed extracts a voice-print for a clip.
func (p *Pipeline) Embed(ctx context.Context, clip audio.Clip) ([]float32, error) {
	return p.extractor.Embed(ctx, clip)
}

// Identify matches a voice-print against the registry. The acceptance rule
// is similarity >= the configured threshold; on ties the registry keeps the
// first enrollment scanned.
func (p *Pipeline) Identify(ctx context.Context, probe []float32) (Identity, error) {
	match, ok, err := p.matcher.Nearest(ctx, probe)
	if err != nil {
		return Identity{}, fmt.Errorf("registry query: %w", err)
	}
	if !ok {
		return Identity{}, nil
	}

	var id Identity
	if match.Similarity >= 0 {
		sim := match.Similarity
		id.Similarity = &sim
	}
	if match.Similarity >= p.cfg.SimThreshold {
		id.Matched = true
		id.SpeakerID = match.SpeakerID
		id.Name = match.Name
	}
	return id, nil
}

// Process runs the whole segment-identify-transcribe flow over a decoded
// clip. Diarization failure is fatal; per-segment stage failures drop that
// segment and processing continues with the rest. Segments come out in
// non-decreasing start order.
func (p *Pipeline) Process(ctx context.Context, clip audio.Clip) ([]Segment, error) {
	turns, err := p.segmenter.Diarize(ctx, clip)
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}

	segments := make([]Segment, 0, len(turns))
	for _, turn := range turns {
		if turn.End-turn.Start < p.cfg.MinSegmentDuration {
			continue
		}

		slice := clip.Slice(turn.Start, turn.End)
		seg := Segment{Start: turn.Start, End: turn.End, DiarLabel: turn.Label}

		probe, err := p.extractor.Embed(ctx, slice)
		if err != nil {
			p.logger.Warn("embedding failed for segment",
				slog.Float64("start", turn.Start),
				slog.String("error", err.Error()))
		} else if id, err := p.Identify(ctx, probe); err != nil {
			p.logger.Warn("identification failed for segment",
				slog.Float64("start", turn.Start),
				slog.String("error", err.Error()))
		} else {
			seg.Similarity = id.Similarity
			if id.Matched {
				speakerID, name := id.SpeakerID, id.Name
				seg.SpeakerID = &speakerID
				seg.SpeakerName = &name
			}
		}

		transcript, err := p.transcriber.Run(ctx, slice)
		if err != nil {
			p.logger.Warn("transcription failed, dropping segment",
				slog.Float64("start", turn.Start),
				slog.String("error", err.Error()))
			continue
		}
		seg.Language = transcript.Language
		// text_original is surfaced only for non-English speech; for
		// English the text field already carries it.
		if transcript.Language != "" && transcript.Language != "en" {
			seg.TextOriginal = transcript.Original
		}
		seg.TextTranslated = transcript.Translated
		seg.Text = transcript.Display()

		segments = append(segments, seg)
	}
	return segments, nil
}
