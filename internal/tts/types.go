package tts

import "context"

// Synthesizer renders text to a complete WAV payload. Synthesis is best
// effort: callers treat an empty payload or an error as "no audio".
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
