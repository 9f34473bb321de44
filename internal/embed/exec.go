package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type execExtractor struct {
	cmd []string
	mu  sync.Mutex
}

type execEmbedResult struct {
	Embedding []float32 `json:"embedding"`
}

// NewExecExtractor shells out to a helper command that reads a WAV file and
// prints {"embedding": [...]} on stdout. Calls are serialized; the helper is
// assumed to hold a single model instance.
func NewExecExtractor(command string) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse embedder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("embedder command is empty")
	}
	return &execExtractor{cmd: args}, nil
}

func (e *execExtractor) Embed(ctx context.Context, clip audio.Clip) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wavBytes, err := audio.EncodeWAV(clip)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(os.TempDir(), "speakbee_embed_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()
	if _, err := file.Write(wavBytes); err != nil {
		return nil, fmt.Errorf("write temp wav: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("embedder command failed: %w: %s", err, stderr.String())
	}

	var resp execEmbedResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode embedder response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embedder returned empty vector")
	}
	return resp.Embedding, nil
}
