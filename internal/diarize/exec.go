package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

type execSegmenter struct {
	cmd []string
	mu  sync.Mutex
}

type execDiarizeResult struct {
	Segments []Turn `json:"segments"`
}

// NewExecSegmenter shells out to a helper command (typically a pyannote
// wrapper) that reads a WAV file and prints {"segments": [...]} on stdout.
// Calls are serialized; the helper holds a single pipeline instance.
func NewExecSegmenter(command string) (Segmenter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse diarizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("diarizer command is empty")
	}
	return &execSegmenter{cmd: args}, nil
}

func (e *execSegmenter) Diarize(ctx context.Context, clip audio.Clip) ([]Turn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wavBytes, err := audio.EncodeWAV(clip)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp(os.TempDir(), "speakbee_diar_*.wav")
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
		return nil, fmt.Errorf("diarizer command failed: %w: %s", err, stderr.String())
	}

	var resp execDiarizeResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode diarizer response: %w", err)
	}
	sortTurns(resp.Segments)
	return resp.Segments, nil
}

func sortTurns(turns []Turn) {
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })
}
