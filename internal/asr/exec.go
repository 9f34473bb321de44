package asr

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

type execRecognizer struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
}

type execASRResult struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// NewExecRecognizer shells out to a whisper-style helper command that reads a
// WAV file and prints {"language": "...", "text": "..."} on stdout. Calls are
// serialized; the helper holds a single model instance.
func NewExecRecognizer(command, modelPath string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("asr command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: modelPath}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, clip audio.Clip, task Task) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wavBytes, err := audio.EncodeWAV(clip)
	if err != nil {
		return Result{}, err
	}
	file, err := os.CreateTemp(os.TempDir(), "speakbee_asr_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()
	if _, err := file.Write(wavBytes); err != nil {
		return Result{}, fmt.Errorf("write temp wav: %w", err)
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--task", string(task))
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("asr command failed: %w: %s", err, stderr.String())
	}

	var resp execASRResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode asr response: %w", err)
	}
	return Result{Language: resp.Language, Text: resp.Text}, nil
}
