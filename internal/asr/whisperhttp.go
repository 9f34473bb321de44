package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/speakbeelabs/speakbee-core/internal/audio"
)

// WhisperHTTPConfig configures an OpenAI/Groq-compatible speech recognition
// endpoint. Model handles the transcription pass; TranslateModel, when set,
// handles the translation pass instead.
type WhisperHTTPConfig struct {
	Endpoint       string
	APIKey         string
	Model          string
	TranslateModel string
}

type whisperHTTPRecognizer struct {
	cfg    WhisperHTTPConfig
	client *http.Client
}

// verbose_json response shape shared by OpenAI and Groq whisper endpoints.
type whisperVerboseResponse struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// NewWhisperHTTPRecognizer posts WAV uploads to /audio/transcriptions or
// /audio/translations on an OpenAI-compatible API and requests verbose_json
// so the detected language comes back alongside the text.
func NewWhisperHTTPRecognizer(cfg WhisperHTTPConfig, client *http.Client) Recognizer {
	if client == nil {
		client = http.DefaultClient
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &whisperHTTPRecognizer{cfg: cfg, client: client}
}

func (r *whisperHTTPRecognizer) Transcribe(ctx context.Context, clip audio.Clip, task Task) (Result, error) {
	wavBytes, err := audio.EncodeWAV(clip)
	if err != nil {
		return Result{}, err
	}

	path := "/audio/transcriptions"
	model := r.cfg.Model
	if task == TaskTranslate {
		path = "/audio/translations"
		if r.cfg.TranslateModel != "" {
			model = r.cfg.TranslateModel
		}
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wavBytes); err != nil {
		return Result{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := w.WriteField("model", model); err != nil {
		return Result{}, fmt.Errorf("write model field: %w", err)
	}
	if err := w.WriteField("response_format", "verbose_json"); err != nil {
		return Result{}, fmt.Errorf("write response_format field: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+path, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("speech recognition %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out whisperVerboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode recognition response: %w", err)
	}
	return Result{Language: normalizeLanguage(out.Language, task), Text: out.Text}, nil
}

// Whisper endpoints report full language names in some deployments ("english")
// and ISO codes in others; the pipeline compares against "en".
func normalizeLanguage(lang string, task Task) string {
	if task == TaskTranslate {
		return "en"
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "english" {
		return "en"
	}
	return lang
}
