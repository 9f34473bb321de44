package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpSynthesizer struct {
	endpoint string
	apiKey   string
	model    string
	voice    string
	client   *http.Client
}

// NewHTTPSynthesizer talks to an OpenAI-compatible speech endpoint and
// returns the WAV payload verbatim.
func NewHTTPSynthesizer(endpoint, apiKey, model, voice string) Synthesizer {
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	return &httpSynthesizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		voice:    voice,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type speechRequest struct {
	Model  string `json:"model"`
	Voice  string `json:"voice"`
	Input  string `json:"input"`
	Format string `json:"format"`
}

func (s *httpSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{Model: s.model, Voice: s.voice, Input: text, Format: "wav"})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("speech endpoint returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	return io.ReadAll(resp.Body)
}
