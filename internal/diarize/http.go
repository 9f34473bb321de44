package diarize

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

type httpSegmenter struct {
	endpoint string
	client   *http.Client
}

type httpDiarizeResponse struct {
	Segments    []Turn `json:"segments"`
	NumSpeakers int    `json:"num_speakers"`
}

// NewHTTPSegmenter talks to a diarization sidecar exposing POST /diarize that
// accepts a multipart WAV upload and returns {"segments": [...]}.
func NewHTTPSegmenter(endpoint string, client *http.Client) Segmenter {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSegmenter{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (s *httpSegmenter) Diarize(ctx context.Context, clip audio.Clip) ([]Turn, error) {
	wavBytes, err := audio.EncodeWAV(clip)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wavBytes); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/diarize", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("diarize %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out httpDiarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("diarize decode: %w", err)
	}
	sortTurns(out.Segments)
	return out.Segments, nil
}
