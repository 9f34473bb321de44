package embed

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

type httpExtractor struct {
	endpoint string
	client   *http.Client
}

type httpEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewHTTPExtractor talks to an embedding sidecar exposing POST /embed that
// accepts a multipart WAV upload and returns {"embedding": [...]}.
func NewHTTPExtractor(endpoint string, client *http.Client) Extractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpExtractor{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (e *httpExtractor) Embed(ctx context.Context, clip audio.Clip) ([]float32, error) {
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embed", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out httpEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed decode: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embed sidecar returned empty vector")
	}
	return out.Embedding, nil
}
