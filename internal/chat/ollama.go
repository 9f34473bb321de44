package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type ollamaGenerator struct {
	endpoint string
	model    string
}

func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaGenerator{endpoint: endpoint, model: model}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Turn        `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]Turn, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, Turn{Role: "system", Content: req.System})
	}
	messages = append(messages, req.History...)

	payload := ollamaChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	start := time.Now()
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return err
		}
		if chunk.Message.Content != "" {
			if err := consumer(Chunk{SessionID: req.SessionID, Content: chunk.Message.Content, Latency: time.Since(start)}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return consumer(Chunk{SessionID: req.SessionID, Done: true, Latency: time.Since(start)})
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return consumer(Chunk{SessionID: req.SessionID, Done: true, Latency: time.Since(start)})
}
