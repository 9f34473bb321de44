package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

type openaiGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator talks to any OpenAI-compatible chat completions
// endpoint. An empty endpoint uses the official API.
func NewOpenAIGenerator(endpoint, apiKey, model string) Generator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &openaiGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		switch turn.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := consumer(Chunk{SessionID: req.SessionID, Content: delta, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}
	return consumer(Chunk{SessionID: req.SessionID, Done: true, Latency: time.Since(start)})
}
