package chat

import (
	"context"
	"time"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request describes a chat completion prompt. History carries the bounded
// conversation window, oldest first, ending with the latest user turn.
type Request struct {
	SessionID   string
	System      string
	History     []Turn
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID string
	Content   string
	Done      bool
	Latency   time.Duration
}

// Generator defines a pluggable chat backend. Consumer receives deltas in
// order; a consumer error aborts the stream.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
