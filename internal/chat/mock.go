package chat

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	last := ""
	if len(req.History) > 0 {
		last = req.History[len(req.History)-1].Content
	}
	content := "[mock reply to " + strings.TrimSpace(last) + "]"
	if err := consumer(Chunk{SessionID: req.SessionID, Content: content, Latency: 20 * time.Millisecond}); err != nil {
		return err
	}
	return consumer(Chunk{SessionID: req.SessionID, Done: true, Latency: 20 * time.Millisecond})
}
