package llm

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// MockLLM is a placeholder generator for local development: it streams a
// canned reply word by word, the way a real engine trickles tokens.
type MockLLM struct {
	logger *zap.Logger
	reply  string
}

// NewMockLLM creates a mock generator with the given canned reply.
func NewMockLLM(reply string, logger *zap.Logger) *MockLLM {
	if reply == "" {
		reply = "I heard you. Tell me more about that."
	}
	return &MockLLM{logger: logger, reply: reply}
}

var _ repositories.LanguageModel = (*MockLLM)(nil)

func (m *MockLLM) StreamGenerate(ctx context.Context, request repositories.GenerationRequest) (<-chan repositories.GenerationChunk, error) {
	m.logger.Info("mock generation started",
		zap.String("utterance", request.Utterance),
		zap.Int("history_messages", len(request.History)))

	words := strings.Fields(m.reply)
	chunks := make(chan repositories.GenerationChunk, len(words))
	go func() {
		defer close(chunks)
		for i, word := range words {
			fragment := word
			if i < len(words)-1 {
				fragment += " "
			}
			select {
			case chunks <- repositories.GenerationChunk{Text: fragment}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}
