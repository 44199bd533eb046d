package tts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// MockTextToSpeech is a placeholder synthesizer for local development. Each
// call yields a couple of small fake audio chunks derived from the text, so
// downstream ordering is observable without a real engine.
type MockTextToSpeech struct {
	logger *zap.Logger
}

// NewMockTextToSpeech creates a mock synthesizer
func NewMockTextToSpeech(logger *zap.Logger) *MockTextToSpeech {
	return &MockTextToSpeech{logger: logger}
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

func (m *MockTextToSpeech) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	m.logger.Info("mock synthesis", zap.String("text", text))

	audioChan := make(chan []byte, 2)
	go func() {
		defer close(audioChan)
		for _, chunk := range [][]byte{
			[]byte("audio:" + text),
			[]byte("/end"),
		} {
			select {
			case audioChan <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioChan, nil
}

func (m *MockTextToSpeech) Voices(ctx context.Context) ([]repositories.Voice, error) {
	return []repositories.Voice{
		{ID: "mock-voice-1", Name: "Mock Voice"},
	}, nil
}
