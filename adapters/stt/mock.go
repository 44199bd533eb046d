package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// MockSpeechToText is a placeholder recognizer for local development. It
// "hears" a fixed transcript: partials build up word by word as audio
// arrives, and the full text finalizes on CloseSend.
type MockSpeechToText struct {
	logger     *zap.Logger
	transcript string
}

// NewMockSpeechToText creates a mock recognizer with the given canned
// transcript.
func NewMockSpeechToText(transcript string, logger *zap.Logger) *MockSpeechToText {
	if transcript == "" {
		transcript = "hello there"
	}
	return &MockSpeechToText{logger: logger, transcript: transcript}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

func (m *MockSpeechToText) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	m.logger.Info("opening mock recognition stream",
		zap.Int("sample_rate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &mockRecognitionStream{
		words:  strings.Fields(m.transcript),
		events: make(chan repositories.TranscriptEvent, 8),
	}, nil
}

func (m *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}
	return m.transcript, nil
}

type mockRecognitionStream struct {
	words  []string
	events chan repositories.TranscriptEvent

	mu        sync.Mutex
	heard     int
	sendDone  bool
	closeOnce sync.Once
}

func (s *mockRecognitionStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || len(audio) == 0 {
		return nil
	}
	if s.heard < len(s.words) {
		s.heard++
	}

	select {
	case s.events <- repositories.TranscriptEvent{
		Type: repositories.TranscriptPartial,
		Text: strings.Join(s.words[:s.heard], " "),
	}:
	default:
	}
	return nil
}

func (s *mockRecognitionStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true

	if s.heard > 0 {
		s.events <- repositories.TranscriptEvent{
			Type: repositories.TranscriptFinal,
			Text: strings.Join(s.words, " "),
		}
	}
	close(s.events)
	return nil
}

func (s *mockRecognitionStream) Events() <-chan repositories.TranscriptEvent {
	return s.events
}

func (s *mockRecognitionStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.sendDone {
			s.sendDone = true
			close(s.events)
		}
	})
	return nil
}
