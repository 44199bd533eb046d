package repositories

import "context"

// TextToSpeech abstracts streaming speech synthesis. Each Synthesize call is
// one independent engine request; the channel yields raw audio chunks in
// order and is closed when synthesis finishes or the context is cancelled.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	// Voices lists the synthesis voices available to this engine
	Voices(ctx context.Context) ([]Voice, error)
}

// Voice describes one available synthesis voice
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
