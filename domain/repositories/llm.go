package repositories

import (
	"context"

	"github.com/koelabs/koe/server/domain/entities"
)

// LanguageModel abstracts any streaming chat/LLM provider
type LanguageModel interface {
	// StreamGenerate opens a streaming generation call. The returned channel
	// yields text fragments in emission order and is closed after the final
	// chunk; a chunk with Err set terminates the stream.
	StreamGenerate(ctx context.Context, request GenerationRequest) (<-chan GenerationChunk, error)
}

// GenerationRequest carries one turn's prompt plus bounded history
type GenerationRequest struct {
	System    string        `json:"system,omitempty"`
	History   []ChatMessage `json:"history,omitempty"`
	Utterance string        `json:"utterance"`
}

// GenerationChunk is one streamed fragment of generated text
type GenerationChunk struct {
	Text string
	Err  error
}

// ChatMessage and Role live in entities so the conversation entity can build
// generation context without importing this package; the aliases keep a
// single import surface for engine adapters.
type (
	ChatMessage = entities.ChatMessage
	Role        = entities.Role
)

const (
	UserRole      = entities.UserRole
	AssistantRole = entities.AssistantRole
	SystemRole    = entities.SystemRole
)
