package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// Registry is the process-wide map from connection identity to active
// session. It guarantees a single session per connection and owns session
// construction, so creation and teardown go through one place.
type Registry struct {
	stt    repositories.SpeechToText
	llm    repositories.LanguageModel
	tts    repositories.TextToSpeech
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry bound to the engine adapters every session
// shares.
func NewRegistry(
	stt repositories.SpeechToText,
	llm repositories.LanguageModel,
	tts repositories.TextToSpeech,
	config Config,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		stt:      stt,
		llm:      llm,
		tts:      tts,
		config:   config.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open creates and starts a session for the connection. A second Open for
// the same connection before Close fails with ErrDuplicateSession.
func (r *Registry) Open(ctx context.Context, connID string, transport ClientTransport, audioConfig repositories.AudioConfig) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[connID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	// Reserve the key before the (slow) engine dial so a concurrent Open for
	// the same connection fails instead of racing.
	r.sessions[connID] = nil
	r.mu.Unlock()

	session, err := NewSession(ctx, connID, r.stt, r.llm, r.tts, transport, audioConfig, r.config, r.logger)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, connID)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[connID] = session
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.String("conn_id", connID),
		zap.String("session_id", session.ID))
	return session, nil
}

// Lookup returns the active session for the connection, if any.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[connID]
	return session, ok && session != nil
}

// Close tears down the connection's session and frees its slot.
func (r *Registry) Close(connID string) error {
	r.mu.Lock()
	session, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if session != nil {
		return session.Close()
	}
	return nil
}

// Shutdown closes every active session; called on process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
