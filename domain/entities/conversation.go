package entities

import "time"

// Turn is one completed user/assistant exchange within a session.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	// DurationMs is the wall time from utterance finalization to the end of
	// the assistant's generation.
	DurationMs int64 `json:"duration_ms"`
}

// Conversation holds one session's completed turns. It carries no locking:
// the session orchestrator is the only writer, and it mutates the
// conversation only between turns.
type Conversation struct {
	turns []Turn
}

// NewConversation creates an empty conversation
func NewConversation() *Conversation {
	return &Conversation{turns: make([]Turn, 0)}
}

// AddTurn appends a completed exchange. Turns abandoned by barge-in are never
// added; a truncated assistant response would only confuse later generations.
func (c *Conversation) AddTurn(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	c.turns = append(c.turns, turn)
}

// Len returns the number of completed turns
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Window returns the most recent n turns flattened into chat messages,
// oldest first, for use as bounded generation context.
func (c *Conversation) Window(n int) []ChatMessage {
	turns := c.turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	messages := make([]ChatMessage, 0, len(turns)*2)
	for _, turn := range turns {
		messages = append(messages,
			ChatMessage{Role: UserRole, Content: turn.User},
			ChatMessage{Role: AssistantRole, Content: turn.Assistant},
		)
	}
	return messages
}
