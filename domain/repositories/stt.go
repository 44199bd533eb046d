package repositories

import "context"

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// TranscribeAudio converts a complete audio clip to text in one shot
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
	// OpenStream opens a bidirectional recognition stream for live audio
	OpenStream(ctx context.Context, config AudioConfig) (RecognitionStream, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RecognitionStream is one live recognition call. Send forwards raw audio in
// arrival order; Events yields the engine's emissions until the stream ends
// or faults. CloseSend half-closes the audio side, prompting the engine to
// settle any trailing utterance. Close tears the call down and is safe to
// call more than once.
type RecognitionStream interface {
	Send(audio []byte) error
	CloseSend() error
	Events() <-chan TranscriptEvent
	Close() error
}

// TranscriptEventType classifies a recognition engine emission
type TranscriptEventType string

const (
	// TranscriptPartial is an interim hypothesis, superseded by later events
	TranscriptPartial TranscriptEventType = "partial"
	// TranscriptFinal is the settled text for the current utterance
	TranscriptFinal TranscriptEventType = "final"
	// TranscriptEndOfUtterance marks the engine detecting end of speech
	TranscriptEndOfUtterance TranscriptEventType = "end_of_utterance"
	// TranscriptFault reports a transport-level stream failure; Err is set
	TranscriptFault TranscriptEventType = "fault"
)

// TranscriptEvent is a single recognition engine emission
type TranscriptEvent struct {
	Type TranscriptEventType
	Text string
	Err  error
}
