// Package pipeline implements the real-time voice orchestration core: it
// wires one client connection through streaming recognition, streaming text
// generation, and streaming synthesis, multiplexing their outputs into a
// single ordered outbound audio stream with barge-in support.
package pipeline

import "time"

// AudioFrame is one inbound chunk of raw client audio. Immutable once
// received; frames are forwarded to recognition in arrival order.
type AudioFrame struct {
	Data       []byte
	Seq        int
	ReceivedAt time.Time
}

// Utterance is the finalized text of one user turn. Created once by the
// transcript aggregator and consumed exactly once by the generation driver.
type Utterance struct {
	Seq  int
	Text string
}

// TextDelta is an incremental fragment of generated text. Deltas tagged with
// a superseded generation sequence are dropped by consumers. A delta with Err
// set is the stream's error marker and is always the last one delivered.
type TextDelta struct {
	GenerationSeq uint64
	Text          string
	Err           error
}

// SynthesisUnit is a clause/sentence-sized chunk of text submitted as one
// independent synthesis call.
type SynthesisUnit struct {
	GenerationSeq uint64
	UnitIndex     int
	Text          string
}

// AudioSegment is synthesized audio tagged for strict ordering on emission.
// Segments are released to the client in increasing (GenerationSeq,
// UnitIndex) order; segments from a stale GenerationSeq are dropped.
type AudioSegment struct {
	GenerationSeq uint64
	UnitIndex     int
	Audio         []byte
}

// SessionEventType classifies an outbound non-audio notification.
type SessionEventType string

const (
	EventTranscriptPartial SessionEventType = "transcript_partial"
	EventTranscriptFinal   SessionEventType = "transcript_final"
	EventGenerationPartial SessionEventType = "generation_partial"
	EventSpeakingStart     SessionEventType = "speaking_start"
	EventSpeakingEnd       SessionEventType = "speaking_end"
	EventTurnComplete      SessionEventType = "turn_complete"
	EventSessionError      SessionEventType = "error"
)

// SessionEvent is an outbound status notification for the client.
type SessionEvent struct {
	Type          SessionEventType `json:"type"`
	Text          string           `json:"text,omitempty"`
	GenerationSeq uint64           `json:"generation_seq,omitempty"`
}

// ClientTransport is the outbound half of the client connection. The
// pipeline only requires that segments can be written as an ordered stream;
// framing is the transport layer's concern.
type ClientTransport interface {
	WriteSegment(segment AudioSegment) error
	WriteEvent(event SessionEvent) error
}
