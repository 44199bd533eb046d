package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// ControlType defines the type of an inbound WebSocket control message
type ControlType string

// Supported control message types
const (
	ControlListeningStart ControlType = "listening_start"
	ControlListeningEnd   ControlType = "listening_end"
	ControlEndOfStream    ControlType = "end_of_stream"
)

// ControlMessage is an inbound JSON control frame from the device. Binary
// frames carry raw audio and never go through this structure.
type ControlMessage struct {
	Type       ControlType `json:"type"`
	SampleRate int         `json:"sample_rate,omitempty"`
	Encoding   string      `json:"encoding,omitempty"`
	Language   string      `json:"language,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"`
}

// AckMessage is the server's reply to a control frame.
type AckMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// ParseControl parses and validates an inbound control frame.
func ParseControl(messageBytes []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}

	switch msg.Type {
	case ControlListeningStart:
		if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
			return nil, fmt.Errorf("sample_rate must be between 8000 and 48000")
		}
		if msg.Encoding != "" && !validEncodings[msg.Encoding] {
			return nil, fmt.Errorf("encoding must be one of: LINEAR16, FLAC, MULAW, OGG_OPUS")
		}
		return &msg, nil
	case ControlListeningEnd, ControlEndOfStream:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unsupported message type: %s", msg.Type)
	}
}

var validEncodings = map[string]bool{
	"LINEAR16": true, "FLAC": true, "MULAW": true, "OGG_OPUS": true,
}

// NewAck creates an acknowledgement for a handled control frame.
func NewAck(controlType ControlType, sessionID string) *AckMessage {
	return &AckMessage{
		Type:      string(controlType),
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorAck creates an acknowledgement carrying a failure reason.
func NewErrorAck(controlType ControlType, sessionID, reason string) *AckMessage {
	ack := NewAck(controlType, sessionID)
	ack.Error = reason
	return ack
}
