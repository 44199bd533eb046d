package api

import (
	"time"

	"github.com/koelabs/koe/server/domain/repositories"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// TranscribeResponse represents the response payload for one-shot transcription
type TranscribeResponse struct {
	Transcript string `json:"transcript"`
	DurationMs int64  `json:"duration_ms"`
}

// VoicesResponse represents the response payload for the voice listing
type VoicesResponse struct {
	Voices []repositories.Voice `json:"voices"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
