package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
	"github.com/koelabs/koe/server/internal/auth"
	"github.com/koelabs/koe/server/internal/websocket"
)

// maxTranscribeBody caps one-shot transcription uploads.
const maxTranscribeBody = 10 << 20 // 10MB

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	deviceRepo repositories.DeviceRepository,
	stt repositories.SpeechToText,
	tts repositories.TextToSpeech,
	logger *zap.Logger,
) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "koe-server",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Device APIs
	v1.POST("/device/auth", func(c echo.Context) error {
		return deviceAuth(c, deviceRepo, logger)
	})

	// One-shot transcription for clients that do not stream
	v1.POST("/transcribe", func(c echo.Context) error {
		return transcribe(c, stt, logger)
	})

	// Synthesis voices available to this deployment
	v1.GET("/voices", func(c echo.Context) error {
		return voices(c, tts, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, logger)
	})
}

func deviceAuth(c echo.Context, deviceRepo repositories.DeviceRepository, logger *zap.Logger) error {
	var req DeviceAuthRequest

	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := deviceRepo.ValidateDevice(req.SerialNumber, req.SecretKey)
	if err != nil {
		logger.Warn("Device authentication failed",
			zap.String("serial_number", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	token, err := auth.GenerateDeviceToken(device.ID)
	if err != nil {
		logger.Error("Failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	// Expiration matches the device token claims
	expiresAt := time.Now().Add(24 * time.Hour)

	logger.Info("Device authenticated successfully",
		zap.String("device_id", device.ID),
		zap.String("serial_number", device.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
	})
}

// transcribe converts a single uploaded audio payload to text. Audio
// parameters come from query parameters; the body is raw audio bytes.
func transcribe(c echo.Context, stt repositories.SpeechToText, logger *zap.Logger) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxTranscribeBody)
	audioData, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "payload_too_large",
			Message: "Audio payload exceeds the upload limit",
		})
	}
	if len(audioData) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "empty_audio",
			Message: "Request body must contain audio data",
		})
	}

	audioConfig := repositories.AudioConfig{
		SampleRate: 16000,
		Encoding:   "LINEAR16",
		Language:   "en-US",
	}
	if v := c.QueryParam("sample_rate"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate >= 8000 && rate <= 48000 {
			audioConfig.SampleRate = rate
		}
	}
	if v := c.QueryParam("encoding"); v != "" {
		audioConfig.Encoding = v
	}
	if v := c.QueryParam("language"); v != "" {
		audioConfig.Language = v
	}

	started := time.Now()
	transcript, err := stt.TranscribeAudio(c.Request().Context(), audioData, audioConfig)
	if err != nil {
		logger.Error("One-shot transcription failed",
			zap.Int("audio_bytes", len(audioData)),
			zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "transcription_failed",
			Message: "Speech recognition failed",
		})
	}

	return c.JSON(http.StatusOK, TranscribeResponse{
		Transcript: transcript,
		DurationMs: time.Since(started).Milliseconds(),
	})
}

func voices(c echo.Context, tts repositories.TextToSpeech, logger *zap.Logger) error {
	voiceList, err := tts.Voices(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list voices", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "voices_unavailable",
			Message: "Failed to list synthesis voices",
		})
	}
	return c.JSON(http.StatusOK, VoicesResponse{Voices: voiceList})
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, c echo.Context, logger *zap.Logger) error {
	// Extract JWT token from Authorization header only
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" && len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}

	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != "device" {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens are allowed for WebSocket connections",
		})
	}

	deviceID := claims.DeviceID
	if deviceID == "" {
		logger.Error("WebSocket connection rejected: missing device ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("device_id", deviceID),
		zap.String("role", claims.Role))

	return websocket.HandleWebSocketWithAuth(hub, c, deviceID, logger)
}
