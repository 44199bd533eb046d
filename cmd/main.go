package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/adapters/llm"
	"github.com/koelabs/koe/server/adapters/memory"
	"github.com/koelabs/koe/server/adapters/stt"
	"github.com/koelabs/koe/server/adapters/tts"
	"github.com/koelabs/koe/server/domain/repositories"
	"github.com/koelabs/koe/server/internal/api"
	"github.com/koelabs/koe/server/internal/config"
	"github.com/koelabs/koe/server/internal/pipeline"
	"github.com/koelabs/koe/server/internal/websocket"
)

func main() {
	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	speechToText, languageModel, textToSpeech, err := buildEngines(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize engines", zap.Error(err))
	}

	// Session registry shared by the websocket hub
	registry := pipeline.NewRegistry(speechToText, languageModel, textToSpeech, cfg.Pipeline, logger)

	// Initialize WebSocket hub
	hub := websocket.NewHub(registry, cfg.AudioDefaults, logger)
	go hub.Run()

	// Device credential store
	deviceRepo := memory.NewDeviceRepository()

	// Initialize API routes
	api.InitRoutes(e, hub, deviceRepo, speechToText, textToSpeech, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.Bool("mock_engines", cfg.UseMockEngines))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// buildEngines wires the three voice engines, either real adapters or the
// in-process mocks when USE_MOCK_ENGINES is set.
func buildEngines(cfg config.Config, logger *zap.Logger) (
	repositories.SpeechToText,
	repositories.LanguageModel,
	repositories.TextToSpeech,
	error,
) {
	if cfg.UseMockEngines {
		return stt.NewMockSpeechToText("", logger),
			llm.NewMockLLM("", logger),
			tts.NewMockTextToSpeech(logger),
			nil
	}

	geminiConfig := llm.NewGeminiConfigFromEnv()
	languageModel, err := llm.NewGeminiLLM(context.Background(), geminiConfig, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	elevenLabsConfig := tts.NewElevenLabsConfigFromEnv()
	textToSpeech, err := tts.NewElevenLabsTTS(elevenLabsConfig, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return stt.NewGoogleSpeechToText(logger), languageModel, textToSpeech, nil
}
