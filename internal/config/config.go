package config

import (
	"os"
	"strconv"
	"time"

	"github.com/koelabs/koe/server/domain/repositories"
	"github.com/koelabs/koe/server/internal/pipeline"
)

// Config holds process-level settings parsed from the environment. Engine
// credentials stay in their adapter packages; this covers the server itself.
type Config struct {
	Port string

	// UseMockEngines swaps all three engines for in-process mocks, useful for
	// local development without API keys.
	UseMockEngines bool

	// AudioDefaults apply when a listening_start frame omits parameters.
	AudioDefaults repositories.AudioConfig

	// Pipeline carries the per-session tunables.
	Pipeline pipeline.Config
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() Config {
	cfg := Config{
		Port:           envOr("PORT", "8080"),
		UseMockEngines: envBool("USE_MOCK_ENGINES"),
		AudioDefaults: repositories.AudioConfig{
			SampleRate: envInt("AUDIO_SAMPLE_RATE", 16000),
			Encoding:   envOr("AUDIO_ENCODING", "LINEAR16"),
			Language:   envOr("AUDIO_LANGUAGE", "en-US"),
		},
		Pipeline: pipeline.Config{
			ContextWindow:        envInt("CONTEXT_WINDOW", 0),
			MaxUnitLen:           envInt("MAX_UNIT_LEN", 0),
			UnitTargetLen:        envInt("UNIT_TARGET_LEN", 0),
			PunctuationWindow:    envInt("PUNCTUATION_WINDOW", 0),
			OutboundQueueSize:    envInt("OUTBOUND_QUEUE_SIZE", 0),
			SynthesisConcurrency: envInt("SYNTHESIS_CONCURRENCY", 0),
			MaxRecognizerRetries: envInt("MAX_RECOGNIZER_RETRIES", 0),
			SystemPrompt:         os.Getenv("SYSTEM_PROMPT"),
			FallbackResponse:     envOr("FALLBACK_RESPONSE", "Sorry, I did not catch that. Could you say it again?"),
		},
	}

	if ms := envInt("CANCEL_GRACE_MS", 0); ms > 0 {
		cfg.Pipeline.CancelGrace = time.Duration(ms) * time.Millisecond
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
