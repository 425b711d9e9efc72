// Package config loads server configuration from environment variables,
// with optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs to start.
type Config struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string

	// DataDir is the pebble database directory.
	DataDir string

	// JWTSecret signs session tokens. Required.
	JWTSecret string

	// Provider selects the generation backend: "gemini" or "anthropic".
	Provider string

	// GeminiAPIKey authenticates against the Gemini API (generation and
	// embeddings). Required unless both providers are mocked.
	GeminiAPIKey string

	// AnthropicAPIKey is only needed when Provider is "anthropic".
	AnthropicAPIKey string

	// GenerationModel and EmbeddingModel name the provider models.
	GenerationModel string
	EmbeddingModel  string

	// Persona is the fixed system instruction handed to the generation
	// provider. Defaults to the built-in Nebula persona; override with a
	// file via NEBULA_PERSONA_FILE.
	Persona string

	// TopK is how many long-term memories are retrieved per turn.
	TopK int

	// HistoryLimit is how many recent messages form short-term context.
	HistoryLimit int

	// ProviderTimeout bounds each embedding/generation call.
	ProviderTimeout time.Duration

	// LogLevel configures the process logger.
	LogLevel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getenv("NEBULA_ADDR", ":3000"),
		DataDir:         getenv("NEBULA_DATA_DIR", "nebula-data"),
		JWTSecret:       os.Getenv("JWT_SECRET_KEY"),
		Provider:        getenv("NEBULA_PROVIDER", "gemini"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		GenerationModel: getenv("NEBULA_GENERATION_MODEL", ""),
		EmbeddingModel:  getenv("NEBULA_EMBEDDING_MODEL", "gemini-embedding-001"),
		TopK:            getenvInt("NEBULA_MEMORY_TOP_K", 5),
		HistoryLimit:    getenvInt("NEBULA_HISTORY_LIMIT", 20),
		ProviderTimeout: getenvDuration("NEBULA_PROVIDER_TIMEOUT", 60*time.Second),
		LogLevel:        getenv("NEBULA_LOG_LEVEL", "info"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}
	switch cfg.Provider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when NEBULA_PROVIDER=gemini")
		}
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when NEBULA_PROVIDER=anthropic")
		}
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for embeddings")
		}
	default:
		return nil, fmt.Errorf("unknown provider %q (want gemini or anthropic)", cfg.Provider)
	}

	if path := os.Getenv("NEBULA_PERSONA_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		cfg.Persona = string(data)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
