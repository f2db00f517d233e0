package config

import (
	"os"
	"strconv"
)

type Config struct {
	BaseTempDir       string
	VisionProviders   string
	GeminiProject     string
	GeminiRegion      string
	GeminiModel       string
	OpenAIModel       string
	OllamaModel       string
	OllamaBaseURL     string
	MaxAttempts       int
	RetryBaseDelaySec int
	RetryMaxDelaySec  int
	Concurrency       int
	PostgresURL       string
	LogLevel          string
}

func Load() Config {
	return Config{
		BaseTempDir:       getenv("MATHSCAN_TEMP_DIR", "./temp"),
		VisionProviders:   getenv("MATHSCAN_VISION_PROVIDERS", "mock"),
		GeminiProject:     getenv("MATHSCAN_GEMINI_PROJECT", ""),
		GeminiRegion:      getenv("MATHSCAN_GEMINI_REGION", "us-central1"),
		GeminiModel:       getenv("MATHSCAN_GEMINI_MODEL", "gemini-1.5-pro"),
		OpenAIModel:       getenv("MATHSCAN_OPENAI_MODEL", "gpt-4o"),
		OllamaModel:       getenv("MATHSCAN_OLLAMA_MODEL", "llava"),
		OllamaBaseURL:     getenv("MATHSCAN_OLLAMA_BASE_URL", "http://localhost:11434"),
		MaxAttempts:       getenvInt("MATHSCAN_MAX_ATTEMPTS", 3),
		RetryBaseDelaySec: getenvInt("MATHSCAN_RETRY_BASE_DELAY_SECONDS", 2),
		RetryMaxDelaySec:  getenvInt("MATHSCAN_RETRY_MAX_DELAY_SECONDS", 20),
		Concurrency:       getenvInt("MATHSCAN_CONCURRENCY", 1),
		PostgresURL:       getenv("MATHSCAN_POSTGRES_URL", ""),
		LogLevel:          getenv("MATHSCAN_LOG_LEVEL", "info"),
	}
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(k string, fallback int) int {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
