package config

import (
	"os"
	"strconv"
)

type Config struct {
	DB_USERNAME string
	DB_PASSWORD string
	DB_HOST     string
	DB_PORT     string
	DB_NAME     string
	DISABLE_TLS string

	// Redis is optional; when unset the rate limiter falls back to the
	// in-memory token bucket.
	REDIS_ADDR     string
	REDIS_PASSWORD string
	REDIS_DB       int

	SERVER_ADDR string

	// Chat completions endpoint (any OpenAI-compatible dialect).
	LLM_BASE_URL string
	LLM_API_KEY  string

	// Comma-separated MCP SSE endpoints contributing server tools.
	MCP_ENDPOINTS string

	// Otel
	OTEL_EXPORTER_OTLP_ENDPOINT string

	// Rate limiting for the chat endpoint (requests per unit per user).
	RATE_LIMIT_ENABLED bool
	RATE_LIMIT_COUNT   int
	RATE_LIMIT_UNIT    string
}

func ReadConfig() *Config {
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			redisDB = db
		}
	}

	rateLimitCount := 60
	if countStr := os.Getenv("RATE_LIMIT_COUNT"); countStr != "" {
		if count, err := strconv.Atoi(countStr); err == nil && count > 0 {
			rateLimitCount = count
		}
	}

	return &Config{
		DB_USERNAME: os.Getenv("DB_USERNAME"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     os.Getenv("DB_PORT"),
		DB_NAME:     os.Getenv("DB_NAME"),
		DISABLE_TLS: os.Getenv("DISABLE_TLS"),

		REDIS_ADDR:     os.Getenv("REDIS_ADDR"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       redisDB,

		SERVER_ADDR: GetEnvOrDefault("SERVER_ADDR", "0.0.0.0:6060"),

		LLM_BASE_URL: GetEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLM_API_KEY:  os.Getenv("LLM_API_KEY"),

		MCP_ENDPOINTS: os.Getenv("MCP_ENDPOINTS"),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		RATE_LIMIT_ENABLED: os.Getenv("RATE_LIMIT_ENABLED") == "true",
		RATE_LIMIT_COUNT:   rateLimitCount,
		RATE_LIMIT_UNIT:    GetEnvOrDefault("RATE_LIMIT_UNIT", "1min"),
	}
}

func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
