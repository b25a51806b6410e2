package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port         string
	Env          string
	WriteTimeout time.Duration

	// Ollama backend
	OllamaURL        string
	DefaultModel     string
	ChunkIdleTimeout time.Duration

	// Redis (optional event fan-out)
	RedisURL string

	// JWT (optional host auth)
	JWTSecret string

	// Chat
	PersonasFile       string
	RateLimitPerMinute int

	// Logging
	LogLevel  string
	LogFormat string

	// Frontend
	FrontendURL string
}

// Load reads the server configuration. Variables the server cannot run
// without in production are enforced here.
func Load() *Config {
	cfg := Read()

	if cfg.Env == "production" {
		cfg.JWTSecret = mustGetEnv("JWT_SECRET")
	}

	return cfg
}

// Read reads the configuration with defaults only. Client tools use it since
// they do not all need the server's secrets.
func Read() *Config {
	// Load .env file if it exists
	godotenv.Load()

	return &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		Env:                getEnvOrDefault("ENV", "development"),
		WriteTimeout:       getEnvAsDurationOrDefault("WRITE_TIMEOUT", 10*time.Minute),
		OllamaURL:          getEnvOrDefault("OLLAMA_URL", "http://localhost:11434"),
		DefaultModel:       getEnvOrDefault("DEFAULT_MODEL", "deepseek-r1:32b"),
		ChunkIdleTimeout:   getEnvAsDurationOrDefault("CHUNK_IDLE_TIMEOUT", 0),
		RedisURL:           getEnvOrDefault("REDIS_URL", ""),
		JWTSecret:          getEnvOrDefault("JWT_SECRET", ""),
		PersonasFile:       getEnvOrDefault("PERSONAS_FILE", ""),
		RateLimitPerMinute: getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 60),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvOrDefault("LOG_FORMAT", "text"),
		FrontendURL:        getEnvOrDefault("FRONTEND_URL", "http://localhost:1420"),
	}
}

func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
