package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	ServerPort string
	ServerHost string

	// Generation pipeline
	Workers          int
	SubBatchSize     int
	JobQueueSize     int
	GeneratorTimeout time.Duration
	SearchTimeout    time.Duration

	// Query embedding cache; empty RedisAddr disables it
	RedisAddr     string
	RedisPassword string
	CacheTTL      time.Duration

	IndexRebuildInterval time.Duration

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "tasksearch"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "text-embedding-3-small"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		Workers:          getEnvInt("MAX_CONCURRENT_JOBS", 3),
		SubBatchSize:     getEnvInt("SUB_BATCH_SIZE", 50),
		JobQueueSize:     getEnvInt("JOB_QUEUE_SIZE", 64),
		GeneratorTimeout: time.Duration(getEnvInt("GENERATOR_TIMEOUT_SECONDS", 10)) * time.Second,
		SearchTimeout:    time.Duration(getEnvInt("SEARCH_TIMEOUT_MS", 5000)) * time.Millisecond,

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CacheTTL:      time.Duration(getEnvInt("CACHE_TTL_MINUTES", 60)) * time.Minute,

		IndexRebuildInterval: time.Duration(getEnvInt("INDEX_REBUILD_INTERVAL_MINUTES", 10)) * time.Minute,

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
