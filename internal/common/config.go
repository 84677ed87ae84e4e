package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Store     StoreConfig
	Generator GeneratorConfig
	Publisher PublisherConfig
	Retry     RetryConfig
}

// StoreConfig holds record-store configuration
type StoreConfig struct {
	Backend      string // "xlsx" or "sql"
	WorkbookPath string
	ActiveSheet  string
	ArchiveSheet string
	DSN          string
	DialTimeout  time.Duration
}

// GeneratorConfig holds content-generator configuration
type GeneratorConfig struct {
	APIKey       string
	Model        string
	Temperature  float32
	Timeout      time.Duration
	TemplatePath string
	MinWords     int
}

// PublisherConfig holds browser-publisher configuration
type PublisherConfig struct {
	Email       string
	Password    string
	Headless    bool
	NavTimeout  time.Duration
	FeedTimeout time.Duration
	// NativeSchedule queues future-dated rows through the platform's own
	// scheduler instead of holding them until due.
	NativeSchedule bool
}

// RetryConfig holds retry/backoff configuration consumed by the core
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	PhaseTimeout time.Duration
}

// LoadConfig loads configuration from the environment, reading a .env file
// first when one exists next to the process.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Store: StoreConfig{
			Backend:      getEnv("STORE_BACKEND", "xlsx"),
			WorkbookPath: getEnv("WORKBOOK_PATH", "./posts.xlsx"),
			ActiveSheet:  getEnv("ACTIVE_SHEET", "Posts"),
			ArchiveSheet: getEnv("ARCHIVE_SHEET", "Archive"),
			DSN:          getEnv("DB_URL", ""),
			DialTimeout:  getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Generator: GeneratorConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:  getEnvAsFloat32("OPENAI_TEMPERATURE", 0.7),
			Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
			TemplatePath: getEnv("PROMPT_TEMPLATE_PATH", "./prompts/post_template.txt"),
			MinWords:     getEnvAsInt("POST_MIN_WORDS", 300),
		},
		Publisher: PublisherConfig{
			Email:          getEnv("LINKEDIN_EMAIL", ""),
			Password:       getEnv("LINKEDIN_PASSWORD", ""),
			Headless:       getEnv("BROWSER_MODE", "headless") != "visible",
			NavTimeout:     getEnvAsDuration("BROWSER_NAV_TIMEOUT", 30*time.Second),
			FeedTimeout:    getEnvAsDuration("BROWSER_FEED_TIMEOUT", 15*time.Second),
			NativeSchedule: getEnvAsBool("LINKEDIN_NATIVE_SCHEDULE", false),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:    getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
			Multiplier:   getEnvAsFloat64("RETRY_MULTIPLIER", 2.0),
			MaxDelay:     getEnvAsDuration("RETRY_MAX_DELAY", 60*time.Second),
			PhaseTimeout: getEnvAsDuration("PHASE_TIMEOUT", 2*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Store.Backend != "xlsx" && c.Store.Backend != "sql" {
		return NewAppError("CONFIG_ERROR", "STORE_BACKEND must be xlsx or sql", ErrInvalidInput)
	}
	if c.Store.Backend == "xlsx" && c.Store.WorkbookPath == "" {
		return NewAppError("CONFIG_ERROR", "WORKBOOK_PATH is required", ErrInvalidInput)
	}
	if c.Store.Backend == "sql" && c.Store.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Generator.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Retry.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "RETRY_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Retry.Multiplier < 1 {
		return NewAppError("CONFIG_ERROR", "RETRY_MULTIPLIER must be at least 1", ErrInvalidInput)
	}
	return nil
}
