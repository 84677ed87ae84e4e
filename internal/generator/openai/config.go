package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/postpilot/postpilot/internal/generator"
)

// Config for the OpenAI client.
type Config struct {
	APIKey      string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g., "gpt-4o-mini"
	Temperature float32       // 0..2
	Timeout     time.Duration // http client timeout
	MinWords    int           // reject drafts below this word count
}

type Client struct {
	cfg     Config
	http    *http.Client
	prompts *generator.PromptService
	log     *slog.Logger
}

func NewClient(cfg Config, prompts *generator.PromptService, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		prompts: prompts,
		log:     logger,
	}
}
