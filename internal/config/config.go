// Package config loads server configuration from YAML and APPFORGE_ environment
// variables. Provider credentials are read from their conventional variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/app-orchestrator/internal/logging"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Memory    MemoryConfig    `koanf:"memory"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Browser   BrowserConfig   `koanf:"browser"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Publish   PublishConfig   `koanf:"publish"`

	Secrets Secrets `koanf:"-"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	PublicURL       string        `koanf:"public_url"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// GatewayConfig selects the text-generation backend and its retry policy.
type GatewayConfig struct {
	Provider    string        `koanf:"provider"`
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	Timeout     time.Duration `koanf:"timeout"`
	// CallTimeout bounds one shared upstream call including its retries.
	CallTimeout time.Duration `koanf:"call_timeout"`
	MaxRetries  int           `koanf:"max_retries"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Temperature float32       `koanf:"temperature"`
}

// MemoryConfig chooses between the vector and keyword memory modes. Vector
// mode falls back to keyword when the index or embedder is unavailable.
type MemoryConfig struct {
	Mode           string `koanf:"mode"`
	Path           string `koanf:"path"`
	PrefixLen      int    `koanf:"prefix_len"`
	Embedder       string `koanf:"embedder"`
	EmbeddingModel string `koanf:"embedding_model"`
	OllamaURL      string `koanf:"ollama_url"`
}

type WorkspaceConfig struct {
	Root string `koanf:"root"`
}

// BrowserConfig configures the verification driver.
type BrowserConfig struct {
	Driver       string        `koanf:"driver"`
	Headless     bool          `koanf:"headless"`
	PageTimeout  time.Duration `koanf:"page_timeout"`
	SettleDelay  time.Duration `koanf:"settle_delay"`
	ItemSelector string        `koanf:"item_selector"`
}

type PipelineConfig struct {
	RepairBudget      int  `koanf:"repair_budget"`
	PublishUnverified bool `koanf:"publish_unverified"`
}

type PublishConfig struct {
	Provider  string        `koanf:"provider"`
	VercelBin string        `koanf:"vercel_bin"`
	Timeout   time.Duration `koanf:"timeout"`
}

// Secret wraps strings that should be redacted in logs.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) Value() string { return string(s) }

// Secrets are never read from the YAML file.
type Secrets struct {
	GoogleAPIKey    Secret
	GroqAPIKey      Secret
	OpenAIAPIKey    Secret
	AnthropicAPIKey Secret
	VercelToken     Secret
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			PublicURL:       "http://localhost:8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Gateway: GatewayConfig{
			Timeout:     60 * time.Second,
			CallTimeout: 5 * time.Minute,
			MaxRetries:  3,
			BaseDelay:   2 * time.Second,
			Temperature: 0.2,
		},
		Memory: MemoryConfig{
			Mode:           "vector",
			Path:           "data/memory",
			PrefixLen:      10,
			Embedder:       "gemini",
			EmbeddingModel: "text-embedding-004",
			OllamaURL:      "http://localhost:11434/api",
		},
		Workspace: WorkspaceConfig{Root: "projects"},
		Browser: BrowserConfig{
			Driver:       "rod",
			Headless:     true,
			PageTimeout:  30 * time.Second,
			SettleDelay:  500 * time.Millisecond,
			ItemSelector: ".todo",
		},
		Pipeline: PipelineConfig{RepairBudget: 1},
		Publish: PublishConfig{
			Provider:  "vercel",
			VercelBin: "vercel",
			Timeout:   3 * time.Minute,
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must be >= 0"))
	}
	if c.Gateway.BaseDelay < 0 {
		errs = append(errs, errors.New("gateway.base_delay must be >= 0"))
	}
	switch c.Memory.Mode {
	case "vector", "keyword":
	default:
		errs = append(errs, fmt.Errorf("memory.mode must be vector or keyword, got %q", c.Memory.Mode))
	}
	switch c.Memory.Embedder {
	case "", "none", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("memory.embedder %q not supported", c.Memory.Embedder))
	}
	if c.Memory.PrefixLen <= 0 {
		errs = append(errs, errors.New("memory.prefix_len must be > 0"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	switch c.Browser.Driver {
	case "rod", "static":
	default:
		errs = append(errs, fmt.Errorf("browser.driver must be rod or static, got %q", c.Browser.Driver))
	}
	if c.Pipeline.RepairBudget < 0 {
		errs = append(errs, errors.New("pipeline.repair_budget must be >= 0"))
	}
	switch c.Publish.Provider {
	case "", "none", "vercel":
	default:
		errs = append(errs, fmt.Errorf("publish.provider %q not supported", c.Publish.Provider))
	}
	return errors.Join(errs...)
}

func loadSecrets() Secrets {
	return Secrets{
		GoogleAPIKey:    Secret(firstEnv("GOOGLE_API_KEY", "GEMINI_API_KEY")),
		GroqAPIKey:      Secret(firstEnv("GROQ_API_KEY")),
		OpenAIAPIKey:    Secret(firstEnv("OPENAI_API_KEY")),
		AnthropicAPIKey: Secret(firstEnv("ANTHROPIC_API_KEY")),
		VercelToken:     Secret(firstEnv("VERCEL_TOKEN")),
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
