package llm

import (
	"context"
	"strings"
	"time"
)

// Config describes which backend to build. Keys come from the conventional
// environment variables via the config package.
type Config struct {
	Provider string
	Model    string
	BaseURL  string
	Timeout  time.Duration

	GoogleAPIKey    string
	GroqAPIKey      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

var defaultModels = map[Kind]string{
	KindGemini:    "gemini-2.0-flash",
	KindGroq:      "llama-3.3-70b-versatile",
	KindOpenAI:    "gpt-4o-mini",
	KindAnthropic: "claude-3-5-sonnet-latest",
}

// New returns the Provider named by cfg.Provider. When no provider is named
// the first backend with a credential wins, in the order gemini, groq,
// openai, anthropic. A *ConfigError is returned when nothing is usable.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.Provider) == "" {
		for _, k := range []Kind{KindGemini, KindGroq, KindOpenAI, KindAnthropic} {
			if cfg.key(k) != "" {
				return build(ctx, k, cfg)
			}
		}
		return nil, &ConfigError{Reason: "no provider configured and no API key found"}
	}
	k, err := ParseKind(cfg.Provider)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	return build(ctx, k, cfg)
}

func build(ctx context.Context, k Kind, cfg Config) (Provider, error) {
	key := cfg.key(k)
	if key == "" {
		return nil, &ConfigError{Kind: k, Reason: "API key not set"}
	}
	model := cfg.Model
	if model == "" {
		model = defaultModels[k]
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	switch k {
	case KindGemini:
		g, err := NewGemini(ctx, key, model)
		if err != nil {
			return nil, err
		}
		return g, nil
	case KindGroq:
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.groq.com/openai"
		}
		return &OpenAIClient{kind: KindGroq, APIKey: key, ModelName: model, BaseURL: base, Timeout: timeout}, nil
	case KindOpenAI:
		return &OpenAIClient{kind: KindOpenAI, APIKey: key, ModelName: model, BaseURL: cfg.BaseURL, Timeout: timeout}, nil
	case KindAnthropic:
		return &AnthropicClient{APIKey: key, ModelName: model, BaseURL: cfg.BaseURL, Timeout: timeout}, nil
	}
	return nil, &ConfigError{Kind: k, Reason: "unsupported provider"}
}

func (c Config) key(k Kind) string {
	switch k {
	case KindGemini:
		return strings.TrimSpace(c.GoogleAPIKey)
	case KindGroq:
		return strings.TrimSpace(c.GroqAPIKey)
	case KindOpenAI:
		return strings.TrimSpace(c.OpenAIAPIKey)
	case KindAnthropic:
		return strings.TrimSpace(c.AnthropicAPIKey)
	}
	return ""
}
