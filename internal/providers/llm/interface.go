package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind selects the text-generation backend. It is fixed at construction.
type Kind string

const (
	KindGemini    Kind = "gemini"
	KindGroq      Kind = "groq"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGemini, KindGroq, KindOpenAI, KindAnthropic:
		return k, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Request is a single generation call.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Provider is the uniform capability every backend exposes.
type Provider interface {
	Kind() Kind
	Model() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ConfigError reports a missing or unusable provider configuration.
type ConfigError struct {
	Kind   Kind
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Kind == "" {
		return "llm config: " + e.Reason
	}
	return fmt.Sprintf("llm config (%s): %s", e.Kind, e.Reason)
}

// StatusError is a non-2xx response from an HTTP provider.
type StatusError struct {
	Kind Kind
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Kind, e.Code, e.Body)
}

// IsQuota reports whether err is a rate-limit or quota signal that is worth
// retrying after a backoff.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == http.StatusTooManyRequests
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
