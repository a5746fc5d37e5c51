package gateway

import (
	"errors"
	"fmt"
)

// ErrConfig is returned by New when no usable provider is configured.
var ErrConfig = errors.New("gateway: provider not configured")

// ProviderError is a non-retryable upstream failure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RetryExhaustedError reports that every attempt hit a quota signal.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }
