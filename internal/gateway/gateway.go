// Package gateway fronts a text-generation provider with a response cache and
// quota-aware retries.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/providers/llm"
)

// Options tunes retry behaviour and request defaults.
type Options struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Temperature float32
	// Timeout bounds a shared upstream call, retries included. Zero means
	// no bound beyond the provider's own request timeout.
	Timeout     time.Duration
	Logger      *zap.Logger

	// sleep and jitter are swapped out by tests.
	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration
}

// Gateway is safe for concurrent use. Responses are cached for the life of
// the process.
type Gateway struct {
	provider llm.Provider
	opts     Options
	log      *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
	group singleflight.Group
}

// New builds the provider described by cfg. A missing or unusable
// configuration is reported as ErrConfig.
func New(ctx context.Context, cfg llm.Config, opts Options) (*Gateway, error) {
	p, err := llm.New(ctx, cfg)
	if err != nil {
		var ce *llm.ConfigError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		return nil, err
	}
	return NewWithProvider(p, opts), nil
}

// NewWithProvider wraps an already constructed provider.
func NewWithProvider(p llm.Provider, opts Options) *Gateway {
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	if opts.jitter == nil {
		opts.jitter = uniformJitter
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Gateway{
		provider: p,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("gateway"),
		cache:    make(map[string]string),
	}
}

// Option adjusts a single Generate call.
type Option func(*llm.Request)

func WithSystemPrompt(s string) Option { return func(r *llm.Request) { r.SystemPrompt = s } }

func WithTemperature(t float32) Option { return func(r *llm.Request) { r.Temperature = t } }

func WithMaxTokens(n int) Option { return func(r *llm.Request) { r.MaxTokens = n } }

// Provider names the backend in use.
func (g *Gateway) Provider() string { return string(g.provider.Kind()) }

// Model names the model in use.
func (g *Gateway) Model() string { return g.provider.Model() }

// Generate returns the completion for prompt. A cached response is returned
// without contacting the provider; concurrent identical requests share one
// upstream call.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	req := llm.Request{Prompt: prompt, Temperature: g.opts.Temperature}
	for _, o := range opts {
		o(&req)
	}
	key := g.cacheKey(req)

	g.mu.RLock()
	cached, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		RequestsTotal.WithLabelValues("cached").Inc()
		return cached, nil
	}

	// The shared call is detached from every caller; each caller stops
	// waiting on its own ctx.
	ch := g.group.DoChan(key, func() (any, error) {
		g.mu.RLock()
		hit, ok := g.cache[key]
		g.mu.RUnlock()
		if ok {
			return hit, nil
		}
		callCtx := context.WithoutCancel(ctx)
		if g.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, g.opts.Timeout)
			defer cancel()
		}
		out, err := g.callWithRetry(callCtx, req)
		if err != nil {
			return "", err
		}
		g.mu.Lock()
		g.cache[key] = out
		g.mu.Unlock()
		return out, nil
	})
	select {
	case <-ctx.Done():
		RequestsTotal.WithLabelValues("canceled").Inc()
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			RequestsTotal.WithLabelValues(resultLabel(res.Err)).Inc()
			return "", res.Err
		}
		RequestsTotal.WithLabelValues("ok").Inc()
		return res.Val.(string), nil
	}
}

// Close releases the provider's resources when it holds any.
func (g *Gateway) Close() error {
	if c, ok := g.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (g *Gateway) callWithRetry(ctx context.Context, req llm.Request) (string, error) {
	var last error
	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.opts.BaseDelay<<(attempt-1) + g.opts.jitter(g.opts.BaseDelay)
			g.log.Warn("rate limited, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(last))
			RetriesTotal.Inc()
			if err := g.opts.sleep(ctx, wait); err != nil {
				return "", err
			}
		}
		start := time.Now()
		out, err := g.provider.Generate(ctx, req)
		UpstreamDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !llm.IsQuota(err) {
			return "", &ProviderError{Provider: g.Provider(), Err: err}
		}
		last = err
	}
	return "", &RetryExhaustedError{Attempts: g.opts.MaxRetries + 1, Last: last}
}

// cacheKey hashes provider, model, system prompt and prompt. Temperature
// and token limits are not part of the key.
func (g *Gateway) cacheKey(req llm.Request) string {
	h := sha256.New()
	h.Write([]byte(g.Provider()))
	h.Write([]byte{'|'})
	h.Write([]byte(g.Model()))
	h.Write([]byte{'|'})
	h.Write([]byte(req.SystemPrompt))
	h.Write([]byte(req.Prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func resultLabel(err error) string {
	var re *RetryExhaustedError
	switch {
	case errors.As(err, &re):
		return "exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "provider_error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniformJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}
