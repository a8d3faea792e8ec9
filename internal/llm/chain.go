package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	chainMaxRetries    = 3
	chainBaseBackoff   = 500 * time.Millisecond
	chainMaxRetryDelay = 5 * time.Minute
	defaultMaxFailures = 5
)

// Chain tries providers in order with per-provider failure tracking.
// A provider that accumulates maxFailures consecutive failures is
// skipped until a later success resets its count. Retries within one
// provider use exponential backoff, honoring a Retry-After hint when
// the error text carries one.
type Chain struct {
	providers   []Provider
	maxFailures int
	logger      *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewChain builds a failover chain over the given providers.
func NewChain(providers []Provider, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		providers:   providers,
		maxFailures: defaultMaxFailures,
		logger:      logger,
		failures:    make(map[string]int),
	}
}

// WithMaxFailures overrides the exclusion threshold.
func (c *Chain) WithMaxFailures(n int) *Chain {
	c.maxFailures = n
	return c
}

func (c *Chain) ModelName() string {
	if len(c.providers) > 0 {
		return c.providers[0].ModelName()
	}
	return "chain"
}

func (c *Chain) available() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if c.failures[p.ModelName()] < c.maxFailures {
			out = append(out, p)
		}
	}
	return out
}

func (c *Chain) trackFailure(name string) {
	c.mu.Lock()
	c.failures[name]++
	c.mu.Unlock()
}

func (c *Chain) resetFailures(name string) {
	c.mu.Lock()
	delete(c.failures, name)
	c.mu.Unlock()
}

// Generate tries each available provider, retrying retryable errors
// with backoff before failing over to the next.
func (c *Chain) Generate(ctx context.Context, req *Request) (*Response, error) {
	available := c.available()
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: all providers exceeded failure threshold", ErrAllProvidersFailed)
	}

	var lastErr error
	for i, provider := range available {
		var lastMsg string
		for retry := 0; retry < chainMaxRetries; retry++ {
			if retry > 0 {
				backoff := chainBaseBackoff * time.Duration(1<<uint(retry))
				if d, ok := parseRetryDelay(lastMsg); ok {
					backoff = d
				}
				c.logger.Info("retrying llm request",
					zap.String("provider", provider.ModelName()),
					zap.Int("retry", retry),
					zap.Duration("backoff", backoff))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			resp, err := provider.Generate(ctx, req)
			if err == nil {
				c.resetFailures(provider.ModelName())
				if retry > 0 || i > 0 {
					c.logger.Info("llm request succeeded after failover",
						zap.String("provider", provider.ModelName()))
				}
				return resp, nil
			}

			lastErr = err
			lastMsg = err.Error()
			c.logger.Warn("llm request failed",
				zap.String("provider", provider.ModelName()),
				zap.Int("retry", retry),
				zap.Error(err))

			if !IsRetryable(err) {
				break
			}
		}
		c.trackFailure(provider.ModelName())
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	return nil, lastErr
}

// GenerateStream tries each available provider once. Streams are not
// retried; reconnecting mid-stream would replay partial output.
func (c *Chain) GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	available := c.available()
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: all providers exceeded failure threshold", ErrAllProvidersFailed)
	}

	var lastErr error
	for _, provider := range available {
		ch, err := provider.GenerateStream(ctx, req)
		if err == nil {
			c.resetFailures(provider.ModelName())
			return ch, nil
		}
		c.logger.Warn("streaming request failed, trying next provider",
			zap.String("provider", provider.ModelName()),
			zap.Error(err))
		c.trackFailure(provider.ModelName())
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	return nil, lastErr
}

// parseRetryDelay extracts a "retry-after: N" hint from error text,
// capped at 5 minutes.
func parseRetryDelay(msg string) (time.Duration, bool) {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "retry-after")
	if idx < 0 {
		return 0, false
	}
	for _, field := range strings.Fields(lower[idx:]) {
		digits := strings.TrimFunc(field, func(r rune) bool {
			return r < '0' || r > '9'
		})
		if digits == "" {
			continue
		}
		secs, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			continue
		}
		d := time.Duration(secs) * time.Second
		if d > chainMaxRetryDelay {
			d = chainMaxRetryDelay
		}
		return d, true
	}
	return 0, false
}
