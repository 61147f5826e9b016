package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with a token bucket so that a run
// cannot exceed a provider's request quota.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows perSecond calls with the given burst. A
// non-positive perSecond returns next unchanged.
func NewRateLimitedClient(next Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Chat waits for a token, then delegates.
func (c *RateLimitedClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.next.Chat(ctx, model, messages, opts)
}

// Ping is not rate limited.
func (c *RateLimitedClient) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}
