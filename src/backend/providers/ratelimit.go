package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to a provider
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

func NewRateLimited(p Provider, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Complete(ctx context.Context, req Request) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.Provider.Complete(ctx, req)
}

func (r *RateLimited) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return r.Provider.Stream(ctx, req, onDelta)
}
