package providers

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	Adapter
	limiter *rate.Limiter
}

// RateLimited wraps adapter so Invoke waits for a token first. rps <= 0
// returns adapter unchanged.
func RateLimited(adapter Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return adapter
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{Adapter: adapter, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		kind := KindRateLimited
		if errors.Is(err, context.Canceled) {
			kind = KindUnknown
		} else if ctx.Err() != nil || isWaitDeadlineError(err) {
			kind = KindTimeout
		}
		return nil, &ProviderError{Kind: kind, Provider: r.Name(), Message: "rate limiter wait", Err: err}
	}
	return r.Adapter.Invoke(ctx, req)
}

// rate.Limiter.Wait reports a deadline that is too close for the next token
// with a plain error rather than context.DeadlineExceeded.
func isWaitDeadlineError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline")
}
