package llm

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TedBerlin/MIRAGE-v2/internal/circuitbreaker"
	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// RetryPolicy governs the backoff applied to transient transport failures.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Multiplier  float64
	JitterRatio float64 // symmetric, 0.2 means +-20%
}

// DefaultRetryPolicy matches the documented agent contract: up to 3 attempts
// with exponential backoff, base 1s, multiplier 2, +-20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		JitterRatio: 0.2,
	}
}

// Resilient wraps a Client with retry, a request rate limiter, and a circuit
// breaker. Parse failures pass through untouched; only transport and timeout
// errors are retried.
type Resilient struct {
	inner   Client
	policy  RetryPolicy
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewResilient builds the production LLM stack. ratePerSec <= 0 disables
// rate limiting.
func NewResilient(inner Client, policy RetryPolicy, ratePerSec float64, logger *zap.Logger) *Resilient {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &Resilient{
		inner:   inner,
		policy:  policy,
		limiter: limiter,
		breaker: circuitbreaker.New("llm", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Complete runs one completion with the full resilience stack.
func (r *Resilient) Complete(ctx context.Context, prompt string, opts Options) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < max(1, r.policy.MaxRetries); attempt++ {
		if attempt > 0 {
			metrics.LLMRetries.Inc()
			delay := r.backoff(attempt)
			r.logger.Warn("Retrying LLM call",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, models.E(models.KindTimeout, ctx.Err())
			}
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, models.E(models.KindTimeout, err)
			}
		}

		var out *Result
		err := r.breaker.Do(ctx, func() error {
			var e error
			out, e = r.inner.Complete(ctx, prompt, opts)
			return e
		})
		if err == nil {
			return out, nil
		}
		lastErr = err

		if err == circuitbreaker.ErrOpen || err == circuitbreaker.ErrThrottled {
			lastErr = models.E(models.KindLLMTransport, err)
			continue
		}
		if !models.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// BreakerState exposes the breaker for health reporting.
func (r *Resilient) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}

func (r *Resilient) backoff(attempt int) time.Duration {
	d := float64(r.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= r.policy.Multiplier
	}
	if j := r.policy.JitterRatio; j > 0 {
		d *= 1 + (rand.Float64()*2-1)*j
	}
	return time.Duration(d)
}
