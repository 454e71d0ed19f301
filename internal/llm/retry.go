package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// RetryPolicy bounds how a single vendor call is retried.
type RetryPolicy struct {
	Attempts      int           // total attempts, including the first
	BaseDelay     time.Duration // first backoff
	MaxDelay      time.Duration // backoff cap
	JitterPercent int           // +/- around each delay
	Timeout       time.Duration // hard limit per attempt
}

// PolicyFromConfig builds the policy from the retry section and provider timeout.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Attempts:      cfg.Retry.Attempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		JitterPercent: cfg.Retry.JitterPercent,
		Timeout:       cfg.ProviderTimeout,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterPercent < 0 {
		p.JitterPercent = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return p
}

// RetryEvent records a failed attempt that was followed by another one.
type RetryEvent struct {
	Attempt int           `json:"attempt"` // the attempt that failed, 1-based
	Vendor  config.Vendor `json:"vendor"`
	Err     error         `json:"-"`
	Delay   time.Duration `json:"delay"`
}

// Retrier runs provider calls under a RetryPolicy and a per-vendor breaker.
type Retrier struct {
	policy RetryPolicy
	log    *logging.Logger

	mu       sync.Mutex
	breakers map[config.Vendor]*CircuitBreaker
	cbCfg    config.CircuitBreakerConfig
}

// NewRetrier creates a retrier. A zero breaker config disables circuit breaking.
func NewRetrier(policy RetryPolicy, cb config.CircuitBreakerConfig, log *logging.Logger) *Retrier {
	if log == nil {
		log = logging.Nop()
	}
	return &Retrier{
		policy:   policy.normalized(),
		log:      log.WithPrefix("retry"),
		breakers: make(map[config.Vendor]*CircuitBreaker),
		cbCfg:    cb,
	}
}

// Breaker returns the vendor's circuit breaker, creating it on first use.
// It returns nil when circuit breaking is disabled.
func (r *Retrier) Breaker(vendor config.Vendor) *CircuitBreaker {
	if r.cbCfg.Threshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[vendor]
	if !ok {
		cb = NewCircuitBreaker(r.cbCfg.Threshold, r.cbCfg.ResetTimeout)
		log := r.log
		cb.OnStateChange(func(from, to CircuitState) {
			if to == CircuitOpen {
				log.Event(logging.EventCircuitOpen, logging.Vendor(string(vendor)), logging.F("from", from.String()))
			}
		})
		r.breakers[vendor] = cb
	}
	return cb
}

// Do calls p.Generate until it succeeds, fails with a non-retryable error, or
// the attempts run out. The returned events describe every retry that was
// scheduled, so a call that succeeds on the third attempt yields two.
func (r *Retrier) Do(ctx context.Context, p Provider, req Request) (*RawOutput, []RetryEvent, error) {
	vendor := p.Vendor()
	metrics := r.log.Metrics()

	var (
		out     *RawOutput
		events  []RetryEvent
		attempt int
		lastErr error
	)

	inner := retry.NewExponential(r.policy.BaseDelay)
	inner = retry.WithCappedDuration(r.policy.MaxDelay, inner)
	if r.policy.JitterPercent > 0 {
		inner = retry.WithJitterPercent(uint64(r.policy.JitterPercent), inner)
	}
	inner = retry.WithMaxRetries(uint64(r.policy.Attempts-1), inner)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := inner.Next()
		if stop {
			return 0, true
		}
		events = append(events, RetryEvent{Attempt: attempt, Vendor: vendor, Err: lastErr, Delay: next})
		metrics.RecordProviderRetry(string(vendor))
		r.log.Event(logging.EventProviderRetry,
			logging.Vendor(string(vendor)),
			logging.Attempt(attempt),
			logging.Duration(next),
			logging.Error(lastErr),
		)
		return next, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := r.attempt(ctx, p, req)
		metrics.RecordProviderRequest(string(vendor), err)
		if err == nil {
			out = res
			return nil
		}
		lastErr = err
		r.log.Debug("provider attempt failed",
			logging.Vendor(string(vendor)),
			logging.Attempt(attempt),
			logging.Error(err),
		)
		if ctx.Err() == nil && cerr.IsRetryable(err) && !errors.Is(err, errBreakerOpen) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, errBreakerOpen) {
			err = cerr.ProviderUnavailable(string(vendor))
		}
		if ctxErr := ctx.Err(); ctxErr != nil && cerr.KindOf(err) != cerr.KindProvider {
			err = cerr.ProviderFailure(string(vendor), false, ctxErr)
		}
		return nil, events, err
	}
	return out, events, nil
}

// errBreakerOpen marks an attempt refused by the breaker. It is never retried
// against the same vendor.
var errBreakerOpen = errors.New("circuit open")

func (r *Retrier) attempt(ctx context.Context, p Provider, req Request) (*RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vendor := p.Vendor()
	cb := r.Breaker(vendor)
	if cb != nil && !cb.Allow() {
		return nil, errBreakerOpen
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	out, err := p.Generate(attemptCtx, req)
	if err == nil {
		if cb != nil {
			cb.RecordSuccess()
		}
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		// the caller gave up; not the vendor's fault
		return nil, ctx.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		err = cerr.ProviderTimeout(string(vendor), err)
	default:
		err = classify(vendor, err, 0)
	}

	if cb != nil {
		if cerr.IsRetryable(err) {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	return nil, err
}
