package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// RateLimitedProvider spaces requests to a vendor with a token bucket so a
// burst of turns does not run straight into the vendor's 429s.
type RateLimitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// RateLimited wraps p with a requests-per-minute limiter. A non-positive rpm
// returns p unchanged.
func RateLimited(p Provider, rpm, burst int) Provider {
	if rpm <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
	}
}

// Generate waits for a token, then delegates.
func (p *RateLimitedProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.Generate(ctx, req)
}

// GenerateStream waits for a token, then delegates.
func (p *RateLimitedProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	if err := p.wait(ctx); err != nil {
		return errorStream(err)
	}
	return p.Provider.GenerateStream(ctx, req)
}

// wait blocks for a token. A wait cut short by the attempt deadline counts
// as a provider timeout.
func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return classify(p.Vendor(), ctx.Err(), 0)
		}
		// rate: Wait(n=1) would exceed context deadline
		return classify(p.Vendor(), context.DeadlineExceeded, 0)
	}
	return nil
}

// Limits reports the configured rate, for the providers command.
func (p *RateLimitedProvider) Limits() (perMinute float64, burst int) {
	return float64(p.limiter.Limit()) * 60, p.limiter.Burst()
}

var _ Provider = (*RateLimitedProvider)(nil)

// rateLimit applies cfg to p when enabled.
func rateLimit(p Provider, cfg config.RateLimitConfig) Provider {
	if !cfg.Enabled {
		return p
	}
	return RateLimited(p, cfg.RequestsPerMinute, cfg.Burst)
}
