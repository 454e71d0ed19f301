package llm

import (
	"context"
	"fmt"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// Result is the outcome of a routed generation.
type Result struct {
	Output   *RawOutput
	Vendor   config.Vendor
	Model    string
	Retries  []RetryEvent
	FellBack bool
}

// Router picks a provider for each role from config and applies the retry
// policy. Vendor selection is a lookup; callers never branch on vendor.
type Router struct {
	cfg       *config.Config
	providers map[config.Vendor]Provider
	retrier   *Retrier
	log       *logging.Logger
}

// NewRouter creates a router over the given providers.
func NewRouter(cfg *config.Config, providers map[config.Vendor]Provider, log *logging.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{
		cfg:       cfg,
		providers: providers,
		retrier:   NewRetrier(PolicyFromConfig(cfg), cfg.CircuitBreaker, log),
		log:       log.WithPrefix("router"),
	}
}

// Route returns the routing entry for role.
func (r *Router) Route(role config.Role) (config.Route, error) {
	route, ok := r.cfg.Routing[role]
	if !ok {
		return config.Route{}, cerr.ConfigInvalid("routing."+string(role), fmt.Errorf("no route for role %q", role))
	}
	return route, nil
}

// SupportsTools reports whether the preferred vendor for role calls tools natively.
func (r *Router) SupportsTools(role config.Role) bool {
	route, err := r.Route(role)
	if err != nil {
		return false
	}
	p, ok := r.providers[route.Preferred]
	return ok && p.SupportsTools()
}

// Breaker exposes a vendor's circuit breaker.
func (r *Router) Breaker(vendor config.Vendor) *CircuitBreaker {
	return r.retrier.Breaker(vendor)
}

// Generate sends req for role. The preferred vendor gets the full retry
// policy; if it is exhausted by retryable failures and a fallback is
// configured, the fallback gets its own policy. Model and MaxTokens are
// filled from config when req leaves them empty. The result is non-nil even
// on error so retry events are never lost.
func (r *Router) Generate(ctx context.Context, role config.Role, req Request) (*Result, error) {
	route, err := r.Route(role)
	if err != nil {
		return &Result{}, err
	}

	res := &Result{}
	vendors := []config.Vendor{route.Preferred}
	if route.Fallback != "" && route.Fallback != route.Preferred {
		vendors = append(vendors, route.Fallback)
	}

	var lastErr error
	for i, vendor := range vendors {
		p, ok := r.providers[vendor]
		if !ok {
			nc := cerr.ProviderNotConfigured(string(vendor))
			// a missing preferred vendor still lets the fallback answer
			nc.Retryable = i == 0
			lastErr = nc
			continue
		}

		vreq := req
		if vreq.Model == "" || i > 0 {
			vreq.Model = r.cfg.GetModel(vendor, route.Tier)
		}
		if vreq.MaxTokens == 0 {
			vreq.MaxTokens = route.MaxTokens
		}

		if i > 0 {
			res.FellBack = true
			r.log.Event(logging.EventProviderFallback,
				logging.Role(string(role)),
				logging.Vendor(string(vendor)),
				logging.F("from", string(route.Preferred)),
				logging.Error(lastErr),
			)
		}

		r.log.Event(logging.EventProviderRequest,
			logging.Role(string(role)),
			logging.Vendor(string(vendor)),
			logging.Model(vreq.Model),
		)
		out, events, err := r.retrier.Do(ctx, p, vreq)
		res.Retries = append(res.Retries, events...)
		if err == nil {
			res.Output = out
			res.Vendor = vendor
			res.Model = vreq.Model
			if out.Model == "" {
				out.Model = vreq.Model
			}
			return res, nil
		}

		lastErr = err
		r.log.Event(logging.EventProviderError,
			logging.Role(string(role)),
			logging.Vendor(string(vendor)),
			logging.Error(err),
		)
		if !cerr.IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return res, lastErr
}

// Stream opens a stream for role on the first available vendor. Streams are
// not retried once chunks have been delivered.
func (r *Router) Stream(ctx context.Context, role config.Role, req Request) <-chan StreamChunk {
	route, err := r.Route(role)
	if err != nil {
		return errorStream(err)
	}
	for _, vendor := range []config.Vendor{route.Preferred, route.Fallback} {
		p, ok := r.providers[vendor]
		if !ok {
			continue
		}
		if cb := r.retrier.Breaker(vendor); cb != nil && !cb.Allow() {
			continue
		}
		vreq := req
		vreq.Model = r.cfg.GetModel(vendor, route.Tier)
		if vreq.MaxTokens == 0 {
			vreq.MaxTokens = route.MaxTokens
		}
		return p.GenerateStream(ctx, vreq)
	}
	return errorStream(cerr.ProviderUnavailable(string(route.Preferred)))
}

// Selection is a role bound to the router.
type Selection struct {
	router *Router
	role   config.Role
}

// For binds role so callers can hold a single generation handle.
func (r *Router) For(role config.Role) Selection {
	return Selection{router: r, role: role}
}

// Role returns the bound role.
func (s Selection) Role() config.Role { return s.role }

// Generate runs the routed generation for the bound role.
func (s Selection) Generate(ctx context.Context, req Request) (*Result, error) {
	return s.router.Generate(ctx, s.role, req)
}
