// Package billing decides whether a student may start another turn under
// their plan's allowance.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// DefaultTier is charged when a request names no tier or an unknown one.
const DefaultTier = "free"

const keyPrefix = "counselor:quota"

// Decision is the result of one entitlement check.
type Decision struct {
	Allowed   bool
	Tier      string
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Gate is consulted once per turn, before any provider call.
type Gate interface {
	Check(ctx context.Context, studentID, tier string) (Decision, error)
}

// LimiterGate counts turns per student and tier in a fixed window.
type LimiterGate struct {
	limiters map[string]*limiter.Limiter
	log      *logging.Logger
}

// NewGate builds a gate from the quota section over the given limiter store.
// A nil store means an in-process memory store.
func NewGate(cfg config.QuotaConfig, store limiter.Store, log *logging.Logger) (*LimiterGate, error) {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("quota period must be positive")
	}
	if len(cfg.Turns) == 0 {
		return nil, fmt.Errorf("quota has no tiers")
	}
	if store == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          keyPrefix,
			CleanUpInterval: cfg.Period,
		})
	}
	g := &LimiterGate{
		limiters: make(map[string]*limiter.Limiter, len(cfg.Turns)),
		log:      log.WithPrefix("billing"),
	}
	for tier, turns := range cfg.Turns {
		if turns < 0 {
			return nil, fmt.Errorf("tier %s: turns must not be negative", tier)
		}
		g.limiters[tier] = limiter.New(store, limiter.Rate{Period: cfg.Period, Limit: int64(turns)})
	}
	return g, nil
}

// Check consumes one turn from the student's allowance.
func (g *LimiterGate) Check(ctx context.Context, studentID, tier string) (Decision, error) {
	tier = g.resolve(tier)
	l := g.limiters[tier]
	d := Decision{Tier: tier}

	lctx, err := l.Get(ctx, key(tier, studentID))
	if err != nil {
		return d, fmt.Errorf("quota check for %s: %w", studentID, err)
	}
	d.Allowed = !lctx.Reached
	d.Limit = lctx.Limit
	d.Remaining = lctx.Remaining
	d.ResetAt = time.Unix(lctx.Reset, 0)
	if !d.Allowed {
		g.log.Event(logging.EventQuotaDenied, logging.StudentID(studentID), logging.F("tier", tier))
	}
	return d, nil
}

// Remaining reports the allowance left without consuming a turn.
func (g *LimiterGate) Remaining(ctx context.Context, studentID, tier string) (Decision, error) {
	tier = g.resolve(tier)
	l := g.limiters[tier]
	d := Decision{Tier: tier}
	lctx, err := l.Peek(ctx, key(tier, studentID))
	if err != nil {
		return d, fmt.Errorf("quota peek for %s: %w", studentID, err)
	}
	d.Allowed = !lctx.Reached && lctx.Remaining > 0
	d.Limit = lctx.Limit
	d.Remaining = lctx.Remaining
	d.ResetAt = time.Unix(lctx.Reset, 0)
	return d, nil
}

// Reset clears the student's counter for tier.
func (g *LimiterGate) Reset(ctx context.Context, studentID, tier string) error {
	tier = g.resolve(tier)
	_, err := g.limiters[tier].Reset(ctx, key(tier, studentID))
	return err
}

func (g *LimiterGate) resolve(tier string) string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := g.limiters[tier]; ok {
		return tier
	}
	if _, ok := g.limiters[DefaultTier]; ok {
		return DefaultTier
	}
	// no free tier configured: charge the smallest allowance
	smallest := ""
	for name, l := range g.limiters {
		if smallest == "" || l.Rate.Limit < g.limiters[smallest].Rate.Limit {
			smallest = name
		}
	}
	return smallest
}

func key(tier, studentID string) string {
	return tier + ":" + studentID
}

// AllowAll is a Gate that never denies. It backs setups without a quota section.
type AllowAll struct{}

// Check implements Gate.
func (AllowAll) Check(_ context.Context, _ string, tier string) (Decision, error) {
	return Decision{Allowed: true, Tier: tier, Limit: -1, Remaining: -1}, nil
}
