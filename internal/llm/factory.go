package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

// NewProviders builds an adapter for every enabled vendor. A vendor that
// cannot be built (usually a missing API key) is skipped with a warning as
// long as at least one vendor comes up.
func NewProviders(ctx context.Context, cfg *config.Config, log *logging.Logger) (map[config.Vendor]Provider, error) {
	if log == nil {
		log = logging.Nop()
	}
	providers := make(map[config.Vendor]Provider)
	var firstErr error

	for _, vendor := range cfg.EnabledVendors() {
		p, err := newProvider(ctx, vendor, cfg.Providers[vendor])
		if err != nil {
			log.Warn("provider disabled", logging.Vendor(string(vendor)), logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		providers[vendor] = rateLimit(p, cfg.RateLimit)
	}

	if len(providers) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("no providers enabled")
		}
		return nil, fmt.Errorf("no usable provider: %w", firstErr)
	}
	return providers, nil
}

func newProvider(ctx context.Context, vendor config.Vendor, pc *config.ProviderConfig) (Provider, error) {
	switch vendor {
	case config.VendorAnthropic:
		return NewAnthropicProvider(pc)
	case config.VendorOpenAI:
		return NewOpenAIProvider(pc)
	case config.VendorGemini:
		return NewGeminiProvider(ctx, pc)
	case config.VendorOllama:
		return NewOllamaProvider(pc, http.DefaultClient)
	default:
		return nil, fmt.Errorf("unknown vendor %q", vendor)
	}
}
