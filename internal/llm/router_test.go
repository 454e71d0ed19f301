package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

func testRouterConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.ProviderTimeout = time.Second
	cfg.CircuitBreaker = config.CircuitBreakerConfig{}
	return cfg
}

func TestRouter_UsesPreferredVendorAndFillsModel(t *testing.T) {
	anth := NewMockProvider(config.VendorAnthropic, "hello")
	oai := NewMockProvider(config.VendorOpenAI, "unused")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorAnthropic: anth,
		config.VendorOpenAI:    oai,
	}, logging.Nop())

	res, err := r.Generate(context.Background(), config.RoleCounselor, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vendor != config.VendorAnthropic || res.FellBack {
		t.Errorf("expected anthropic without fallback, got %+v", res)
	}
	req, _ := anth.LastRequest()
	if req.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("unexpected model %q", req.Model)
	}
	if req.MaxTokens != 2048 {
		t.Errorf("unexpected max tokens %d", req.MaxTokens)
	}
	if oai.CallCount() != 0 {
		t.Error("fallback should not be called")
	}
}

func TestRouter_FallsBackAfterRetryableExhaustion(t *testing.T) {
	anth := NewMockProvider(config.VendorAnthropic, cerr.ProviderFailure("anthropic", true, errors.New("529 overloaded")))
	oai := NewMockProvider(config.VendorOpenAI, "from openai")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorAnthropic: anth,
		config.VendorOpenAI:    oai,
	}, logging.Nop())

	res, err := r.Generate(context.Background(), config.RoleCounselor, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vendor != config.VendorOpenAI || !res.FellBack {
		t.Errorf("expected openai fallback, got vendor=%s fellBack=%v", res.Vendor, res.FellBack)
	}
	if res.Output.Text != "from openai" {
		t.Errorf("unexpected text %q", res.Output.Text)
	}
	if anth.CallCount() != 3 {
		t.Errorf("expected 3 preferred attempts, got %d", anth.CallCount())
	}
	if len(res.Retries) != 2 {
		t.Errorf("expected 2 retry events, got %d", len(res.Retries))
	}
	req, _ := oai.LastRequest()
	if req.Model != "gpt-4o" {
		t.Errorf("fallback should use its own model, got %q", req.Model)
	}
}

func TestRouter_NoFallbackOnNonRetryable(t *testing.T) {
	anth := NewMockProvider(config.VendorAnthropic, cerr.ProviderFailure("anthropic", false, errors.New("401 unauthorized")))
	oai := NewMockProvider(config.VendorOpenAI, "unused")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorAnthropic: anth,
		config.VendorOpenAI:    oai,
	}, logging.Nop())

	res, err := r.Generate(context.Background(), config.RoleCounselor, Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if cerr.VendorOf(err) != "anthropic" {
		t.Errorf("expected anthropic error, got %v", err)
	}
	if res == nil || res.FellBack {
		t.Error("expected a non-nil result without fallback")
	}
	if oai.CallCount() != 0 {
		t.Error("fallback must not run for non-retryable errors")
	}
}

func TestRouter_MissingPreferredUsesFallback(t *testing.T) {
	oai := NewMockProvider(config.VendorOpenAI, "ok")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorOpenAI: oai,
	}, logging.Nop())

	res, err := r.Generate(context.Background(), config.RoleOnboarding, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Vendor != config.VendorOpenAI {
		t.Errorf("expected openai, got %s", res.Vendor)
	}
}

func TestRouter_UnknownRole(t *testing.T) {
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{}, logging.Nop())
	_, err := r.Generate(context.Background(), config.Role("astrologer"), Request{})
	if cerr.KindOf(err) != cerr.KindConfig {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestRouter_FastTierForSecretary(t *testing.T) {
	oai := NewMockProvider(config.VendorOpenAI, `{"objectives":[]}`)
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorOpenAI: oai,
	}, logging.Nop())

	if _, err := r.Generate(context.Background(), config.RoleSecretary, Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req, _ := oai.LastRequest()
	if req.Model != "gpt-4o-mini" {
		t.Errorf("expected fast model, got %q", req.Model)
	}
}

func TestRouter_Stream(t *testing.T) {
	anth := NewMockProvider(config.VendorAnthropic, "streamed")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorAnthropic: anth,
	}, logging.Nop())

	var text string
	var done bool
	for chunk := range r.Stream(context.Background(), config.RoleCounselor, Request{}) {
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "done":
			done = true
		case "error":
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}
	if text != "streamed" || !done {
		t.Errorf("got text=%q done=%v", text, done)
	}
}

func TestRouter_ForBindsRole(t *testing.T) {
	oai := NewMockProvider(config.VendorOpenAI, "ok")
	r := NewRouter(testRouterConfig(), map[config.Vendor]Provider{
		config.VendorOpenAI: oai,
	}, logging.Nop())

	sel := r.For(config.RoleParser)
	if sel.Role() != config.RoleParser {
		t.Errorf("unexpected role %s", sel.Role())
	}
	res, err := sel.Generate(context.Background(), Request{})
	if err != nil || res.Vendor != config.VendorOpenAI {
		t.Errorf("unexpected result %+v err=%v", res, err)
	}
}
