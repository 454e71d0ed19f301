package agent

import (
	"context"
	"fmt"

	"github.com/abdul-hamid-achik/counselor/internal/billing"
	"github.com/abdul-hamid-achik/counselor/internal/config"
	cctx "github.com/abdul-hamid-achik/counselor/internal/context"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
	"github.com/abdul-hamid-achik/counselor/internal/prompt"
	"github.com/abdul-hamid-achik/counselor/internal/session"
	"github.com/abdul-hamid-achik/counselor/internal/store"
	"github.com/abdul-hamid-achik/counselor/internal/tools"
)

// Engine is the fully wired turn controller and objective generator.
type Engine struct {
	Controller *Controller
	Objectives *ObjectiveGenerator
	Dispatcher *Dispatcher
	Router     *llm.Router
	Tools      *tools.Registry
	Store      store.Store
}

// NewEngine wires every component from cfg. providers is usually the result
// of llm.NewProviders; a nil gate never denies.
func NewEngine(cfg *config.Config, st store.Store, providers map[config.Vendor]llm.Provider, gate billing.Gate, log *logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}
	narrator := cctx.NewNarrator(cfg.Context.NarrativeCacheSize)

	registry, err := tools.NewDefaultRegistry(tools.Deps{
		Profiles:       st,
		Plans:          st,
		Objectives:     st,
		ProfileChanged: narrator.Forget,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	p, err := parser.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	prompts, err := prompt.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	router := llm.NewRouter(cfg, providers, log)
	locker := session.NewLocker()
	c := Config{
		Store:     st,
		Assembler: cctx.NewAssembler(st, narrator, cfg.Context, log),
		Prompts:   prompts,
		Router:    router,
		Parser:    p,
		Tools:     tools.NewRouter(registry, log),
		Compactor: cctx.NewCompactor(router.For(config.RoleSecretary), cfg.Context.CompactThresholdTokens, cfg.Context.KeepSummaryLines, log),
		Gate:      gate,
		Locker:    locker,
		Config:    cfg,
		Log:       log,
	}

	gen := NewObjectiveGenerator(c)
	return &Engine{
		Controller: New(c),
		Objectives: gen,
		Dispatcher: NewDispatcher(gen, cfg.Objectives.Workers, log),
		Router:     router,
		Tools:      registry,
		Store:      st,
	}, nil
}

// Close drains background objective runs.
func (e *Engine) Close(ctx context.Context) error {
	return e.Dispatcher.Close(ctx)
}
