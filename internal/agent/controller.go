// Package agent runs counselor turns and the background objective generator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/counselor/internal/billing"
	"github.com/abdul-hamid-achik/counselor/internal/config"
	cctx "github.com/abdul-hamid-achik/counselor/internal/context"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
	"github.com/abdul-hamid-achik/counselor/internal/prompt"
	"github.com/abdul-hamid-achik/counselor/internal/session"
	"github.com/abdul-hamid-achik/counselor/internal/store"
	"github.com/abdul-hamid-achik/counselor/internal/tools"
)

const (
	degradedReply = "Sorry, I had trouble putting that answer together. Could you ask me again, maybe in different words?"
	toolsReply    = "Done, I've updated your plan."

	digestExcerpt = 160

	// maxReprompts is the number of corrective round trips per turn.
	maxReprompts = 1
)

// Config holds the controller's collaborators.
type Config struct {
	Store     store.Store
	Assembler *cctx.Assembler
	Prompts   *prompt.Library
	Router    *llm.Router
	Parser    *parser.Parser
	Tools     *tools.Router
	Compactor *cctx.Compactor
	Gate      billing.Gate
	Locker    *session.Locker
	Config    *config.Config
	Log       *logging.Logger
}

// TurnRequest is one student message.
type TurnRequest struct {
	StudentID string
	Message   string
	Entry     store.EntryContext
	Tier      string
	// Role overrides the role picked from the entry point.
	Role config.Role
}

// TurnOutcome describes how a turn ended.
type TurnOutcome struct {
	TurnID string
	State  State
	Reply  string
	Role   config.Role

	Output         parser.Output
	Batch          *tools.Batch
	Partial        bool
	Degraded       bool
	CriticalFailed bool
	// MinimalContext is set when the turn ran on pinned sections only.
	MinimalContext bool

	RetryEvents []llm.RetryEvent
	Vendor      config.Vendor
	Model       string
	FellBack    bool

	Err         error
	Transitions []State
}

// Controller drives turns through the state machine.
type Controller struct {
	store     store.Store
	assembler *cctx.Assembler
	prompts   *prompt.Library
	router    *llm.Router
	parser    *parser.Parser
	tools     *tools.Router
	compactor *cctx.Compactor
	gate      billing.Gate
	locker    *session.Locker
	cfg       *config.Config
	log       *logging.Logger
}

// New creates a Controller. Gate defaults to billing.AllowAll and Locker to
// a fresh session.Locker.
func New(c Config) *Controller {
	log := c.Log
	if log == nil {
		log = logging.Nop()
	}
	gate := c.Gate
	if gate == nil {
		gate = billing.AllowAll{}
	}
	locker := c.Locker
	if locker == nil {
		locker = session.NewLocker()
	}
	cfg := c.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Controller{
		store:     c.Store,
		assembler: c.Assembler,
		prompts:   c.Prompts,
		router:    c.Router,
		parser:    c.Parser,
		tools:     c.Tools,
		compactor: c.Compactor,
		gate:      gate,
		locker:    locker,
		cfg:       cfg,
		log:       log.WithPrefix("agent"),
	}
}

// Locker returns the per-student section shared with the objective generator.
func (c *Controller) Locker() *session.Locker { return c.locker }

// RoleFor picks the prompt role for an entry point.
func RoleFor(entry store.EntryContext) config.Role {
	if entry.EntryPoint == store.EntryOnboarding {
		return config.RoleOnboarding
	}
	return config.RoleCounselor
}

// turn is the working state of one RunTurn call.
type turn struct {
	req     TurnRequest
	out     *TurnOutcome
	machine *turnMachine
	log     *logging.Logger

	assembled *cctx.Assembled
	prompt    prompt.Prompt
	request   llm.Request
	native    bool
	allowed   []string
	reprompts int
}

// RunTurn runs one turn to Done or Failed. The outcome is always returned;
// err is the turn-level failure, a *errors.CounselorError, when the turn
// ended Failed.
//
// Provider calls and persistence are detached from ctx cancellation so a
// client that goes away cannot leave half a turn behind. The per-attempt
// provider deadline still applies.
func (c *Controller) RunTurn(ctx context.Context, req TurnRequest) (*TurnOutcome, error) {
	start := time.Now()
	if req.Entry.EntryPoint == "" {
		req.Entry.EntryPoint = store.EntryChat
	}
	if req.Entry.Timestamp.IsZero() {
		req.Entry.Timestamp = time.Now().UTC()
	}
	if req.Role == "" {
		req.Role = RoleFor(req.Entry)
	}

	turnID := uuid.NewString()
	log := c.log.With(logging.StudentID(req.StudentID), logging.TurnID(turnID))
	t := &turn{
		req:     req,
		out:     &TurnOutcome{TurnID: turnID, State: StateIdle, Role: req.Role},
		machine: newTurnMachine(log),
		log:     log,
	}
	log.Event(logging.EventTurnStart, logging.Role(string(req.Role)), logging.F("entry_point", req.Entry.EntryPoint))

	err := c.run(ctx, t)
	t.out.State = t.machine.Current()
	t.out.Transitions = t.machine.Path()

	result := logging.TurnOK
	switch {
	case err != nil && errors.Is(err, cerr.ErrQuotaExceeded):
		result = logging.TurnQuotaDenied
	case err != nil:
		result = logging.TurnFailed
	case t.out.Degraded:
		result = logging.TurnDegraded
	case t.out.Partial:
		result = logging.TurnPartial
	}
	log.Metrics().RecordTurn(result)

	if err != nil {
		t.out.Err = err
		log.Event(logging.EventTurnFailed, logging.Error(err), logging.DurationSince(start))
		return t.out, err
	}
	log.Event(logging.EventTurnComplete,
		logging.State(string(t.out.State)),
		logging.F("partial", t.out.Partial),
		logging.F("degraded", t.out.Degraded),
		logging.Count(len(t.out.RetryEvents)),
		logging.DurationSince(start),
	)
	return t.out, nil
}

func (c *Controller) run(ctx context.Context, t *turn) error {
	detached := context.WithoutCancel(ctx)

	// waiting for the section still honors the caller
	release, err := enterSection(ctx, c.locker, t.log, t.req.StudentID, "turn:"+t.out.TurnID)
	if err != nil {
		return c.fail(detached, t, cerr.ContextUnavailable("session", err))
	}
	defer release()
	ctx = detached

	// quota is charged only after the section is held
	decision, err := c.gate.Check(ctx, t.req.StudentID, t.req.Tier)
	if err != nil {
		return c.fail(ctx, t, cerr.ContextUnavailable("billing", err))
	}
	if !decision.Allowed {
		t.log.Event(logging.EventQuotaDenied, logging.F("tier", decision.Tier))
		return c.fail(ctx, t, cerr.QuotaExceeded(t.req.StudentID, decision.Tier))
	}

	if err := c.assemble(ctx, t); err != nil {
		return c.fail(ctx, t, err)
	}
	if err := c.buildPrompt(ctx, t); err != nil {
		return c.fail(ctx, t, err)
	}

	for {
		raw, err := c.awaitModel(ctx, t)
		if err != nil {
			return c.fail(ctx, t, err)
		}
		if err := t.machine.to(ctx, StateParsing); err != nil {
			return c.fail(ctx, t, err)
		}
		out := c.parser.Parse(raw, t.prompt.SchemaTag)
		t.out.Output = out
		if !out.Malformed() {
			break
		}

		t.log.Event(logging.EventOutputMalformed, logging.Reason(out.Reason), logging.Attempt(t.reprompts+1))
		t.log.Metrics().RecordMalformed()
		if t.reprompts >= maxReprompts {
			t.out.Degraded = true
			t.out.Reply = strings.TrimSpace(out.Raw)
			if t.out.Reply == "" {
				t.out.Reply = degradedReply
			}
			t.log.Event(logging.EventOutputDegraded, logging.Reason(out.Reason))
			break
		}
		t.reprompts++
		t.log.Event(logging.EventOutputReprompt, logging.Reason(out.Reason))
		if err := t.machine.to(ctx, StatePrompting); err != nil {
			return c.fail(ctx, t, err)
		}
		t.request.Messages = append(t.request.Messages,
			llm.Message{Role: "assistant", Content: out.Raw},
			llm.Message{Role: "user", Content: c.prompts.Corrective(out.Reason, prompt.WithNativeTools(t.native))},
		)
	}

	if !t.out.Degraded {
		switch t.out.Output.Kind {
		case parser.KindToolCalls:
			if err := c.executeTools(ctx, t); err != nil {
				return c.fail(ctx, t, err)
			}
		default:
			t.out.Reply = t.out.Output.Content
		}
	}

	if err := c.persist(ctx, t); err != nil {
		return c.fail(ctx, t, err)
	}
	return t.machine.to(ctx, StateDone)
}

func (c *Controller) assemble(ctx context.Context, t *turn) error {
	if err := t.machine.to(ctx, StateAssemblingContext); err != nil {
		return err
	}
	a, err := c.assembler.Assemble(ctx, t.req.StudentID, t.req.Entry)
	if err != nil {
		if !c.cfg.Context.DegradeOnUnavailable || a == nil {
			return err
		}
		t.log.Warn("context unavailable, continuing with pinned sections", logging.Error(err))
		a = a.Minimal()
		t.out.MinimalContext = true
	}
	t.assembled = a
	return nil
}

func (c *Controller) buildPrompt(ctx context.Context, t *turn) error {
	if err := t.machine.to(ctx, StatePrompting); err != nil {
		return err
	}
	t.native = c.router.SupportsTools(t.req.Role)
	p, err := c.prompts.Render(t.req.Role, t.assembled, prompt.WithNativeTools(t.native))
	if err != nil {
		return cerr.ConfigInvalid("prompt."+string(t.req.Role), err)
	}
	t.prompt = p
	if rules, ok := parser.Rules(p.SchemaTag); ok {
		t.allowed = rules.Tools
	}
	t.request = llm.Request{
		System:   p.System,
		Messages: []llm.Message{{Role: "user", Content: t.req.Message}},
		Tools:    c.tools.Registry().Definitions(t.allowed...),
		JSONMode: !t.native,
	}
	return nil
}

func (c *Controller) awaitModel(ctx context.Context, t *turn) (*llm.RawOutput, error) {
	if err := t.machine.to(ctx, StateAwaitingModel); err != nil {
		return nil, err
	}
	res, err := c.router.For(t.req.Role).Generate(ctx, t.request)
	if res != nil {
		t.out.RetryEvents = append(t.out.RetryEvents, res.Retries...)
		t.out.Vendor = res.Vendor
		t.out.Model = res.Model
		t.out.FellBack = t.out.FellBack || res.FellBack
	}
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

func (c *Controller) executeTools(ctx context.Context, t *turn) error {
	if err := t.machine.to(ctx, StateExecutingTools); err != nil {
		return err
	}
	batch := c.tools.Execute(ctx, t.req.StudentID, t.out.Output.Calls, tools.Options{Allowed: t.allowed})
	t.out.Batch = batch
	t.out.Partial = batch.Partial()
	t.out.CriticalFailed = batch.CriticalFailed

	t.out.Reply = t.out.Output.Content
	if t.out.Reply == "" && batch.Count(tools.StatusOK) > 0 {
		t.out.Reply = toolsReply
	}
	return nil
}

// persist appends the turn to the summary, compacts it when needed, and
// commits summary, objective updates and turn record together.
func (c *Controller) persist(ctx context.Context, t *turn) error {
	if err := t.machine.to(ctx, StatePersisting); err != nil {
		return err
	}
	studentID := t.req.StudentID

	current, err := c.store.GetSummary(ctx, studentID)
	if err != nil {
		return cerr.ContextUnavailable("summary", err)
	}
	text := cctx.AppendLine(current.Text, digest(t))
	if t.out.Batch != nil {
		for _, note := range t.out.Batch.Notes {
			text = cctx.AppendLine(text, "Note: "+note)
		}
	}
	if c.compactor != nil && c.compactor.NeedsCompaction(text) {
		text = c.compactor.Compact(ctx, text).Text
	}

	var updates []store.ObjectiveUpdate
	if t.out.Batch != nil && !t.out.Batch.CriticalFailed {
		updates = t.out.Batch.ObjectiveUpdates
	}

	toolCalls := 0
	if t.out.Batch != nil {
		toolCalls = len(t.out.Batch.Results)
	}
	rec := &store.TurnRecord{
		ID:          t.out.TurnID,
		StudentID:   studentID,
		Entry:       t.req.Entry,
		UserMessage: t.req.Message,
		Reply:       t.out.Reply,
		FinalState:  string(StateDone),
		Partial:     t.out.Partial,
		Degraded:    t.out.Degraded,
		ToolCalls:   toolCalls,
	}
	summary := store.Summary{
		StudentID: studentID,
		Text:      text,
		TurnCount: current.TurnCount + 1,
	}
	if err := c.store.CommitTurn(ctx, summary, updates, rec); err != nil {
		return cerr.ContextUnavailable("commit", err)
	}
	if len(rec.SkippedObjectives) > 0 {
		t.log.Warn("objective updates named no stored objective",
			logging.F("objective_ids", rec.SkippedObjectives))
	}
	if err := c.store.SaveEntry(ctx, studentID, t.req.Entry); err != nil {
		t.log.Warn("failed to record entry context", logging.Error(err))
	}
	return nil
}

func (c *Controller) fail(ctx context.Context, t *turn, err error) error {
	var ce *cerr.CounselorError
	if !errors.As(err, &ce) {
		err = cerr.ConfigInvalid("turn", err)
	}
	if ferr := t.machine.to(ctx, StateFailed); ferr != nil {
		t.log.Error("failed to enter failed state", logging.Error(ferr))
	}
	return err
}

// digest is the one-line record of a turn kept in the running summary.
func digest(t *turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] Student: %s", t.req.Entry.Timestamp.Format("2006-01-02"), t.req.Entry.EntryPoint, excerpt(t.req.Message))
	if t.out.Reply != "" {
		fmt.Fprintf(&b, " | Counselor: %s", excerpt(t.out.Reply))
	}
	if d := t.out.Batch.Describe(); d != "" {
		fmt.Fprintf(&b, " | Tools: %s", d)
	}
	if t.out.Degraded {
		b.WriteString(" | reply could not be parsed")
	}
	return b.String()
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= digestExcerpt {
		return s
	}
	return string(r[:digestExcerpt]) + "..."
}

// enterSection takes the student's section, logging the current holder when
// the caller has to wait for it.
func enterSection(ctx context.Context, locker *session.Locker, log *logging.Logger, studentID, holder string) (func(), error) {
	if release, ok := locker.TryAcquire(studentID, holder); ok {
		return release, nil
	}
	log.Debug("waiting for student section", logging.F("holder", locker.Holder(studentID)))
	return locker.Acquire(ctx, studentID, holder)
}
