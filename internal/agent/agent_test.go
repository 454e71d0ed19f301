package agent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abdul-hamid-achik/counselor/internal/billing"
	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/session"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type harness struct {
	engine *Engine
	store  store.Store
	anth   *llm.MockProvider
	oai    *llm.MockProvider
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 3 * time.Millisecond
	cfg.ProviderTimeout = time.Second
	cfg.CircuitBreaker = config.CircuitBreakerConfig{}
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, st store.Store, gate billing.Gate, anth, oai *llm.MockProvider) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if st == nil {
		st = store.NewMemory()
	}
	if anth == nil {
		anth = llm.NewMockProvider(config.VendorAnthropic, "Sounds good.")
	}
	if oai == nil {
		oai = llm.NewMockProvider(config.VendorOpenAI, `{"objectives":[]}`)
	}
	e, err := NewEngine(cfg, st, map[config.Vendor]llm.Provider{
		config.VendorAnthropic: anth,
		config.VendorOpenAI:    oai,
	}, gate, logging.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return &harness{engine: e, store: st, anth: anth, oai: oai}
}

func (h *harness) turn(t *testing.T, studentID, message, entry string) *TurnOutcome {
	t.Helper()
	out, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{
		StudentID: studentID,
		Message:   message,
		Entry:     store.EntryContext{EntryPoint: entry},
	})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	return out
}

func states(names ...State) []State { return names }

func seedStudent(t *testing.T, st store.Store, studentID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.SaveProfile(ctx, &store.Profile{StudentID: studentID, Name: "Maya", GPA: 3.8, GradeLevel: 11}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	for _, title := range []string{"Raise SAT score", "Start a robotics club"} {
		if err := st.CreateGoal(ctx, &store.Goal{StudentID: studentID, Title: title, Status: store.GoalActive}); err != nil {
			t.Fatalf("CreateGoal failed: %v", err)
		}
	}
	if err := st.ReplaceObjectives(ctx, studentID, []store.Objective{
		{ID: "obj-1", Text: "Ask about summer programs", Status: store.ObjectivePending},
	}); err != nil {
		t.Fatalf("ReplaceObjectives failed: %v", err)
	}
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestRunTurn_OnboardingCreatesGoal(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		Text: "Great plan, I've added it.",
		ToolCalls: []llm.ToolCall{
			toolCall("call_1", "create_goal", map[string]any{"title": "Apply to 5 reach schools", "category": "applications"}),
		},
	})
	h := newHarness(t, nil, nil, nil, anth, nil)
	seedStudent(t, h.store, "s1")
	ctx := context.Background()

	out := h.turn(t, "s1", "I want to apply to five reach schools", store.EntryOnboarding)

	want := states(StateIdle, StateAssemblingContext, StatePrompting, StateAwaitingModel,
		StateParsing, StateExecutingTools, StatePersisting, StateDone)
	if !reflect.DeepEqual(out.Transitions, want) {
		t.Errorf("transitions = %v, want %v", out.Transitions, want)
	}
	if out.Role != config.RoleOnboarding {
		t.Errorf("role = %s, want onboarding", out.Role)
	}
	if out.Reply != "Great plan, I've added it." {
		t.Errorf("unexpected reply %q", out.Reply)
	}
	if out.Partial || out.Degraded || out.CriticalFailed {
		t.Errorf("unexpected flags: %+v", out)
	}
	if out.Vendor != config.VendorAnthropic {
		t.Errorf("vendor = %s, want anthropic", out.Vendor)
	}

	goals, _ := h.store.ListGoals(ctx, "s1")
	if len(goals) != 3 {
		t.Fatalf("expected 3 goals, got %d", len(goals))
	}
	if goals[2].Title != "Apply to 5 reach schools" || goals[2].Category != "applications" {
		t.Errorf("unexpected new goal %+v", goals[2])
	}

	summary, _ := h.store.GetSummary(ctx, "s1")
	if summary.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", summary.TurnCount)
	}
	if !strings.Contains(summary.Text, "five reach schools") || !strings.Contains(summary.Text, "Tools: create_goal ok") {
		t.Errorf("summary missing turn digest: %q", summary.Text)
	}

	objs, _ := h.store.ListObjectives(ctx, "s1")
	if len(objs) != 1 || objs[0].Status != store.ObjectivePending {
		t.Errorf("objectives should be unchanged, got %+v", objs)
	}

	req, _ := anth.LastRequest()
	if !strings.Contains(req.System, "3.80 GPA") {
		t.Error("system prompt should carry the profile narrative")
	}
	if !strings.Contains(req.System, "obj-1") {
		t.Error("system prompt should list pending objectives")
	}
	if req.JSONMode {
		t.Error("native tool vendor should not be asked for JSON mode")
	}
	if len(req.Tools) == 0 {
		t.Error("tool definitions should be sent to a native tool vendor")
	}

	entry, err := h.store.LatestEntry(ctx, "s1")
	if err != nil || entry.EntryPoint != store.EntryOnboarding {
		t.Errorf("latest entry = %+v, %v", entry, err)
	}
	turns, _ := h.store.ListTurns(ctx, "s1", 0)
	if len(turns) != 1 || turns[0].ID != out.TurnID || turns[0].ToolCalls != 1 {
		t.Errorf("unexpected turn log %+v", turns)
	}
}

func TestRunTurn_PlainTextReply(t *testing.T) {
	h := newHarness(t, nil, nil, nil, nil, nil)

	out := h.turn(t, "s1", "hi", "")

	want := states(StateIdle, StateAssemblingContext, StatePrompting, StateAwaitingModel,
		StateParsing, StatePersisting, StateDone)
	if !reflect.DeepEqual(out.Transitions, want) {
		t.Errorf("transitions = %v, want %v", out.Transitions, want)
	}
	if out.Reply != "Sounds good." || out.Role != config.RoleCounselor {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Batch != nil {
		t.Error("text reply should not run tools")
	}
}

func TestRunTurn_SerializesSameStudent(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once

	anth := llm.NewMockProvider(config.VendorAnthropic)
	var mu sync.Mutex
	calls := 0
	anth.GenerateFunc = func(_ context.Context, _ llm.Request) (*llm.RawOutput, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			once.Do(func() { close(started) })
			<-unblock
			return &llm.RawOutput{Text: "First reply."}, nil
		}
		return &llm.RawOutput{Text: "Second reply."}, nil
	}
	h := newHarness(t, nil, nil, nil, anth, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{StudentID: "s1", Message: "I love marine biology"}); err != nil {
			t.Errorf("first turn failed: %v", err)
		}
	}()
	<-started
	go func() {
		defer wg.Done()
		if _, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{StudentID: "s1", Message: "What should I do next?"}); err != nil {
			t.Errorf("second turn failed: %v", err)
		}
	}()

	time.Sleep(30 * time.Millisecond)
	if n := anth.CallCount(); n != 1 {
		t.Errorf("second turn reached the model while the first was running: %d calls", n)
	}
	close(unblock)
	wg.Wait()

	req, _ := anth.LastRequest()
	if !strings.Contains(req.System, "I love marine biology") {
		t.Error("second turn should see the first turn's summary")
	}
	summary, _ := h.store.GetSummary(context.Background(), "s1")
	if summary.TurnCount != 2 || summary.Version != 2 {
		t.Errorf("summary = %+v, want two committed turns", summary)
	}
}

func TestRunTurn_PartialToolFailure(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		ToolCalls: []llm.ToolCall{
			toolCall("c1", "create_goal", map[string]any{"title": "Visit three campuses"}),
			toolCall("c2", "update_goal_status", map[string]any{"goal_id": "missing", "status": "completed"}),
			toolCall("c3", "record_note", map[string]any{"note": "Prefers  small   colleges"}),
		},
	})
	h := newHarness(t, nil, nil, nil, anth, nil)
	ctx := context.Background()

	out := h.turn(t, "s1", "Let's plan visits", store.EntryPlan)

	if out.State != StateDone || !out.Partial || out.CriticalFailed {
		t.Errorf("unexpected outcome state=%s partial=%v critical=%v", out.State, out.Partial, out.CriticalFailed)
	}
	if out.Reply != toolsReply {
		t.Errorf("reply = %q, want %q", out.Reply, toolsReply)
	}
	if got := out.Batch.Count("ok"); got != 2 {
		t.Errorf("ok count = %d, want 2", got)
	}
	goals, _ := h.store.ListGoals(ctx, "s1")
	if len(goals) != 1 {
		t.Errorf("expected the goal to be committed, got %d", len(goals))
	}
	summary, _ := h.store.GetSummary(ctx, "s1")
	if !strings.Contains(summary.Text, "update_goal_status failed") {
		t.Errorf("summary should record the failed call: %q", summary.Text)
	}
	if !strings.Contains(summary.Text, "Note: Prefers small colleges") {
		t.Errorf("summary should carry the note: %q", summary.Text)
	}
	turns, _ := h.store.ListTurns(ctx, "s1", 0)
	if len(turns) != 1 || !turns[0].Partial || turns[0].ToolCalls != 3 {
		t.Errorf("unexpected turn log %+v", turns)
	}
}

// readOnlyProfiles fails profile writes.
type readOnlyProfiles struct {
	*store.Memory
}

func (readOnlyProfiles) UpdateProfileField(context.Context, string, string, any) (*store.Profile, error) {
	return nil, errors.New("profile service is read-only")
}

func TestRunTurn_WrongTypedProfileValueIsSkipped(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		Text: "Noted.",
		ToolCalls: []llm.ToolCall{
			toolCall("c1", "mark_objective_addressed", map[string]any{"objective_id": "obj-1"}),
			toolCall("c2", "update_profile", map[string]any{"field": "gpa", "value": "very high"}),
			toolCall("c3", "record_note", map[string]any{"note": "Proud of her grades"}),
		},
	})
	h := newHarness(t, nil, nil, nil, anth, nil)
	seedStudent(t, h.store, "s1")
	ctx := context.Background()

	out := h.turn(t, "s1", "My GPA went up", "")

	if out.State != StateDone || out.CriticalFailed || !out.Partial {
		t.Errorf("unexpected outcome state=%s partial=%v critical=%v", out.State, out.Partial, out.CriticalFailed)
	}
	if r, ok := out.Batch.Result("c2"); !ok || r.Status != "skipped" || !errors.Is(r.Err, cerr.ErrInvalidArguments) {
		t.Errorf("wrong-typed value should be skipped as invalid, got %+v", r)
	}
	if r, ok := out.Batch.Result("c3"); !ok || r.Status != "ok" {
		t.Errorf("later call should still run, got %+v", r)
	}
	objs, _ := h.store.ListObjectives(ctx, "s1")
	if len(objs) != 1 || objs[0].Status != store.ObjectiveAddressed {
		t.Errorf("objective update should be applied, got %+v", objs)
	}
	p, _ := h.store.GetProfile(ctx, "s1")
	if p.GPA != 3.8 {
		t.Errorf("GPA = %v, want unchanged 3.8", p.GPA)
	}
}

func TestRunTurn_CriticalFailureDropsDeferredUpdates(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		ToolCalls: []llm.ToolCall{
			toolCall("c1", "mark_objective_addressed", map[string]any{"objective_id": "obj-1"}),
			toolCall("c2", "update_profile", map[string]any{"field": "gpa", "value": 3.9}),
			toolCall("c3", "record_note", map[string]any{"note": "never recorded"}),
		},
	})
	h := newHarness(t, nil, readOnlyProfiles{store.NewMemory()}, nil, anth, nil)
	seedStudent(t, h.store, "s1")
	ctx := context.Background()

	out := h.turn(t, "s1", "My GPA went up", "")

	if out.State != StateDone || !out.CriticalFailed || !out.Partial {
		t.Errorf("unexpected outcome state=%s partial=%v critical=%v", out.State, out.Partial, out.CriticalFailed)
	}
	if r, ok := out.Batch.Result("c3"); !ok || r.Status != "skipped" {
		t.Errorf("call after the critical failure should be skipped, got %+v", r)
	}
	objs, _ := h.store.ListObjectives(ctx, "s1")
	if len(objs) != 1 || objs[0].Status != store.ObjectivePending {
		t.Errorf("objective update should not be applied, got %+v", objs)
	}
	summary, _ := h.store.GetSummary(ctx, "s1")
	if strings.Contains(summary.Text, "never recorded") {
		t.Error("note from a skipped call should not reach the summary")
	}
}

func TestRunTurn_AppliesObjectiveUpdate(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		Text: "Summer programs are a great idea.",
		ToolCalls: []llm.ToolCall{
			toolCall("c1", "mark_objective_addressed", map[string]any{"objective_id": "obj-1"}),
		},
	})
	h := newHarness(t, nil, nil, nil, anth, nil)
	seedStudent(t, h.store, "s1")

	h.turn(t, "s1", "Any ideas for the summer?", "")

	objs, _ := h.store.ListObjectives(context.Background(), "s1")
	if len(objs) != 1 || objs[0].Status != store.ObjectiveAddressed {
		t.Errorf("objective should be addressed, got %+v", objs)
	}
}

// ghostObjectives reports one pending objective that is gone by commit time.
type ghostObjectives struct {
	*store.Memory
}

func (g ghostObjectives) ListObjectives(ctx context.Context, studentID string) ([]store.Objective, error) {
	objs, err := g.Memory.ListObjectives(ctx, studentID)
	return append(objs, store.Objective{ID: "obj-ghost", StudentID: studentID, Text: "Ask about SAT dates", Status: store.ObjectivePending}), err
}

func TestRunTurn_CommitSkipsVanishedObjective(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, &llm.RawOutput{
		Text: "Let's plan both.",
		ToolCalls: []llm.ToolCall{
			toolCall("c1", "mark_objective_addressed", map[string]any{"objective_id": "obj-ghost"}),
			toolCall("c2", "mark_objective_addressed", map[string]any{"objective_id": "obj-1"}),
		},
	})
	mem := store.NewMemory()
	h := newHarness(t, nil, ghostObjectives{mem}, nil, anth, nil)
	seedStudent(t, mem, "s1")
	ctx := context.Background()

	out := h.turn(t, "s1", "When should I take the SAT?", "")

	if out.State != StateDone {
		t.Fatalf("state = %s, want done", out.State)
	}
	objs, _ := mem.ListObjectives(ctx, "s1")
	if len(objs) != 1 || objs[0].Status != store.ObjectiveAddressed {
		t.Errorf("obj-1 should be addressed, got %+v", objs)
	}
	turns, _ := mem.ListTurns(ctx, "s1", 10)
	if len(turns) != 1 || len(turns[0].SkippedObjectives) != 1 || turns[0].SkippedObjectives[0] != "obj-ghost" {
		t.Errorf("turn record should list the skipped update, got %+v", turns)
	}
	summary, _ := mem.GetSummary(ctx, "s1")
	if summary.TurnCount != 1 {
		t.Errorf("summary TurnCount = %d, want 1", summary.TurnCount)
	}
}

type denyGate struct{ calls int }

func (g *denyGate) Check(_ context.Context, _, tier string) (billing.Decision, error) {
	g.calls++
	return billing.Decision{Allowed: false, Tier: "free", Limit: 0}, nil
}

type brokenGate struct{}

func (brokenGate) Check(context.Context, string, string) (billing.Decision, error) {
	return billing.Decision{}, errors.New("redis: connection refused")
}

func TestRunTurn_QuotaExceeded(t *testing.T) {
	gate := &denyGate{}
	h := newHarness(t, nil, nil, gate, nil, nil)

	out, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{StudentID: "s1", Message: "hello", Tier: "free"})
	if !errors.Is(err, cerr.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if gate.calls != 1 {
		t.Errorf("gate consulted %d times, want 1", gate.calls)
	}
	if !reflect.DeepEqual(out.Transitions, states(StateIdle, StateFailed)) {
		t.Errorf("transitions = %v", out.Transitions)
	}
	if h.anth.CallCount()+h.oai.CallCount() != 0 {
		t.Error("no provider should be called when the quota is exhausted")
	}
	summary, _ := h.store.GetSummary(context.Background(), "s1")
	if summary.TurnCount != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestRunTurn_GateErrorFailsTurn(t *testing.T) {
	h := newHarness(t, nil, nil, brokenGate{}, nil, nil)

	out, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{StudentID: "s1", Message: "hello"})
	if !errors.Is(err, cerr.ErrContextUnavailable) {
		t.Fatalf("expected context unavailable, got %v", err)
	}
	if out.State != StateFailed || h.anth.CallCount() != 0 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestRunTurn_RetriesTimeouts(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic,
		cerr.ProviderTimeout("anthropic", context.DeadlineExceeded),
		cerr.ProviderTimeout("anthropic", context.DeadlineExceeded),
		"All set.",
	)
	h := newHarness(t, nil, nil, nil, anth, nil)

	out := h.turn(t, "s1", "Can you check my plan?", "")

	if out.State != StateDone || out.Reply != "All set." {
		t.Errorf("unexpected outcome state=%s reply=%q", out.State, out.Reply)
	}
	if len(out.RetryEvents) != 2 {
		t.Errorf("expected 2 retry events, got %d", len(out.RetryEvents))
	}
	if anth.CallCount() != 3 || out.FellBack {
		t.Errorf("expected 3 attempts on the preferred vendor, got %d (fell back: %v)", anth.CallCount(), out.FellBack)
	}
	want := states(StateIdle, StateAssemblingContext, StatePrompting, StateAwaitingModel,
		StateParsing, StatePersisting, StateDone)
	if !reflect.DeepEqual(out.Transitions, want) {
		t.Errorf("retries should not add transitions, got %v", out.Transitions)
	}
}

func TestRunTurn_NonRetryableProviderFailure(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, cerr.ProviderFailure("anthropic", false, errors.New("400 invalid request")))
	h := newHarness(t, nil, nil, nil, anth, nil)
	ctx := context.Background()

	out, err := h.engine.Controller.RunTurn(ctx, TurnRequest{StudentID: "s1", Message: "hello"})
	if !errors.Is(err, cerr.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if out.State != StateFailed || out.Err == nil {
		t.Errorf("unexpected outcome %+v", out)
	}
	if anth.CallCount() != 1 || h.oai.CallCount() != 0 {
		t.Errorf("expected a single attempt and no fallback, got %d/%d", anth.CallCount(), h.oai.CallCount())
	}
	summary, _ := h.store.GetSummary(ctx, "s1")
	turns, _ := h.store.ListTurns(ctx, "s1", 0)
	if summary.TurnCount != 0 || len(turns) != 0 {
		t.Error("a failed turn should not be persisted")
	}
}

const brokenJSON = `{"tool_calls": [`

func TestRunTurn_RepromptsOnceAfterMalformedReply(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, brokenJSON, "Here is the answer.")
	h := newHarness(t, nil, nil, nil, anth, nil)

	out := h.turn(t, "s1", "What about essays?", "")

	want := states(StateIdle, StateAssemblingContext, StatePrompting, StateAwaitingModel, StateParsing,
		StatePrompting, StateAwaitingModel, StateParsing, StatePersisting, StateDone)
	if !reflect.DeepEqual(out.Transitions, want) {
		t.Errorf("transitions = %v, want %v", out.Transitions, want)
	}
	if out.Reply != "Here is the answer." || out.Degraded {
		t.Errorf("unexpected outcome reply=%q degraded=%v", out.Reply, out.Degraded)
	}
	req, _ := anth.LastRequest()
	if len(req.Messages) != 3 {
		t.Fatalf("corrective request should carry 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[1].Content != brokenJSON {
		t.Errorf("malformed reply should be echoed back, got %+v", req.Messages[1])
	}
	if req.Messages[2].Role != "user" || req.Messages[2].Content == "" {
		t.Errorf("expected a corrective user message, got %+v", req.Messages[2])
	}
}

func TestRunTurn_DegradesAfterSecondMalformedReply(t *testing.T) {
	anth := llm.NewMockProvider(config.VendorAnthropic, brokenJSON)
	h := newHarness(t, nil, nil, nil, anth, nil)

	out := h.turn(t, "s1", "What about essays?", "")

	if out.State != StateDone || !out.Degraded {
		t.Errorf("expected a degraded Done turn, got state=%s degraded=%v", out.State, out.Degraded)
	}
	if out.Reply == "" {
		t.Error("degraded turn should still reply")
	}
	if anth.CallCount() != 2 {
		t.Errorf("expected exactly one corrective attempt, got %d calls", anth.CallCount())
	}
	summary, _ := h.store.GetSummary(context.Background(), "s1")
	if !strings.Contains(summary.Text, "reply could not be parsed") {
		t.Errorf("summary should flag the degraded turn: %q", summary.Text)
	}
}

// brokenProfiles fails profile reads.
type brokenProfiles struct {
	*store.Memory
}

func (brokenProfiles) GetProfile(context.Context, string) (*store.Profile, error) {
	return nil, errors.New("profile service down")
}

func TestRunTurn_ContextUnavailable(t *testing.T) {
	st := brokenProfiles{store.NewMemory()}
	h := newHarness(t, nil, st, nil, nil, nil)

	out, err := h.engine.Controller.RunTurn(context.Background(), TurnRequest{StudentID: "s1", Message: "hello"})
	if !errors.Is(err, cerr.ErrContextUnavailable) {
		t.Fatalf("expected context unavailable, got %v", err)
	}
	if !reflect.DeepEqual(out.Transitions, states(StateIdle, StateAssemblingContext, StateFailed)) {
		t.Errorf("transitions = %v", out.Transitions)
	}
	if h.anth.CallCount() != 0 {
		t.Error("model should not be called without context")
	}
}

func TestRunTurn_ContextUnavailableDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.Context.DegradeOnUnavailable = true
	st := brokenProfiles{store.NewMemory()}
	h := newHarness(t, cfg, st, nil, nil, nil)

	out := h.turn(t, "s1", "hello", "")

	if out.State != StateDone || !out.MinimalContext {
		t.Errorf("expected a Done turn on minimal context, got state=%s minimal=%v", out.State, out.MinimalContext)
	}
	req, _ := h.anth.LastRequest()
	if strings.Contains(req.System, "Student profile") {
		t.Error("minimal context should not carry the profile section")
	}
	if !strings.Contains(req.System, "could not be loaded") {
		t.Error("prompt should warn about missing history")
	}
}

func TestRunTurn_CancelledWhileWaiting(t *testing.T) {
	gate := &denyGate{}
	h := newHarness(t, nil, nil, gate, nil, nil)
	release, err := h.engine.Controller.Locker().Acquire(context.Background(), "s1", "test")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := h.engine.Controller.RunTurn(ctx, TurnRequest{StudentID: "s1", Message: "hello"})
	if err == nil || out.State != StateFailed {
		t.Fatalf("expected the turn to fail while waiting, got %v / %s", err, out.State)
	}
	if h.anth.CallCount() != 0 {
		t.Error("model should not be called")
	}
	if gate.calls != 0 {
		t.Errorf("a turn that never ran should not be charged, gate called %d times", gate.calls)
	}
}

func TestEnterSection(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := logging.NewWithCore(core)
	locker := session.NewLocker()

	release, err := enterSection(context.Background(), locker, log, "s1", "turn:t1")
	if err != nil {
		t.Fatalf("enterSection on a free section: %v", err)
	}
	if logs.Len() != 0 {
		t.Errorf("a free section should not log, got %d entries", logs.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := enterSection(ctx, locker, log, "s1", "objectives:login"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while held, got %v", err)
	}
	waits := logs.FilterMessage("waiting for student section").All()
	if len(waits) != 1 || waits[0].ContextMap()["holder"] != "turn:t1" {
		t.Errorf("expected one wait entry naming turn:t1, got %+v", waits)
	}

	release()
	again, err := enterSection(context.Background(), locker, log, "s1", "turn:t2")
	if err != nil {
		t.Fatalf("enterSection after release: %v", err)
	}
	again()
}

func TestRoleFor(t *testing.T) {
	tests := []struct {
		entry string
		want  config.Role
	}{
		{store.EntryOnboarding, config.RoleOnboarding},
		{store.EntryDashboard, config.RoleCounselor},
		{store.EntryPlan, config.RoleCounselor},
		{store.EntryChat, config.RoleCounselor},
		{"", config.RoleCounselor},
	}
	for _, tt := range tests {
		if got := RoleFor(store.EntryContext{EntryPoint: tt.entry}); got != tt.want {
			t.Errorf("RoleFor(%q) = %s, want %s", tt.entry, got, tt.want)
		}
	}
}

func TestTurnMachine_RejectsIllegalTransitions(t *testing.T) {
	m := newTurnMachine(logging.Nop())
	ctx := context.Background()
	if err := m.to(ctx, StateParsing); err == nil {
		t.Error("idle -> parsing should be rejected")
	}
	for _, s := range []State{StateAssemblingContext, StatePrompting, StateAwaitingModel, StateParsing, StatePersisting, StateDone} {
		if err := m.to(ctx, s); err != nil {
			t.Fatalf("to(%s) failed: %v", s, err)
		}
	}
	if err := m.to(ctx, StateFailed); err == nil {
		t.Error("a terminal state should not be left")
	}
	if !m.Current().Terminal() {
		t.Error("done should be terminal")
	}
}

func TestExcerpt(t *testing.T) {
	long := strings.Repeat("a", digestExcerpt+10)
	if got := excerpt(long); len([]rune(got)) != digestExcerpt+3 {
		t.Errorf("excerpt length = %d", len([]rune(got)))
	}
	if got := excerpt("  spaced \n out  "); got != "spaced out" {
		t.Errorf("excerpt = %q", got)
	}
}
