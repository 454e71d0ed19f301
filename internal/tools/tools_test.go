package tools

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

const student = "stu-1"

type fixture struct {
	store   *store.Memory
	router  *Router
	changed []*store.Profile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory()}
	reg, err := NewDefaultRegistry(Deps{
		Profiles:   f.store,
		Plans:      f.store,
		Objectives: f.store,
		ProfileChanged: func(before *store.Profile) {
			f.changed = append(f.changed, before)
		},
	})
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	f.router = NewRouter(reg, logging.Nop())
	return f
}

func call(id, name string, args map[string]any) parser.ToolCall {
	return parser.ToolCall{CallID: id, Name: name, Arguments: args}
}

func statuses(b *Batch) []Status {
	out := make([]Status, 0, len(b.Results))
	for _, r := range b.Results {
		out = append(out, r.Status)
	}
	return out
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	reg := f.router.Registry()

	want := []string{AddTask, CreateGoal, MarkObjectiveAddressed, RecordNote, UpdateGoalStatus, UpdateProfile}
	if got := reg.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	for _, name := range want {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("expected tool %s to be registered", name)
		}
	}

	tool, _ := reg.Get(UpdateProfile)
	if !tool.Critical() {
		t.Error("update_profile should be critical")
	}
	tool, _ = reg.Get(CreateGoal)
	if tool.Critical() {
		t.Error("create_goal should not be critical")
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	noop := func(context.Context, *Invocation, *RecordNoteArgs) (any, error) { return nil, nil }
	_, err := NewRegistry(Define("x", "", false, noop), Define("x", "", false, noop))
	if err == nil {
		t.Fatal("expected an error for a duplicate tool name")
	}
}

func TestRegistryDefinitions(t *testing.T) {
	reg := newFixture(t).router.Registry()

	defs := reg.Definitions()
	if len(defs) != 6 {
		t.Fatalf("expected 6 definitions, got %d", len(defs))
	}
	for _, def := range defs {
		if def.Description == "" {
			t.Errorf("tool %s missing description", def.Name)
		}
		if def.InputSchema == nil {
			t.Errorf("tool %s missing input schema", def.Name)
		}
	}

	subset := reg.Definitions(UpdateProfile, "missing")
	if len(subset) != 1 || subset[0].Name != UpdateProfile {
		t.Errorf("Definitions(update_profile, missing) = %+v", subset)
	}
}

func TestSchemaOf(t *testing.T) {
	schema, err := SchemaOf[CreateGoalArgs]()
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	if schema["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", schema["additionalProperties"])
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "title" {
		t.Errorf("required = %v, want [title]", schema["required"])
	}
	props, _ := schema["properties"].(map[string]any)
	for _, name := range []string{"title", "category", "deadline"} {
		if _, ok := props[name]; !ok {
			t.Errorf("missing property %s", name)
		}
	}
}

func TestProfileFieldEnumMatchesStore(t *testing.T) {
	schema, err := SchemaOf[UpdateProfileArgs]()
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	props := schema["properties"].(map[string]any)
	field := props["field"].(map[string]any)
	enum, _ := field["enum"].([]any)

	var got []string
	for _, v := range enum {
		got = append(got, v.(string))
	}
	if !slices.Equal(got, store.ProfileFields) {
		t.Errorf("field enum = %v, store accepts %v", got, store.ProfileFields)
	}
}

func TestRegistryFeedsParser(t *testing.T) {
	reg := newFixture(t).router.Registry()
	p, err := parser.New(reg)
	if err != nil {
		t.Fatalf("parser.New: %v", err)
	}

	raw := &llm.RawOutput{Text: `{"reply":"Added it.","tool_calls":[{"id":"c1","name":"create_goal","arguments":{"title":"Apply to 5 reach schools"}}]}`}
	out := p.Parse(raw, parser.TagCounselorReply)
	if out.Kind != parser.KindToolCalls {
		t.Fatalf("Kind = %s (%s), want tool_calls", out.Kind, out.Reason)
	}
	if out.Calls[0].Arguments["title"] != "Apply to 5 reach schools" {
		t.Errorf("arguments not preserved: %v", out.Calls[0].Arguments)
	}

	bad := &llm.RawOutput{Text: `{"tool_calls":[{"id":"c1","name":"create_goal","arguments":{}}]}`}
	if out := p.Parse(bad, parser.TagCounselorReply); !out.Malformed() {
		t.Errorf("missing title should be malformed, got %s", out.Kind)
	}
}

func TestExecute_CreateGoal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("c1", CreateGoal, map[string]any{"title": "Apply to 5 reach schools", "deadline": "2026-11-01"}),
	}, Options{})

	if batch.Partial() {
		t.Fatalf("unexpected partial batch: %+v", batch.Results)
	}
	goals, _ := f.store.ListGoals(ctx, student)
	if len(goals) != 1 || goals[0].Title != "Apply to 5 reach schools" {
		t.Fatalf("goals = %+v", goals)
	}
	if goals[0].Deadline == nil || goals[0].Deadline.Format("2006-01-02") != "2026-11-01" {
		t.Errorf("deadline = %v", goals[0].Deadline)
	}
	out, ok := batch.Results[0].Output.(*GoalOutput)
	if !ok || out.GoalID != goals[0].ID {
		t.Errorf("output = %+v", batch.Results[0].Output)
	}
}

func TestExecute_DuplicateCallID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	args := map[string]any{"title": "Visit campuses"}
	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("c1", CreateGoal, args),
		call("c1", CreateGoal, args),
	}, Options{})

	if got := statuses(batch); !slices.Equal(got, []Status{StatusOK, StatusDuplicate}) {
		t.Errorf("statuses = %v", got)
	}
	goals, _ := f.store.ListGoals(ctx, student)
	if len(goals) != 1 {
		t.Errorf("handler ran %d times, want 1", len(goals))
	}
	if batch.Partial() {
		t.Error("a duplicate alone should not make the batch partial")
	}
}

func TestExecute_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("c1", CreateGoal, map[string]any{"title": "Raise SAT score"}),
		call("c2", UpdateGoalStatus, map[string]any{"goal_id": "no-such-goal", "status": "completed"}),
		call("c3", RecordNote, map[string]any{"note": "Prefers small colleges"}),
	}, Options{})

	if got := statuses(batch); !slices.Equal(got, []Status{StatusOK, StatusFailed, StatusOK}) {
		t.Fatalf("statuses = %v", got)
	}
	if !batch.Partial() {
		t.Error("expected a partial batch")
	}
	if batch.CriticalFailed {
		t.Error("a non-critical failure must not set CriticalFailed")
	}
	if !errors.Is(batch.Results[1].Err, cerr.ErrToolExecution) {
		t.Errorf("err = %v, want a tool execution error", batch.Results[1].Err)
	}
	if !slices.Equal(batch.Notes, []string{"Prefers small colleges"}) {
		t.Errorf("notes = %v", batch.Notes)
	}
}

func TestExecute_GoalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("g1", CreateGoal, map[string]any{"title": "Apply early to Rice"}),
		call("t1", AddTask, map[string]any{"goal_ref": "g1", "title": "Draft the essay"}),
		call("t2", AddTask, map[string]any{"goal_ref": "missing", "title": "Ask for letters"}),
	}, Options{})

	if got := statuses(batch); !slices.Equal(got, []Status{StatusOK, StatusOK, StatusSkipped}) {
		t.Fatalf("statuses = %v", got)
	}
	goal := batch.Results[0].Output.(*GoalOutput)
	tasks, _ := f.store.ListTasks(ctx, student, goal.GoalID)
	if len(tasks) != 1 || tasks[0].Title != "Draft the essay" {
		t.Errorf("tasks = %+v", tasks)
	}
	if !errors.Is(batch.Results[2].Err, cerr.ErrInvalidArguments) {
		t.Errorf("unresolved goal_ref err = %v", batch.Results[2].Err)
	}
}

// downProfiles fails every profile write.
type downProfiles struct {
	*store.Memory
}

func (downProfiles) UpdateProfileField(context.Context, string, string, any) (*store.Profile, error) {
	return nil, errors.New("profile service down")
}

func TestExecute_CriticalFailureSkipsRest(t *testing.T) {
	mem := store.NewMemory()
	reg, err := NewDefaultRegistry(Deps{Profiles: downProfiles{mem}, Plans: mem, Objectives: mem})
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	router := NewRouter(reg, logging.Nop())
	ctx := context.Background()

	batch := router.Execute(ctx, student, []parser.ToolCall{
		call("c1", UpdateProfile, map[string]any{"field": "gpa", "value": 3.9}),
		call("c2", CreateGoal, map[string]any{"title": "Never created"}),
	}, Options{})

	if got := statuses(batch); !slices.Equal(got, []Status{StatusFailed, StatusSkipped}) {
		t.Fatalf("statuses = %v", got)
	}
	if !batch.CriticalFailed {
		t.Error("expected CriticalFailed")
	}
	if !errors.Is(batch.Results[0].Err, cerr.ErrToolExecution) {
		t.Errorf("err = %v, want a tool execution error", batch.Results[0].Err)
	}
	goals, _ := mem.ListGoals(ctx, student)
	if len(goals) != 0 {
		t.Errorf("skipped call still wrote %d goals", len(goals))
	}
}

func TestExecute_WrongTypedProfileValue(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value any
	}{
		{"gpa as string", "gpa", "3.9"},
		{"gpa out of range", "gpa", 7.0},
		{"grade level fraction", "grade_level", 10.5},
		{"name as number", "name", 42.0},
		{"majors with a number", "intended_majors", []any{"Biology", 3.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			batch := f.router.Execute(ctx, student, []parser.ToolCall{
				call("c1", UpdateProfile, map[string]any{"field": tt.field, "value": tt.value}),
				call("c2", CreateGoal, map[string]any{"title": "Visit three campuses"}),
			}, Options{})

			if got := statuses(batch); !slices.Equal(got, []Status{StatusSkipped, StatusOK}) {
				t.Fatalf("statuses = %v", got)
			}
			if !errors.Is(batch.Results[0].Err, cerr.ErrInvalidArguments) {
				t.Errorf("err = %v, want invalid arguments", batch.Results[0].Err)
			}
			if batch.CriticalFailed {
				t.Error("a rejected value is not a critical failure")
			}
			if _, err := f.store.GetProfile(ctx, student); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("rejected write should not create a profile, GetProfile err = %v", err)
			}
			if len(f.changed) != 0 {
				t.Errorf("ProfileChanged ran %d times", len(f.changed))
			}
			goals, _ := f.store.ListGoals(ctx, student)
			if len(goals) != 1 {
				t.Errorf("expected the later call to run, got %d goals", len(goals))
			}
		})
	}
}

func TestProfileValueSchema(t *testing.T) {
	reg := newFixture(t).router.Registry()
	if err := reg.Validate(UpdateProfile, map[string]any{"field": "gpa", "value": true}); !errors.Is(err, cerr.ErrInvalidArguments) {
		t.Errorf("boolean value: err = %v, want invalid arguments", err)
	}
	for _, v := range []any{"Maya", 3.8, []any{"Biology"}} {
		if err := reg.Validate(UpdateProfile, map[string]any{"field": "name", "value": v}); err != nil {
			t.Errorf("value %v should match the schema: %v", v, err)
		}
	}

	p, err := parser.New(reg)
	if err != nil {
		t.Fatalf("parser.New: %v", err)
	}
	raw := &llm.RawOutput{Text: `{"tool_calls":[{"id":"c1","name":"update_profile","arguments":{"field":"gpa","value":{"score":3.9}}}]}`}
	if out := p.Parse(raw, parser.TagOnboardingReply); !out.Malformed() {
		t.Errorf("object value should be malformed, got %s", out.Kind)
	}
}

func TestExecute_UnknownAndInvalid(t *testing.T) {
	tests := []struct {
		name    string
		call    parser.ToolCall
		opts    Options
		wantErr error
	}{
		{
			name:    "unregistered tool",
			call:    call("c1", "delete_everything", map[string]any{}),
			wantErr: cerr.ErrUnknownTool,
		},
		{
			name:    "tool outside allowed set",
			call:    call("c1", CreateGoal, map[string]any{"title": "x"}),
			opts:    Options{Allowed: []string{UpdateProfile}},
			wantErr: cerr.ErrUnknownTool,
		},
		{
			name:    "missing required argument",
			call:    call("c1", CreateGoal, map[string]any{}),
			wantErr: cerr.ErrInvalidArguments,
		},
		{
			name:    "unexpected argument",
			call:    call("c1", CreateGoal, map[string]any{"title": "x", "color": "blue"}),
			wantErr: cerr.ErrInvalidArguments,
		},
		{
			name:    "bad enum",
			call:    call("c1", UpdateGoalStatus, map[string]any{"goal_id": "g", "status": "paused"}),
			wantErr: cerr.ErrInvalidArguments,
		},
		{
			name:    "task without a goal",
			call:    call("c1", AddTask, map[string]any{"title": "Orphan"}),
			wantErr: cerr.ErrInvalidArguments,
		},
		{
			name:    "bad date",
			call:    call("c1", CreateGoal, map[string]any{"title": "x", "deadline": "next week"}),
			wantErr: cerr.ErrInvalidArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			batch := f.router.Execute(context.Background(), student, []parser.ToolCall{tt.call}, tt.opts)
			res := batch.Results[0]
			if res.Status != StatusSkipped {
				t.Errorf("status = %s, want skipped", res.Status)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("err = %v, want %v", res.Err, tt.wantErr)
			}
		})
	}
}

func TestExecute_UpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("c1", UpdateProfile, map[string]any{"field": "gpa", "value": 3.8}),
		call("c2", UpdateProfile, map[string]any{"field": "intended_majors", "value": []any{"Biology"}}),
	}, Options{})

	if batch.Partial() {
		t.Fatalf("unexpected partial batch: %+v", batch.Results)
	}
	p, err := f.store.GetProfile(ctx, student)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.GPA != 3.8 || !slices.Equal(p.IntendedMajors, []string{"Biology"}) {
		t.Errorf("profile = %+v", p)
	}
	if len(f.changed) != 2 {
		t.Fatalf("ProfileChanged ran %d times, want 2", len(f.changed))
	}
	if f.changed[1].GPA != 3.8 {
		t.Errorf("second hook should see the profile before its own write, got GPA %v", f.changed[1].GPA)
	}
}

func TestExecute_MarkObjectiveIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.store.ReplaceObjectives(ctx, student, []store.Objective{
		{ID: "o1", StudentID: student, Text: "Discuss test plans", Status: store.ObjectivePending},
		{ID: "o2", StudentID: student, Text: "Old topic", Status: store.ObjectiveAddressed},
	})
	if err != nil {
		t.Fatalf("ReplaceObjectives: %v", err)
	}

	batch := f.router.Execute(ctx, student, []parser.ToolCall{
		call("c1", MarkObjectiveAddressed, map[string]any{"objective_id": "o1"}),
		call("c2", MarkObjectiveAddressed, map[string]any{"objective_id": "o2"}),
	}, Options{})

	if got := statuses(batch); !slices.Equal(got, []Status{StatusOK, StatusSkipped}) {
		t.Fatalf("statuses = %v", got)
	}
	want := []store.ObjectiveUpdate{{ID: "o1", Status: store.ObjectiveAddressed}}
	if !slices.Equal(batch.ObjectiveUpdates, want) {
		t.Errorf("ObjectiveUpdates = %+v", batch.ObjectiveUpdates)
	}
	objs, _ := f.store.ListObjectives(ctx, student)
	for _, o := range objs {
		if o.ID == "o1" && o.Status != store.ObjectivePending {
			t.Error("objective status changed before commit")
		}
	}
}

func TestExecute_OnResult(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.router.Execute(context.Background(), student, []parser.ToolCall{
		call("c1", RecordNote, map[string]any{"note": "  Loves   robotics "}),
		call("c2", "nope", nil),
	}, Options{OnResult: func(r CallResult) { seen = append(seen, r.CallID+":"+string(r.Status)) }})

	if got := strings.Join(seen, ","); got != "c1:ok,c2:skipped" {
		t.Errorf("OnResult saw %s", got)
	}
}

func TestBatchDescribe(t *testing.T) {
	b := &Batch{Results: []CallResult{
		{Name: CreateGoal, Status: StatusOK},
		{Name: AddTask, Status: StatusFailed},
	}}
	if got := b.Describe(); got != "create_goal ok, add_task failed" {
		t.Errorf("Describe() = %q", got)
	}
	if b.Count(StatusOK) != 1 {
		t.Errorf("Count(ok) = %d", b.Count(StatusOK))
	}
	var nilBatch *Batch
	if nilBatch.Partial() || nilBatch.Describe() != "" {
		t.Error("nil batch should be empty")
	}
}
