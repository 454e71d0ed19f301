package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// Built-in tool names.
const (
	CreateGoal             = "create_goal"
	AddTask                = "add_task"
	UpdateGoalStatus       = "update_goal_status"
	UpdateProfile          = "update_profile"
	MarkObjectiveAddressed = "mark_objective_addressed"
	RecordNote             = "record_note"
)

const dateLayout = "2006-01-02"

// Deps are the stores the built-in tools write to.
type Deps struct {
	Profiles   store.Profiles
	Plans      store.Plans
	Objectives store.Objectives

	// ProfileChanged runs after update_profile commits, with the profile as it
	// was before the write.
	ProfileChanged func(before *store.Profile)
}

// CreateGoalArgs are the arguments of create_goal.
type CreateGoalArgs struct {
	Title    string `json:"title" jsonschema:"required,minLength=1,maxLength=200" jsonschema_description:"Short goal title, for example: Apply to 5 reach schools" validate:"required,max=200"`
	Category string `json:"category,omitempty" jsonschema:"enum=academics,enum=testing,enum=applications,enum=extracurricular,enum=financial_aid,enum=other" validate:"omitempty,oneof=academics testing applications extracurricular financial_aid other"`
	Deadline string `json:"deadline,omitempty" jsonschema:"format=date" jsonschema_description:"Target date as YYYY-MM-DD" validate:"omitempty,datetime=2006-01-02"`
}

// AddTaskArgs are the arguments of add_task. Exactly one of GoalID or GoalRef
// is needed; GoalID wins when both are set.
type AddTaskArgs struct {
	GoalID  string `json:"goal_id,omitempty" jsonschema_description:"ID of an existing goal" validate:"required_without=GoalRef"`
	GoalRef string `json:"goal_ref,omitempty" jsonschema_description:"id of a create_goal call made earlier in this same reply" validate:"required_without=GoalID"`
	Title   string `json:"title" jsonschema:"required,minLength=1,maxLength=200" validate:"required,max=200"`
	DueDate string `json:"due_date,omitempty" jsonschema:"format=date" jsonschema_description:"Due date as YYYY-MM-DD" validate:"omitempty,datetime=2006-01-02"`
}

// UpdateGoalStatusArgs are the arguments of update_goal_status.
type UpdateGoalStatusArgs struct {
	GoalID string `json:"goal_id" jsonschema:"required,minLength=1" validate:"required"`
	Status string `json:"status" jsonschema:"required,enum=active,enum=completed,enum=abandoned" validate:"required,oneof=active completed abandoned"`
}

// UpdateProfileArgs are the arguments of update_profile.
type UpdateProfileArgs struct {
	Field string `json:"field" jsonschema:"required,enum=name,enum=gpa,enum=grade_level,enum=intended_majors,enum=activities,enum=target_schools" validate:"required,oneof=name gpa grade_level intended_majors activities target_schools"`
	Value any    `json:"value" jsonschema:"required,oneof_type=string;number;array" jsonschema_description:"New value: a string for name, a number for gpa and grade_level, a list of strings otherwise"`
}

// MarkObjectiveArgs are the arguments of mark_objective_addressed.
type MarkObjectiveArgs struct {
	ObjectiveID string `json:"objective_id" jsonschema:"required,minLength=1" jsonschema_description:"ID shown in brackets in the objectives list" validate:"required"`
}

// RecordNoteArgs are the arguments of record_note.
type RecordNoteArgs struct {
	Note string `json:"note" jsonschema:"required,minLength=1,maxLength=500" jsonschema_description:"One line worth remembering about the student" validate:"required,max=500"`
}

// GoalOutput is returned by create_goal and update_goal_status.
type GoalOutput struct {
	GoalID string `json:"goal_id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status"`
}

// TaskOutput is returned by add_task.
type TaskOutput struct {
	TaskID string `json:"task_id"`
	GoalID string `json:"goal_id"`
}

// ProfileOutput is returned by update_profile.
type ProfileOutput struct {
	Field string `json:"field"`
}

// DeferredOutput is returned by tools whose effect lands at commit time.
type DeferredOutput struct {
	ID       string `json:"id,omitempty"`
	Deferred bool   `json:"deferred"`
}

// Builtins returns the counselor tool set bound to deps.
func Builtins(deps Deps) []Tool {
	h := handlers{deps: deps}
	return []Tool{
		Define(CreateGoal, "Create a new goal in the student's plan.", false, h.createGoal),
		Define(AddTask, "Add a task under a goal. Use goal_ref to point at a create_goal call earlier in the same reply.", false, h.addTask),
		Define(UpdateGoalStatus, "Mark a goal active, completed or abandoned.", false, h.updateGoalStatus),
		Define(UpdateProfile, "Update one field of the student's academic profile.", true, h.updateProfile),
		Define(MarkObjectiveAddressed, "Mark a counselor objective as addressed in this conversation.", false, h.markObjective),
		Define(RecordNote, "Remember a short note about the student for later sessions.", false, h.recordNote),
	}
}

// NewDefaultRegistry builds a registry holding Builtins(deps).
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	return NewRegistry(Builtins(deps)...)
}

type handlers struct {
	deps Deps
}

func (h handlers) createGoal(ctx context.Context, inv *Invocation, args *CreateGoalArgs) (any, error) {
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return nil, cerr.InvalidArguments(CreateGoal, "title is blank")
	}
	g := &store.Goal{
		StudentID: inv.StudentID,
		Title:     title,
		Category:  args.Category,
		Status:    store.GoalActive,
		Deadline:  parseDate(args.Deadline),
	}
	if err := h.deps.Plans.CreateGoal(ctx, g); err != nil {
		return nil, err
	}
	return &GoalOutput{GoalID: g.ID, Title: g.Title, Status: string(g.Status)}, nil
}

func (h handlers) addTask(ctx context.Context, inv *Invocation, args *AddTaskArgs) (any, error) {
	goalID := args.GoalID
	if goalID == "" {
		ref, ok := inv.Earlier(args.GoalRef)
		goal, isGoal := ref.Output.(*GoalOutput)
		if !ok || ref.Name != CreateGoal || ref.Status != StatusOK || !isGoal {
			return nil, cerr.InvalidArguments(AddTask, fmt.Sprintf("goal_ref %q does not name a goal created earlier in this reply", args.GoalRef))
		}
		goalID = goal.GoalID
	}
	t := &store.Task{
		GoalID:    goalID,
		StudentID: inv.StudentID,
		Title:     strings.TrimSpace(args.Title),
		DueDate:   parseDate(args.DueDate),
	}
	if err := h.deps.Plans.AddTask(ctx, t); err != nil {
		return nil, err
	}
	return &TaskOutput{TaskID: t.ID, GoalID: goalID}, nil
}

func (h handlers) updateGoalStatus(ctx context.Context, inv *Invocation, args *UpdateGoalStatusArgs) (any, error) {
	if err := h.deps.Plans.UpdateGoalStatus(ctx, inv.StudentID, args.GoalID, store.GoalStatus(args.Status)); err != nil {
		return nil, err
	}
	return &GoalOutput{GoalID: args.GoalID, Status: args.Status}, nil
}

func (h handlers) updateProfile(ctx context.Context, inv *Invocation, args *UpdateProfileArgs) (any, error) {
	if args.Value == nil {
		return nil, cerr.InvalidArguments(UpdateProfile, "value is required")
	}
	if err := store.CheckProfileField(args.Field, args.Value); err != nil {
		return nil, cerr.InvalidArguments(UpdateProfile, err.Error())
	}
	before, err := h.deps.Profiles.GetProfile(ctx, inv.StudentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// first fact collected during onboarding
		before = &store.Profile{StudentID: inv.StudentID}
		if err := h.deps.Profiles.SaveProfile(ctx, before); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if _, err := h.deps.Profiles.UpdateProfileField(ctx, inv.StudentID, args.Field, args.Value); err != nil {
		return nil, err
	}
	if h.deps.ProfileChanged != nil {
		h.deps.ProfileChanged(before)
	}
	return &ProfileOutput{Field: args.Field}, nil
}

func (h handlers) markObjective(ctx context.Context, inv *Invocation, args *MarkObjectiveArgs) (any, error) {
	objs, err := h.deps.Objectives.ListObjectives(ctx, inv.StudentID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, o := range store.PendingObjectives(objs) {
		if o.ID == args.ObjectiveID {
			found = true
			break
		}
	}
	if !found {
		return nil, cerr.InvalidArguments(MarkObjectiveAddressed, fmt.Sprintf("no pending objective %q", args.ObjectiveID))
	}
	if !inv.deferred(args.ObjectiveID) {
		inv.Defer(store.ObjectiveUpdate{ID: args.ObjectiveID, Status: store.ObjectiveAddressed})
	}
	return &DeferredOutput{ID: args.ObjectiveID, Deferred: true}, nil
}

func (h handlers) recordNote(_ context.Context, inv *Invocation, args *RecordNoteArgs) (any, error) {
	note := strings.Join(strings.Fields(args.Note), " ")
	if note == "" {
		return nil, cerr.InvalidArguments(RecordNote, "note is blank")
	}
	inv.Note(note)
	return &DeferredOutput{Deferred: true}, nil
}

// parseDate reads a validated YYYY-MM-DD value. Empty input is no date.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
