package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. A single mutex makes every method atomic.
type Memory struct {
	mu         sync.RWMutex
	profiles   map[string]Profile
	goals      map[string][]Goal // by student, in creation order
	tasks      map[string][]Task // by goal
	summaries  map[string]Summary
	entries    map[string]EntryContext
	turns      map[string][]TurnRecord
	objectives map[string][]Objective
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		profiles:   make(map[string]Profile),
		goals:      make(map[string][]Goal),
		tasks:      make(map[string][]Task),
		summaries:  make(map[string]Summary),
		entries:    make(map[string]EntryContext),
		turns:      make(map[string][]TurnRecord),
		objectives: make(map[string][]Objective),
	}
}

// GetProfile returns a copy of the student's profile.
func (m *Memory) GetProfile(_ context.Context, studentID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[studentID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", studentID, ErrNotFound)
	}
	return cloneProfile(p), nil
}

// SaveProfile inserts or replaces a profile.
func (m *Memory) SaveProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cloneProfile(*p)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.profiles[p.StudentID] = cp
	return nil
}

// UpdateProfileField sets one whitelisted field.
func (m *Memory) UpdateProfileField(_ context.Context, studentID, field string, value any) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[studentID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", studentID, ErrNotFound)
	}
	p = *cloneProfile(p)
	if err := applyProfileField(&p, field, value); err != nil {
		return nil, err
	}
	m.profiles[studentID] = p
	return cloneProfile(p), nil
}

// CreateGoal stores g, assigning an ID and timestamps when missing.
func (m *Memory) CreateGoal(_ context.Context, g *Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	m.goals[g.StudentID] = append(m.goals[g.StudentID], *g)
	return nil
}

// GetGoal returns one goal owned by the student.
func (m *Memory) GetGoal(_ context.Context, studentID, goalID string) (*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.goals[studentID] {
		if g.ID == goalID {
			return &g, nil
		}
	}
	return nil, fmt.Errorf("goal %s: %w", goalID, ErrNotFound)
}

// ListGoals returns the student's goals in creation order.
func (m *Memory) ListGoals(_ context.Context, studentID string) ([]Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Goal(nil), m.goals[studentID]...), nil
}

// UpdateGoalStatus changes a goal's status.
func (m *Memory) UpdateGoalStatus(_ context.Context, studentID, goalID string, status GoalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	goals := m.goals[studentID]
	for i := range goals {
		if goals[i].ID == goalID {
			goals[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("goal %s: %w", goalID, ErrNotFound)
}

// AddTask stores t under an existing goal of the same student.
func (m *Memory) AddTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, g := range m.goals[t.StudentID] {
		if g.ID == t.GoalID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("goal %s: %w", t.GoalID, ErrNotFound)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tasks[t.GoalID] = append(m.tasks[t.GoalID], *t)
	return nil
}

// ListTasks returns tasks under a goal.
func (m *Memory) ListTasks(_ context.Context, studentID, goalID string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks[goalID] {
		if t.StudentID == studentID {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetSummary returns the student's summary, or an empty one.
func (m *Memory) GetSummary(_ context.Context, studentID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[studentID]
	if !ok {
		return &Summary{StudentID: studentID}, nil
	}
	return &s, nil
}

// SaveEntry records the latest entry context.
func (m *Memory) SaveEntry(_ context.Context, studentID string, entry EntryContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[studentID] = entry
	return nil
}

// LatestEntry returns the most recent entry context.
func (m *Memory) LatestEntry(_ context.Context, studentID string) (*EntryContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[studentID]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", studentID, ErrNotFound)
	}
	return &e, nil
}

// ListTurns returns up to limit most recent turns, oldest first. limit <= 0 returns all.
func (m *Memory) ListTurns(_ context.Context, studentID string, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[studentID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]TurnRecord(nil), turns...), nil
}

// CommitTurn applies summary, objective updates and the turn record under one lock.
func (m *Memory) CommitTurn(_ context.Context, summary Summary, updates []ObjectiveUpdate, rec *TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	objs := append([]Objective(nil), m.objectives[summary.StudentID]...)
	now := time.Now().UTC()
	var skipped []string
	for _, u := range updates {
		idx := -1
		for i := range objs {
			if objs[i].ID == u.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			skipped = append(skipped, u.ID)
			continue
		}
		objs[idx].Status = u.Status
		objs[idx].UpdatedAt = now
	}

	prev := m.summaries[summary.StudentID]
	summary.Version = prev.Version + 1
	summary.UpdatedAt = now
	m.summaries[summary.StudentID] = summary
	m.objectives[summary.StudentID] = objs

	if rec != nil {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.SkippedObjectives = skipped
		m.turns[summary.StudentID] = append(m.turns[summary.StudentID], *rec)
	}
	return nil
}

// ListObjectives returns all objectives in order, including addressed and dropped ones.
func (m *Memory) ListObjectives(_ context.Context, studentID string) ([]Objective, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Objective(nil), m.objectives[studentID]...), nil
}

// ReplaceObjectives stores the full ordered list.
func (m *Memory) ReplaceObjectives(_ context.Context, studentID string, objs []Objective) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Objective, len(objs))
	for i, o := range objs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		o.StudentID = studentID
		out[i] = o
	}
	m.objectives[studentID] = out
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func cloneProfile(p Profile) *Profile {
	p.IntendedMajors = append([]string(nil), p.IntendedMajors...)
	p.Activities = append([]string(nil), p.Activities...)
	p.TargetSchools = append([]string(nil), p.TargetSchools...)
	return &p
}
