// Package store defines the keyed read/write services the counselor engine
// consumes, with in-memory and SQLite renditions.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Profiles is the profile store.
type Profiles interface {
	GetProfile(ctx context.Context, studentID string) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error
	UpdateProfileField(ctx context.Context, studentID, field string, value any) (*Profile, error)
}

// Plans holds goals and tasks. Each call is its own transaction.
type Plans interface {
	CreateGoal(ctx context.Context, g *Goal) error
	GetGoal(ctx context.Context, studentID, goalID string) (*Goal, error)
	ListGoals(ctx context.Context, studentID string) ([]Goal, error)
	UpdateGoalStatus(ctx context.Context, studentID, goalID string, status GoalStatus) error
	AddTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, studentID, goalID string) ([]Task, error)
}

// Conversations holds summaries, entry contexts and the turn log.
type Conversations interface {
	GetSummary(ctx context.Context, studentID string) (*Summary, error)
	SaveEntry(ctx context.Context, studentID string, entry EntryContext) error
	LatestEntry(ctx context.Context, studentID string) (*EntryContext, error)
	ListTurns(ctx context.Context, studentID string, limit int) ([]TurnRecord, error)
	// CommitTurn writes the summary, the objective updates and the turn record
	// together. Updates naming no stored objective are skipped and listed in
	// rec.SkippedObjectives.
	CommitTurn(ctx context.Context, summary Summary, updates []ObjectiveUpdate, rec *TurnRecord) error
}

// Objectives holds the counselor objective list.
type Objectives interface {
	ListObjectives(ctx context.Context, studentID string) ([]Objective, error)
	ReplaceObjectives(ctx context.Context, studentID string, objs []Objective) error
}

// Store bundles every collaborator the engine reads or writes.
type Store interface {
	Profiles
	Plans
	Conversations
	Objectives
	Close() error
}

// Open returns the store selected by driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// PendingObjectives filters objs down to pending ones, keeping order.
func PendingObjectives(objs []Objective) []Objective {
	var out []Objective
	for _, o := range objs {
		if o.Status == ObjectivePending {
			out = append(out, o)
		}
	}
	return out
}

// ProfileFields lists the fields UpdateProfileField accepts.
var ProfileFields = []string{"name", "gpa", "grade_level", "intended_majors", "activities", "target_schools"}

// CheckProfileField reports whether value is acceptable for field without
// writing anything.
func CheckProfileField(field string, value any) error {
	var scratch Profile
	return applyProfileField(&scratch, field, value)
}

// applyProfileField sets one whitelisted field on p.
func applyProfileField(p *Profile, field string, value any) error {
	switch field {
	case "name":
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("name must be a non-empty string")
		}
		p.Name = s
	case "gpa":
		f, ok := toFloat(value)
		if !ok || f < 0 || f > 5 {
			return fmt.Errorf("gpa must be a number between 0 and 5")
		}
		p.GPA = f
	case "grade_level":
		f, ok := toFloat(value)
		if !ok || f < 6 || f > 12 || f != float64(int(f)) {
			return fmt.Errorf("grade_level must be a whole number between 6 and 12")
		}
		p.GradeLevel = int(f)
	case "intended_majors", "activities", "target_schools":
		list, err := toStrings(value)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		switch field {
		case "intended_majors":
			p.IntendedMajors = list
		case "activities":
			p.Activities = list
		default:
			p.TargetSchools = list
		}
	default:
		return fmt.Errorf("field %q cannot be updated", field)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStrings(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{list}, nil
	default:
		return nil, fmt.Errorf("expected a list of strings")
	}
}
