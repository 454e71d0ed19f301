package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed entity does not exist.
var ErrNotFound = errors.New("not found")

// Profile is the student's academic profile as kept by the profile store.
type Profile struct {
	StudentID      string    `json:"student_id"`
	Name           string    `json:"name"`
	GPA            float64   `json:"gpa"`
	GradeLevel     int       `json:"grade_level"`
	IntendedMajors []string  `json:"intended_majors"`
	Activities     []string  `json:"activities"`
	TargetSchools  []string  `json:"target_schools"`
	BillingTier    string    `json:"billing_tier"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GoalStatus is the lifecycle state of a plan goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is a plan entity owned by a student.
type Goal struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	Title     string     `json:"title"`
	Category  string     `json:"category,omitempty"`
	Status    GoalStatus `json:"status"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Task is a step under a goal.
type Task struct {
	ID        string     `json:"id"`
	GoalID    string     `json:"goal_id"`
	StudentID string     `json:"student_id"`
	Title     string     `json:"title"`
	Done      bool       `json:"done"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ObjectiveStatus tracks whether the counselor has covered an objective.
type ObjectiveStatus string

const (
	ObjectivePending   ObjectiveStatus = "pending"
	ObjectiveAddressed ObjectiveStatus = "addressed"
	ObjectiveDropped   ObjectiveStatus = "dropped"
)

// Objective is one counselor objective for upcoming sessions.
type Objective struct {
	ID        string          `json:"id"`
	StudentID string          `json:"student_id"`
	Text      string          `json:"text"`
	Status    ObjectiveStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ObjectiveUpdate is a status change applied when a turn is committed.
type ObjectiveUpdate struct {
	ID     string
	Status ObjectiveStatus
}

// Summary is the rolling digest of a student's conversation.
type Summary struct {
	StudentID string    `json:"student_id"`
	Text      string    `json:"text"`
	TurnCount int       `json:"turn_count"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry points a turn can originate from.
const (
	EntryOnboarding = "onboarding"
	EntryDashboard  = "dashboard"
	EntryPlan       = "plan"
	EntryChat       = "chat"
)

// EntryContext describes where and why a turn started. It is not modified after creation.
type EntryContext struct {
	EntryPoint string    `json:"entry_point"`
	Trigger    string    `json:"trigger"`
	Timestamp  time.Time `json:"timestamp"`
}

// TurnRecord is one row of the append-only turn log.
type TurnRecord struct {
	ID          string       `json:"id"`
	StudentID   string       `json:"student_id"`
	Entry       EntryContext `json:"entry"`
	UserMessage string       `json:"user_message"`
	Reply       string       `json:"reply"`
	FinalState  string       `json:"final_state"`
	Partial     bool         `json:"partial"`
	Degraded    bool         `json:"degraded"`
	ToolCalls   int          `json:"tool_calls"`
	// SkippedObjectives are deferred updates that named no stored objective.
	SkippedObjectives []string  `json:"skipped_objectives,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
