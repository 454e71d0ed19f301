package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// Status is the outcome of one call in a batch.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusDuplicate Status = "duplicate"
)

// CallResult records what happened to one tool call.
type CallResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Batch is the result of executing one reply's tool calls.
type Batch struct {
	Results        []CallResult
	CriticalFailed bool

	// Notes are lines record_note asked to add to the summary.
	Notes []string
	// ObjectiveUpdates are applied at commit time, and only when
	// CriticalFailed is false.
	ObjectiveUpdates []store.ObjectiveUpdate
}

// Partial reports whether any call failed or was skipped. A repeated call ID
// is not counted: its first occurrence already ran.
func (b *Batch) Partial() bool {
	if b == nil {
		return false
	}
	for _, r := range b.Results {
		if r.Status == StatusFailed || r.Status == StatusSkipped {
			return true
		}
	}
	return false
}

// Result finds the first result for callID.
func (b *Batch) Result(callID string) (CallResult, bool) {
	if b == nil {
		return CallResult{}, false
	}
	for _, r := range b.Results {
		if r.CallID == callID {
			return r, true
		}
	}
	return CallResult{}, false
}

// Count returns how many results have status s.
func (b *Batch) Count(s Status) int {
	if b == nil {
		return 0
	}
	n := 0
	for _, r := range b.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Describe renders the batch as "create_goal ok, add_task failed".
func (b *Batch) Describe() string {
	if b == nil || len(b.Results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(b.Results))
	for _, r := range b.Results {
		parts = append(parts, fmt.Sprintf("%s %s", r.Name, r.Status))
	}
	return strings.Join(parts, ", ")
}

// Invocation is what a handler sees of the batch it runs in.
type Invocation struct {
	StudentID string
	CallID    string

	batch *Batch
}

// Earlier returns the result of a call that ran before this one.
func (inv *Invocation) Earlier(callID string) (CallResult, bool) {
	return inv.batch.Result(callID)
}

// Defer queues an objective update for commit time.
func (inv *Invocation) Defer(u store.ObjectiveUpdate) {
	inv.batch.ObjectiveUpdates = append(inv.batch.ObjectiveUpdates, u)
}

// Note queues a summary line.
func (inv *Invocation) Note(text string) {
	inv.batch.Notes = append(inv.batch.Notes, text)
}

// deferred reports whether an update for the objective is already queued.
func (inv *Invocation) deferred(objectiveID string) bool {
	for _, u := range inv.batch.ObjectiveUpdates {
		if u.ID == objectiveID {
			return true
		}
	}
	return false
}
