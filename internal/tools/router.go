// Package tools holds the counselor tool catalogue and the router that runs a
// reply's tool calls against the stores.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
)

// Options tune one Execute call.
type Options struct {
	// Allowed limits execution to these tool names. Empty allows every
	// registered tool.
	Allowed []string
	// OnResult observes each result as soon as it is recorded.
	OnResult func(CallResult)
}

// Router executes validated tool calls in order.
type Router struct {
	registry *Registry
	log      *logging.Logger
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, log *logging.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{registry: registry, log: log.WithPrefix("tools")}
}

// Registry returns the catalogue the router dispatches to.
func (r *Router) Registry() *Registry { return r.registry }

// Execute runs calls sequentially for one student. Per-call problems are
// recorded on the batch rather than returned.
func (r *Router) Execute(ctx context.Context, studentID string, calls []parser.ToolCall, opts Options) *Batch {
	batch := &Batch{}
	seen := make(map[string]bool, len(calls))

	record := func(res CallResult) {
		batch.Results = append(batch.Results, res)
		if opts.OnResult != nil {
			opts.OnResult(res)
		}
	}

	for _, call := range calls {
		log := r.log.With(logging.StudentID(studentID), logging.ToolName(call.Name), logging.CallID(call.CallID))

		if seen[call.CallID] {
			log.Event(logging.EventToolDuplicate)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusDuplicate})
			continue
		}
		seen[call.CallID] = true

		if batch.CriticalFailed {
			log.Event(logging.EventToolSkipped, logging.Reason("critical failure earlier in batch"))
			log.Metrics().RecordToolSkipped(call.Name)
			record(CallResult{
				CallID: call.CallID,
				Name:   call.Name,
				Status: StatusSkipped,
				Err:    errors.New("skipped after a critical tool failed"),
			})
			continue
		}

		tool, ok := r.registry.Get(call.Name)
		if !ok || (len(opts.Allowed) > 0 && !slices.Contains(opts.Allowed, call.Name)) {
			err := cerr.UnknownTool(call.Name)
			log.Event(logging.EventToolSkipped, logging.Error(err))
			log.Metrics().RecordToolSkipped(call.Name)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusSkipped, Err: err})
			continue
		}

		if err := r.registry.Validate(call.Name, call.Arguments); err != nil {
			log.Event(logging.EventToolSkipped, logging.Error(err))
			log.Metrics().RecordToolSkipped(call.Name)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusSkipped, Err: err})
			continue
		}

		log.Event(logging.EventToolStart)
		start := time.Now()
		inv := &Invocation{StudentID: studentID, CallID: call.CallID, batch: batch}
		output, err := r.run(ctx, tool, inv, call.Arguments)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			log.Event(logging.EventToolComplete, logging.Duration(elapsed))
			log.Metrics().RecordToolCall(call.Name, elapsed, nil)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusOK, Output: output, Duration: elapsed})

		case errors.Is(err, cerr.ErrInvalidArguments):
			log.Event(logging.EventToolSkipped, logging.Error(err))
			log.Metrics().RecordToolSkipped(call.Name)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusSkipped, Err: err, Duration: elapsed})

		default:
			execErr := cerr.ToolExecution(call.Name, err)
			log.Event(logging.EventToolError, logging.Error(execErr), logging.Duration(elapsed))
			log.Metrics().RecordToolCall(call.Name, elapsed, execErr)
			record(CallResult{CallID: call.CallID, Name: call.Name, Status: StatusFailed, Err: execErr, Duration: elapsed})
			if tool.Critical() {
				batch.CriticalFailed = true
			}
		}
	}
	return batch
}

// run shields the batch from a panicking handler.
func (r *Router) run(ctx context.Context, tool Tool, inv *Invocation, input map[string]any) (output any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return tool.Execute(ctx, inv, input)
}
