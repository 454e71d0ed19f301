package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abdul-hamid-achik/counselor/internal/agent"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/store"
	"github.com/abdul-hamid-achik/counselor/internal/tools"
)

// TurnRequest is the body of POST /v1/students/{id}/turns. The billing tier is
// not part of it: it is read from the student's profile.
type TurnRequest struct {
	Message    string `json:"message" validate:"required,max=4000"`
	EntryPoint string `json:"entry_point,omitempty" validate:"omitempty,oneof=onboarding dashboard plan chat"`
	Trigger    string `json:"trigger,omitempty" validate:"max=100"`
}

// ToolResult is one executed call in a turn response.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TurnResponse is the result of a completed turn.
type TurnResponse struct {
	TurnID         string       `json:"turn_id"`
	State          string       `json:"state"`
	Reply          string       `json:"reply"`
	Partial        bool         `json:"partial"`
	Degraded       bool         `json:"degraded"`
	MinimalContext bool         `json:"minimal_context,omitempty"`
	Tools          []ToolResult `json:"tools,omitempty"`
	Retries        int          `json:"retries"`
	Vendor         string       `json:"vendor,omitempty"`
	Model          string       `json:"model,omitempty"`
}

// PostTurn runs one counselor turn.
func (h *Handler) PostTurn(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	var body TurnRequest
	if !h.decode(w, r, &body) {
		return
	}

	tier := h.profileTier(r, studentID)
	out, err := h.engine.Controller.RunTurn(r.Context(), agent.TurnRequest{
		StudentID: studentID,
		Message:   body.Message,
		Entry: store.EntryContext{
			EntryPoint: body.EntryPoint,
			Trigger:    body.Trigger,
			Timestamp:  time.Now().UTC(),
		},
		Tier: tier,
	})
	if err != nil {
		turnID := ""
		if out != nil {
			turnID = out.TurnID
		}
		h.writeError(w, err, turnID)
		return
	}
	JSON(w, http.StatusOK, newTurnResponse(out))
}

// profileTier is the tier the gate charges. A student without a profile, or
// whose profile cannot be read, is charged as free.
func (h *Handler) profileTier(r *http.Request, studentID string) string {
	p, err := h.engine.Store.GetProfile(r.Context(), studentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.log.Warn("could not read billing tier", logging.StudentID(studentID), logging.Error(err))
		}
		return ""
	}
	return p.BillingTier
}

func newTurnResponse(out *agent.TurnOutcome) TurnResponse {
	resp := TurnResponse{
		TurnID:         out.TurnID,
		State:          string(out.State),
		Reply:          out.Reply,
		Partial:        out.Partial,
		Degraded:       out.Degraded,
		MinimalContext: out.MinimalContext,
		Retries:        len(out.RetryEvents),
		Vendor:         string(out.Vendor),
		Model:          out.Model,
	}
	if out.Batch != nil {
		for _, res := range out.Batch.Results {
			tr := ToolResult{CallID: res.CallID, Name: res.Name, Status: string(res.Status)}
			if res.Err != nil && res.Status != tools.StatusOK {
				tr.Error = res.Err.Error()
			}
			resp.Tools = append(resp.Tools, tr)
		}
	}
	return resp
}

// ListTurns returns the most recent turn records. ?limit= caps the count.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := h.engine.Store.ListTurns(r.Context(), studentID, limit)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	if turns == nil {
		turns = []store.TurnRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// ListObjectives returns the student's objectives. ?status= filters them.
func (h *Handler) ListObjectives(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	objs, err := h.engine.Store.ListObjectives(r.Context(), studentID)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	status := strings.ToLower(r.URL.Query().Get("status"))
	out := make([]store.Objective, 0, len(objs))
	for _, o := range objs {
		if status == "" || string(o.Status) == status {
			out = append(out, o)
		}
	}
	JSON(w, http.StatusOK, map[string]any{"objectives": out})
}

func (h *Handler) triggerObjectives(trigger agent.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "id")
		if !h.engine.Dispatcher.Trigger(studentID, trigger) {
			Error(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "trigger": string(trigger)})
	}
}
