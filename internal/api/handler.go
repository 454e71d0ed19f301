// Package api exposes the counselor engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/abdul-hamid-achik/counselor/internal/agent"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Handler serves the counselor routes.
type Handler struct {
	engine   *agent.Engine
	log      *logging.Logger
	validate *validator.Validate
}

// NewHandler creates a Handler over a wired engine.
func NewHandler(engine *agent.Engine, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		engine:   engine,
		log:      log.WithPrefix("api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router returns the full route tree with the standard middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the student routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics", h.Metrics)
		r.Route("/students/{id}", func(r chi.Router) {
			r.Post("/turns", h.PostTurn)
			r.Get("/turns", h.ListTurns)
			r.Get("/objectives", h.ListObjectives)
			r.Post("/events/login", h.triggerObjectives(agent.TriggerLogin))
			r.Post("/events/conversation-end", h.triggerObjectives(agent.TriggerConversationEnd))
		})
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics returns the in-process counters.
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.log.Metrics().GetSnapshot())
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	TurnID string `json:"turn_id,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, cerr.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, cerr.ErrContextUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, cerr.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, cerr.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, turnID string) {
	status := StatusFor(err)
	msg := cerr.UserMessage(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", logging.Error(err))
		msg = "internal error"
	}
	JSON(w, status, ErrorBody{Error: msg, Code: string(cerr.KindOf(err)), TurnID: turnID})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		Error(w, http.StatusBadRequest, describe(err))
		return false
	}
	return true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	return "invalid " + fe.Field() + ": failed " + fe.Tag()
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", ww.Status()),
			logging.F("request_id", chiMiddleware.GetReqID(r.Context())),
			logging.DurationSince(start),
		)
	})
}
