package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"labelflow/internal/admin"
	"labelflow/internal/engine"
	"labelflow/internal/lock"
	"labelflow/internal/models"
	"labelflow/internal/ratelimit"
	"labelflow/internal/telemetry"
)

// Server wires HTTP handlers for workers and operators.
type Server struct {
	engine  *engine.Engine
	admin   *admin.Service
	limiter *ratelimit.ClaimLimiter
	log     *slog.Logger
}

// New constructs the API server. A nil limiter disables claim rate limiting.
func New(eng *engine.Engine, svc *admin.Service, limiter *ratelimit.ClaimLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  eng,
		admin:   svc,
		limiter: limiter,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/tasks/{taskID}/data", func(r chi.Router) {
			r.Post("/get", s.handleGet)
			r.Post("/release", s.handleRelease)
			r.Put("/commit", s.handleCommit)
		})

		r.Route("/operator/tasks", func(r chi.Router) {
			r.Post("/label", s.handleCreateLabelTask)
			r.Post("/audit", s.handleCreateAuditTask)
			r.Get("/{taskID}", s.handleGetTask)
			r.Patch("/{taskID}", s.handleUpdateTask)
			r.Delete("/{taskID}", s.handleDeleteTask)
			r.Get("/{taskID}/progress", s.handleProgress)
			r.Put("/{taskID}/flows/{index}/teams", s.handleUpdateFlowTeams)
			r.Post("/{taskID}/data", s.handleImportData)
			r.Delete("/{taskID}/data", s.handleClearData)
			r.Post("/{taskID}/users/{userID}/reject", s.handleRejectUserData)
		})
	})
	return r
}

// requireUser rejects requests without an X-User-ID header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// workerFromRequest reads the caller identity and its comma separated teams.
func workerFromRequest(r *http.Request) engine.Worker {
	w := engine.Worker{ID: r.Header.Get("X-User-ID")}
	for _, t := range strings.Split(r.Header.Get("X-User-Teams"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			w.Teams = append(w.Teams, t)
		}
	}
	return w
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json: "+err.Error())
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, models.ErrExhausted):
		status, code = http.StatusNotFound, "data_exhausted"
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrNotOwner):
		status, code = http.StatusForbidden, "not_owner"
	case errors.Is(err, models.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, lock.ErrLockBusy):
		status, code = http.StatusConflict, "task_busy"
	case errors.Is(err, models.ErrPreconditionFailed):
		status, code = http.StatusConflict, "precondition_failed"
	case errors.Is(err, models.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
