// Package api serves builds and the state of active workers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/RugbyTeam/Rugby/internal/registry"
	"github.com/RugbyTeam/Rugby/internal/service"
)

// Builds reads the build registry.
type Builds interface {
	Get(ctx context.Context, id string) (model.BuildRecord, error)
	List(ctx context.Context) ([]model.BuildRecord, error)
}

// Supervisor starts builds and reports active workers.
type Supervisor interface {
	Start(ctx context.Context, spec model.JobSpec, callbacks ...service.Callback) error
	Status() map[string]service.WorkerView
}

type Server struct {
	builds     Builds
	supervisor Supervisor
}

func New(builds Builds, supervisor Supervisor) *Server {
	return &Server{builds: builds, supervisor: supervisor}
}

// Handler returns the routes:
//
//	POST /builds       start a build
//	GET  /builds       list builds
//	GET  /builds/{id}  get a build
//	GET  /status       active workers
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Route("/builds", func(r chi.Router) {
		r.Post("/", s.startBuild)
		r.Get("/", s.listBuilds)
		r.Get("/{id}", s.getBuild)
	})
	r.Get("/status", s.status)
	return r
}

type startResponse struct {
	ID string `json:"id"`
}

func (s *Server) startBuild(w http.ResponseWriter, r *http.Request) {
	var spec model.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "decoding job spec: "+err.Error())
		return
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	// the build outlives the request
	ctx := context.WithoutCancel(r.Context())
	err := s.supervisor.Start(ctx, spec)
	switch {
	case errors.Is(err, model.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJobActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.ErrorContext(r.Context(), "starting build", "job_id", spec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, startResponse{ID: spec.ID})
	}
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.builds.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "listing builds", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if builds == nil {
		builds = []model.BuildRecord{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.builds.Get(r.Context(), id)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		slog.ErrorContext(r.Context(), "getting build", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Status())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
		)
	})
}
