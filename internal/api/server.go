// Package api exposes runs and tasks over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/llm"
	"github.com/vietddude/promptloop/internal/infra/storage"
	"github.com/vietddude/promptloop/internal/orchestrator"
	"github.com/vietddude/promptloop/internal/task"
	"github.com/vietddude/promptloop/internal/validation"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	maxBodyBytes       = 4 << 20
)

var errBadRequest = errors.New("bad request")

// Deps are the services the API fronts.
type Deps struct {
	Manager      *task.Manager
	Orchestrator *orchestrator.Orchestrator
	Resolver     task.Resolver
	Monitor      *Monitor
	Policy       domain.RetryPolicy // applied under any per-request overrides
}

// Server provides the HTTP endpoints.
type Server struct {
	deps   Deps
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new API server listening on port.
func NewServer(deps Deps, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		deps: deps,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "api"),
	}

	mux.HandleFunc("POST /v1/run", s.handleRun)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks", s.handleList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/tasks/{id}/wait", s.handleWait)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// runRequest is the body of POST /v1/run and POST /v1/tasks.
type runRequest struct {
	domain.Request
	Policy json.RawMessage `json:"policy,omitempty"`
}

// taskView adds derived fields to a task snapshot.
type taskView struct {
	*domain.Task
	LastResponse string `json:"last_response,omitempty"`
}

type errorBody struct {
	Error     string                 `json:"error"`
	ErrorKind domain.ErrorKind       `json:"error_kind,omitempty"`
	Attempts  []domain.AttemptRecord `json:"attempts,omitempty"`
	Last      string                 `json:"last_response,omitempty"`
	Task      *taskView              `json:"task,omitempty"`
}

func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (domain.Request, domain.RetryPolicy, error) {
	var body runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return domain.Request{}, domain.RetryPolicy{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	policy := s.deps.Policy.Clone()
	if len(body.Policy) > 0 {
		if err := json.Unmarshal(body.Policy, &policy); err != nil {
			return domain.Request{}, domain.RetryPolicy{}, fmt.Errorf("%w: policy: %v", errBadRequest, err)
		}
	}
	return body.Request, policy, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, policy, err := s.decodeRun(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	transport, err := s.deps.Resolver.Resolve(req.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.deps.Orchestrator.Run(r.Context(), orchestrator.Run{
		Request:   req,
		Policy:    policy,
		Transport: transport,
	})
	if err != nil {
		kind := orchestrator.Kind(err)
		if kind == domain.KindInternal || kind == domain.KindCancelled || kind == domain.KindTimeout {
			s.writeError(w, err)
			return
		}
		body := errorBody{Error: err.Error(), ErrorKind: kind, Attempts: res.Attempts}
		var esc *orchestrator.EscalationError
		if errors.As(err, &esc) {
			body.Last = esc.LastResponse
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response": res.Response,
		"attempts": res.Attempts,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, policy, err := s.decodeRun(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.deps.Manager.Submit(r.Context(), req, policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(domain.TaskPending),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := storage.TaskFilter{Status: domain.TaskStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, fmt.Errorf("%w: unknown status %q", errBadRequest, filter.Status))
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.deps.Manager.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Manager.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(t))
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, fmt.Errorf("%w: invalid timeout %q", errBadRequest, v))
			return
		}
		timeout = min(d, maxWaitTimeout)
	}

	t, err := s.deps.Manager.Wait(r.Context(), r.PathValue("id"), timeout)
	if errors.Is(err, task.ErrWaitTimeout) {
		writeJSON(w, http.StatusRequestTimeout, errorBody{Error: err.Error(), Task: view(t)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(t))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(t))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.CheckHealth(r.Context()))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrWaitTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, validation.ErrUnknownStrategy),
		errors.Is(err, llm.ErrNoTransport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func view(t *domain.Task) *taskView {
	if t == nil {
		return nil
	}
	return &taskView{Task: t, LastResponse: t.LastResponse()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
