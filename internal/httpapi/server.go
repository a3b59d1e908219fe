// Package httpapi exposes an engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/graph/store"
	"github.com/dshills/swegraph/internal/logging"
)

// Engine is the part of *graph.Engine the API serves.
type Engine interface {
	Start(ctx context.Context, initial graph.State) (string, error)
	Run(ctx context.Context, sessionID string, initial graph.State) (graph.RunResult, error)
	Resume(ctx context.Context, sessionID string, value any) (graph.RunResult, error)
	Status(ctx context.Context, sessionID string) (store.Checkpoint, error)
	History(ctx context.Context, sessionID string) ([]store.Checkpoint, error)
	Cancel(sessionID string) bool
}

var _ Engine = (*graph.Engine)(nil)

// StateFunc builds the initial state of a session from a start request.
type StateFunc func(req StartRequest) (graph.State, error)

// Server serves the session API.
type Server struct {
	engine   Engine
	newState StateFunc
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	// base outlives requests; asynchronous runs use it.
	base context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithStateFunc sets how POST /sessions builds the initial state. The
// default uses the request's state object as is.
func WithStateFunc(fn StateFunc) Option {
	return func(s *Server) { s.newState = fn }
}

// WithGatherer sets the registry served on /metrics. The default is
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBaseContext sets the context asynchronous runs derive from.
// Cancelling it stops them at the next step boundary.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// StartRequest is the body of POST /sessions.
type StartRequest struct {
	Prompt string         `json:"prompt"`
	Hint   string         `json:"hint,omitempty"`
	State  map[string]any `json:"state,omitempty"`
	// Async returns 202 after checkpoint 0 is written and runs the
	// session in the background.
	Async bool `json:"async,omitempty"`
}

// RunRequest is the optional body of POST /sessions/{id}/run.
type RunRequest struct {
	State map[string]any `json:"state,omitempty"`
}

// ResumeRequest is the body of POST /sessions/{id}/resume.
type ResumeRequest struct {
	Value any `json:"value"`
}

// ResultResponse describes a run outcome.
type ResultResponse struct {
	SessionID string                 `json:"session_id"`
	Outcome   string                 `json:"outcome"`
	Seq       int                    `json:"seq"`
	State     map[string]any         `json:"state,omitempty"`
	Interrupt *graph.InterruptRecord `json:"interrupt,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// NewHandler creates the HTTP handler for engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newState == nil {
		s.newState = func(req StartRequest) (graph.State, error) { return req.State, nil }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.start)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Get("/history", s.history)
			r.Post("/run", s.run)
			r.Post("/resume", s.resume)
			r.Post("/cancel", s.cancel)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// start handles POST /sessions.
func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	initial, err := s.newState(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.engine.Start(r.Context(), initial)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if req.Async {
		go s.runBackground(id)
		writeJSON(w, http.StatusAccepted, ResultResponse{SessionID: id, Outcome: "running"})
		return
	}

	res, err := s.engine.Run(r.Context(), id, nil)
	s.result(w, r, res, err, http.StatusCreated)
}

func (s *Server) runBackground(id string) {
	if _, err := s.engine.Run(s.base, id, nil); err != nil {
		s.logger.Error("background run failed", logging.Session(id), logging.Err(err))
	}
}

// run handles POST /sessions/{id}/run.
func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.engine.Run(r.Context(), chi.URLParam(r, "id"), req.State)
	s.result(w, r, res, err, http.StatusOK)
}

// resume handles POST /sessions/{id}/resume.
func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.engine.Resume(r.Context(), chi.URLParam(r, "id"), req.Value)
	s.result(w, r, res, err, http.StatusOK)
}

// status handles GET /sessions/{id}.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	cp, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// history handles GET /sessions/{id}/history.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	cps, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

// cancel handles POST /sessions/{id}/cancel.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cancelled": s.engine.Cancel(id)})
}

// result writes a run outcome. Failed runs carry their error in the body
// with status 200; errors without a result are mapped to a status code.
func (s *Server) result(w http.ResponseWriter, r *http.Request, res graph.RunResult, err error, okStatus int) {
	if res.Outcome == 0 {
		s.fail(w, r, err)
		return
	}
	body := ResultResponse{
		SessionID: res.SessionID,
		Outcome:   res.Outcome.String(),
		Seq:       res.Seq,
		State:     res.State,
		Interrupt: res.Interrupt,
	}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}
	writeJSON(w, okStatus, body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = errors.New("no result")
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, logging.Err(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var invalidResume *graph.InvalidResumeStateError
	var engineErr *graph.EngineError
	switch {
	case errors.Is(err, graph.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalidResume):
		if invalidResume.Status == "" {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errors.As(err, &engineErr):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
