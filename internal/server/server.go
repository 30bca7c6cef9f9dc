// Package server provides the HTTP API for triggering runs, managing tracked
// URLs and reading the activity ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/notify"
	"github.com/jonathan/price-tracker/internal/registration"
	"github.com/jonathan/price-tracker/internal/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Scraper runs the scrape pipeline.
type Scraper interface {
	ScrapeAndSaveTargetURLs(ctx context.Context, callerType string, urlID *int64) (*types.RunResult, error)
}

// Notifier runs the catalog sync.
type Notifier interface {
	SendTargetURLsToAPI(ctx context.Context, w notify.Window, callerType string) (*types.RunResult, error)
}

// Registrar manages the tracked URL set.
type Registrar interface {
	RegisterURLs(ctx context.Context, urls []string) (*registration.Result, error)
	DeactivateURLs(ctx context.Context, urls []string) (*registration.Result, error)
	SetParameter(ctx context.Context, urlID int64, sitename string, options map[string]any) error
	View(ctx context.Context, target registration.ViewTarget) ([]registration.URLStatus, error)
}

// ActivityReader reads the activity ledger.
type ActivityReader interface {
	List(ctx context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error)
	Get(ctx context.Context, id int64) (*types.ActivityLog, error)
}

// Config holds server configuration
type Config struct {
	Port int
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Activities ActivityReader
	Scraper    Scraper
	Notifier   Notifier
	Registrar  Registrar
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  logger.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	deps       Deps
	log        logger.Logger
}

// New creates a new server instance
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	s := &Server{deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /scrape", s.handleScrape)
	mux.HandleFunc("POST /notify", s.handleNotify)

	mux.HandleFunc("GET /activity-logs", s.handleListActivityLogs)
	mux.HandleFunc("GET /activity-logs/{id}", s.handleGetActivityLog)

	mux.HandleFunc("GET /urls", s.handleListURLs)
	mux.HandleFunc("POST /urls", s.handleRegisterURLs)
	mux.HandleFunc("DELETE /urls", s.handleDeactivateURLs)
	mux.HandleFunc("PUT /urls/{id}/parameter", s.handleSetParameter)

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute, // runs are served synchronously
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", logger.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rec.status),
			logger.Duration("duration", time.Since(start)),
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleScrape runs the scrape pipeline and reports its outcome. The run
// survives a client disconnect.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req types.ScrapeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Scraper.ScrapeAndSaveTargetURLs(context.WithoutCancel(r.Context()), req.CallerType, req.URLID)
	s.runResponse(w, res, err)
}

// handleNotify runs the catalog sync and reports its outcome.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req types.NotifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	window := notify.Window{Start: req.Start, End: req.End}
	res, err := s.deps.Notifier.SendTargetURLsToAPI(context.WithoutCancel(r.Context()), window, req.CallerType)
	s.runResponse(w, res, err)
}

func (s *Server) runResponse(w http.ResponseWriter, res *types.RunResult, err error) {
	if err != nil {
		s.handleError(w, err)
		return
	}
	if res.Locked {
		s.jsonResponse(w, http.StatusConflict, res)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleListActivityLogs lists ledger rows. Query parameters activity_type and
// state may repeat; limit defaults to 100.
func (s *Server) handleListActivityLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseActivityLogFilter(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	logs, err := s.deps.Activities.List(r.Context(), filter)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if logs == nil {
		logs = []types.ActivityLog{}
	}
	s.jsonResponse(w, http.StatusOK, logs)
}

func parseActivityLogFilter(r *http.Request) (types.ActivityLogFilter, error) {
	q := r.URL.Query()
	filter := types.ActivityLogFilter{
		TargetID:      q.Get("target_id"),
		TargetTable:   q.Get("target_table"),
		CallerType:    q.Get("caller_type"),
		ActivityTypes: q["activity_type"],
		Limit:         defaultListLimit,
	}
	for _, st := range q["state"] {
		state := types.ActivityState(st)
		if !state.Valid() {
			return filter, &ErrValidation{Field: "state", Message: "unknown state " + st}
		}
		filter.States = append(filter.States, state)
	}
	if v := q.Get("is_error"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, &ErrValidation{Field: "is_error", Message: "must be a boolean"}
		}
		filter.IsError = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return filter, &ErrValidation{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", maxListLimit)}
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) handleGetActivityLog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	log, err := s.deps.Activities.Get(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if log == nil {
		s.handleError(w, &ErrNotFound{Resource: "activity log", ID: r.PathValue("id")})
		return
	}
	s.jsonResponse(w, http.StatusOK, log)
}

// handleListURLs lists tracked URLs. ?target= is all, active or inactive.
func (s *Server) handleListURLs(w http.ResponseWriter, r *http.Request) {
	target := registration.ViewTarget(r.URL.Query().Get("target"))
	if target == "" {
		target = registration.ViewAll
	}
	urls, err := s.deps.Registrar.View(r.Context(), target)
	if err != nil {
		s.handleError(w, &ErrValidation{Field: "target", Message: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, urls)
}

func (s *Server) handleRegisterURLs(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterURLsRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Registrar.RegisterURLs(r.Context(), req.URLs)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleDeactivateURLs(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterURLsRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Registrar.DeactivateURLs(r.Context(), req.URLs)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req types.SetParameterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Registrar.SetParameter(r.Context(), id, req.Sitename, req.Options); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validatable interface {
	Validate() error
}

// decode reads a JSON body into v and validates it. It writes the error
// response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.handleError(w, err)
		return false
	}
	if err := v.Validate(); err != nil {
		s.handleError(w, err)
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.handleError(w, &ErrValidation{Field: "id", Message: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", logger.Error(err))
	}
	s.errorResponse(w, status, err.Error())
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", logger.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
