package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// JobStatus reports on the job being run.
type JobStatus interface {
	Job() harvest.Job
	RateState() harvest.RateState
}

// ProgressReader is the read side of the progress store.
type ProgressReader interface {
	Counts() map[harvest.Status]int
	Get(id string) (harvest.ProgressRecord, bool)
}

// Config holds the optional pieces of a Server.
type Config struct {
	// APIKey, when set, is required in X-API-Key on every /v1 route.
	APIKey  string
	Timeout time.Duration
	// Registry serves /metrics and receives the HTTP collectors. Nil disables both.
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the job and progress store.
type Server struct {
	router   chi.Router
	job      JobStatus
	progress ProgressReader
	logger   *zap.Logger
	metrics  *httpMetrics
}

// NewServer constructs a Server with middleware and routes.
func NewServer(job JobStatus, progress ProgressReader, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Server{job: job, progress: progress, logger: cfg.Logger}
	if cfg.Registry != nil {
		m, err := newHTTPMetrics(cfg.Registry)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/job", s.getJob)
		r.Get("/rate", s.getRate)
		r.Get("/progress", s.getProgress)
		r.Get("/progress/{id}", s.getRecord)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status api: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz is ready once a job has left idle.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.job == nil || s.job.Job().Phase == harvest.PhaseIdle {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobDTO struct {
	ID         string        `json:"id"`
	Phase      harvest.Phase `json:"phase"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Target     int           `json:"target"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
}

func toJobDTO(j harvest.Job) jobDTO {
	return jobDTO{
		ID:         j.ID,
		Phase:      j.Phase,
		StartedAt:  timePtr(j.StartedAt),
		FinishedAt: timePtr(j.FinishedAt),
		Target:     j.Target,
		Processed:  j.Processed,
		Succeeded:  j.Succeeded,
		Failed:     j.Failed,
		Skipped:    j.Skipped,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) getJob(w http.ResponseWriter, _ *http.Request) {
	if s.job == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(s.job.Job())})
}

type rateDTO struct {
	harvest.RateState
	DelayMS   int64   `json:"delay_ms"`
	ErrorRate float64 `json:"error_rate"`
}

func (s *Server) getRate(w http.ResponseWriter, _ *http.Request) {
	if s.job == nil {
		writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	st := s.job.RateState()
	writeJSON(w, http.StatusOK, rateDTO{RateState: st, DelayMS: st.Delay.Milliseconds(), ErrorRate: st.ErrorRate()})
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	counts := s.progress.Counts()
	total := 0
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": out, "total": total})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.progress.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "record": rec})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.observe(r.Method, route, ww.status, elapsed)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.status),
			zap.Duration("duration", elapsed))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
