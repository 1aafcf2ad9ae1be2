package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"sla-engine/internal/config"
	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/queue"
	"sla-engine/internal/sla"
	"sla-engine/internal/telemetry"
)

// RuleLister lists configured deadline rules.
type RuleLister interface {
	ListRules(ctx context.Context) ([]models.DeadlineRule, error)
}

// Enqueuer accepts queued retries.
type Enqueuer interface {
	Enqueue(ctx context.Context, job string) (queue.Request, error)
}

// Limiter throttles retries per job.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators behind the HTTP surface. Queue and Limiter are optional.
type Deps struct {
	Ledger      *ledger.Ledger
	Escalations *sla.Escalations
	Holds       *sla.Holds
	Rules       RuleLister
	Queue       Enqueuer
	Limiter     Limiter
	Log         logrus.FieldLogger
}

// Server wires HTTP handlers for the cron trigger and the operator dashboard.
type Server struct {
	cfg  config.Config
	deps Deps
	log  logrus.FieldLogger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Get("/cron/sla", s.handleCron)
		r.Post("/cron/sla", s.handleCron)

		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/logs", s.handleLogs)
		r.Post("/jobs/{name}/retry", s.handleRetry)
		r.Get("/health", s.handleHealth)

		r.Get("/escalations", s.handleEscalations)
		r.Post("/escalations/{id}/resolve", s.handleResolve)
		r.Post("/items/{id}/pause", s.handlePause)
		r.Post("/items/{id}/unpause", s.handleUnpause)

		r.Get("/rules", s.handleRules)
	})
	return r
}

// requireSecret compares the shared cron secret against the bearer token,
// the X-Cron-Secret header or the secret query parameter. An unset secret
// rejects everything.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" || !secretMatches(presentedSecret(r), s.cfg.CronSecret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if v := r.Header.Get("X-Cron-Secret"); v != "" {
		return v
	}
	return r.URL.Query().Get("secret")
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Ledger.Run(r.Context(), sla.JobSLA, models.TriggerCron)
	if err != nil {
		s.log.WithError(err).Error("cron trigger failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, runStatusCode(row), row)
}

func runStatusCode(row models.JobRun) int {
	if row.Status == models.StatusFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Ledger.Jobs()})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RunFilter{JobName: q.Get("job")}
	filter.FailedOnly, _ = strconv.ParseBool(q.Get("failed"))
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	runs, err := s.deps.Ledger.Logs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type retryResponse struct {
	Message   string         `json:"message"`
	Run       *models.JobRun `json:"run,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Ledger.Has(name) {
		writeError(w, http.StatusNotFound, "unknown job "+strconv.Quote(name))
		return
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RetryRateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "retry rate limited")
			return
		}
	}

	if async {
		if s.deps.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, "retry queue not configured")
			return
		}
		req, err := s.deps.Queue.Enqueue(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		telemetry.RetryRequests.WithLabelValues(name, "queued").Inc()
		writeJSON(w, http.StatusAccepted, retryResponse{
			Message:   "retry of " + strconv.Quote(name) + " queued",
			RequestID: req.ID,
		})
		return
	}

	telemetry.RetryRequests.WithLabelValues(name, "sync").Inc()
	msg, row, err := s.deps.Ledger.Retry(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, runStatusCode(row), retryResponse{Message: msg, Run: &row})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Ledger.Health(r.Context(), s.cfg.HealthRecentRuns)
	code := http.StatusOK
	if report.Status == ledger.HealthDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	items, err := s.deps.Escalations.List(r.Context(), resolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	item, err := s.deps.Escalations.Resolve(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Holds.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Holds.Unpause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Rules.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.DeadlineRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sla.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("request")
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

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
