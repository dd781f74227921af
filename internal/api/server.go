package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/session"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
)

// Submitter queues harvests and reports queue state.
type Submitter interface {
	SubmitURL(ctx context.Context, url string, priority int) (string, bool, error)
	Leases(ctx context.Context) (map[string][]queue.Task, error)
	Pending(ctx context.Context) (int, error)
}

// Sessions controls the shared browser.
type Sessions interface {
	Open(ctx context.Context) (bool, error)
	Close() (bool, error)
	IsOpen() bool
	Busy() bool
}

// Config holds HTTP server settings.
type Config struct {
	// APIKey, when set, is required on every route except the probes.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and the browser session.
type Server struct {
	router    chi.Router
	submitter Submitter
	sessions  Sessions
	terminate func()
	validate  *validator.Validate
	logger    *zap.Logger
}

const defaultRequestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes. terminate is
// called once when /terminate is accepted.
func NewServer(submitter Submitter, sessions Sessions, terminate func(), cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if terminate == nil {
		terminate = func() {}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		submitter: submitter,
		sessions:  sessions,
		terminate: terminate,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/", s.greet)
		r.Get("/start", s.startBrowser)
		r.Get("/start/scrapp", s.scrapp)
		r.Get("/close", s.closeBrowser)
		r.Get("/terminate", s.terminateProcess)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/tasks", s.submitTask)
			r.Get("/leases", s.listLeases)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.submitter.Pending(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) greet(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("welcome")
	writeJSON(w, http.StatusOK, map[string]string{"message": "review harvester"})
}

func (s *Server) startBrowser(w http.ResponseWriter, r *http.Request) {
	opened, err := s.sessions.Open(r.Context())
	if err != nil {
		s.logger.Error("error when trying to start headless browser", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.SetBrowserOpen(true)
	if !opened {
		writeText(w, http.StatusOK, "Browser already started")
		return
	}
	writeText(w, http.StatusOK, "Browser started")
}

func (s *Server) closeBrowser(w http.ResponseWriter, _ *http.Request) {
	closed, err := s.sessions.Close()
	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "browser is busy with a task")
		return
	case err != nil:
		s.logger.Error("browser close failed", zap.Error(err))
		telemetry.SetBrowserOpen(s.sessions.IsOpen())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.SetBrowserOpen(false)
	if !closed {
		writeText(w, http.StatusOK, "Browser not started")
		return
	}
	writeText(w, http.StatusOK, "Browser closed")
}

func (s *Server) terminateProcess(w http.ResponseWriter, _ *http.Request) {
	s.logger.Warn("process is being terminated")
	if s.sessions.IsOpen() {
		s.logger.Error("browser is still connected, close browser first")
		writeError(w, http.StatusConflict, "Browser is still connected. Close browser first")
		return
	}
	writeText(w, http.StatusOK, "Process terminated. Any other query will not be processed anymore.")
	// Shutdown waits for in-flight requests, this one included.
	go s.terminate()
}

func (s *Server) scrapp(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	_, accepted, err := s.submitter.SubmitURL(r.Context(), url, 0)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if !accepted {
		s.logger.Warn("nothing to scrapp")
		writeText(w, http.StatusOK, "Nothing to scrapp")
		return
	}
	writeText(w, http.StatusOK, "Scrapping : "+url)
}

type submitRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority" validate:"gte=0,lte=1000"`
}

type submitResponse struct {
	TaskID   string `json:"task_id,omitempty"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, accepted, err := s.submitter.SubmitURL(r.Context(), req.URL, req.Priority)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{TaskID: id, Accepted: accepted})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue task")
	}
}

type leasedTask struct {
	ID       string    `json:"id"`
	Priority int       `json:"priority"`
	Attempts int       `json:"attempts"`
	LeasedAt time.Time `json:"leased_at"`
}

func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.submitter.Leases(r.Context())
	if err != nil {
		s.logger.Error("list leases failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list leases")
		return
	}
	pending, err := s.submitter.Pending(r.Context())
	if err != nil {
		s.logger.Error("count tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count tasks")
		return
	}
	out := make(map[string][]leasedTask, len(leases))
	for token, tasks := range leases {
		items := make([]leasedTask, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, leasedTask{ID: t.ID, Priority: t.Priority, Attempts: t.Attempts, LeasedAt: t.LeasedAt})
		}
		out[token] = items
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"leases":       out,
		"pending":      pending,
		"browser_open": s.sessions.IsOpen(),
		"browser_busy": s.sessions.Busy(),
	})
}
