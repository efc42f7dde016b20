// Package web serves a local JSON API for starting extraction runs and
// following their progress.
package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/egcx/egcx/internal/history"
	"github.com/egcx/egcx/internal/merchant"
	"github.com/egcx/egcx/internal/pipeline"
)

const (
	defaultRateLimit  = 10
	defaultRateWindow = time.Minute
	defaultJobMaxAge  = 24 * time.Hour
	maxBodyBytes      = 64 << 10
)

// Runner executes one extraction run. Implementations add the store and
// logger to opts.
type Runner func(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)
	recent := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

type Server struct {
	addr        string
	store       *history.Store
	catalog     *merchant.Catalog
	runner      Runner
	logger      *slog.Logger
	csrfKey     []byte
	rateLimiter *RateLimiter
	jobs        *JobManager
	httpServer  *http.Server
}

// NewServer creates the API server. catalog may be nil.
func NewServer(addr string, store *history.Store, catalog *merchant.Catalog, runner Runner, logger *slog.Logger) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = &merchant.Catalog{}
	}

	return &Server{
		addr:        addr,
		store:       store,
		catalog:     catalog,
		runner:      runner,
		logger:      logger,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		jobs:        NewJobManager(),
	}, nil
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	fmt.Printf("Serving egcx API at http://%s\n", s.addr)
	fmt.Println("Press Ctrl+C to stop")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown cancels the active run and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if job := s.jobs.GetActive(); job != nil {
		job.Cancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) trustedOrigins() []string {
	origins := []string{s.addr}
	if _, port, err := net.SplitHostPort(s.addr); err == nil {
		origins = append(origins, "localhost:"+port, "127.0.0.1:"+port)
	}
	return origins
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	// The API listens on plain HTTP
	r.Use(plaintextRequests)

	// CSRF protection for the state-changing endpoints
	r.Use(csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteStrictMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins(s.trustedOrigins()),
		csrf.ErrorHandler(http.HandlerFunc(handleCSRFFailure)),
	))

	r.Route("/api", func(r chi.Router) {
		r.Get("/csrf", s.handleAPICSRF)
		r.Get("/stats", s.handleAPIStats)
		r.Get("/merchants", s.handleAPIMerchants)
		r.Get("/cards", s.handleAPICards)
		r.Get("/failures", s.handleAPIFailures)

		r.Get("/runs", s.handleAPIRunHistory)
		r.Post("/runs", s.handleAPIStartRun)
		r.Get("/runs/active", s.handleAPIRunActive)
		r.Get("/runs/{jobID}", s.handleAPIRunStatus)
		r.Post("/runs/{jobID}/cancel", s.handleAPIRunCancel)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func plaintextRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Card numbers and PINs must never be cached
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleCSRFFailure(w http.ResponseWriter, r *http.Request) {
	msg := "CSRF check failed"
	if reason := csrf.FailureReason(r); reason != nil {
		msg += ": " + reason.Error()
	}
	writeError(w, http.StatusForbidden, msg)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// Handler implementations

func (s *Server) handleAPICSRF(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	runs, cards, failures, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"runs": runs, "cards": cards, "failures": failures})
}

type merchantView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Sender string `json:"sender"`
	Portal bool   `json:"portal"`
}

func (s *Server) handleAPIMerchants(w http.ResponseWriter, r *http.Request) {
	out := []merchantView{}
	for _, m := range s.catalog.Sorted() {
		out = append(out, merchantView{ID: m.ID, Name: m.String(), Sender: m.Sender, Portal: len(m.PortalHosts) > 0})
	}
	writeJSON(w, http.StatusOK, out)
}

type cardView struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	Brand      string    `json:"brand"`
	Number     string    `json:"number"`
	PIN        string    `json:"pin"`
	Amount     string    `json:"amount"`
	SourceURL  string    `json:"source_url"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) handleAPICards(w http.ResponseWriter, r *http.Request) {
	runID := int64(queryInt(r, "run", 0))
	cards, err := s.store.RecentCards(runID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]cardView, 0, len(cards))
	for _, c := range cards {
		out = append(out, cardView{
			ID: c.ID, RunID: c.RunID, Brand: c.Brand, Number: c.Number, PIN: c.PIN, Amount: c.Amount,
			SourceURL: c.SourceURL, MessageID: c.MessageID, ReceivedAt: c.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type failureView struct {
	RunID     int64     `json:"run_id"`
	MessageID string    `json:"message_id"`
	URL       string    `json:"url,omitempty"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleAPIFailures(w http.ResponseWriter, r *http.Request) {
	runID := int64(queryInt(r, "run", 0))
	failures, err := s.store.Failures(runID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]failureView, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureView{
			RunID: f.RunID, MessageID: f.MessageID, URL: f.LinkURL, Kind: f.Kind, Error: f.Error, CreatedAt: f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type runView struct {
	ID         int64             `json:"id"`
	From       string            `json:"from"`
	Folder     string            `json:"folder"`
	Status     history.RunStatus `json:"status"`
	Messages   int               `json:"messages"`
	Extracted  int               `json:"extracted"`
	Failed     int               `json:"failed"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (s *Server) handleAPIRunHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{
			ID: run.ID, From: run.FromEmail, Folder: run.Folder, Status: run.Status, Messages: run.Messages,
			Extracted: run.Extracted, Failed: run.Failed, Error: run.Error,
			StartedAt: run.StartedAt, FinishedAt: run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIStartRun(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("runs") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, wait before starting another run")
		return
	}

	var req pipeline.Request
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if req.Merchant != "" && s.catalog.Find(req.Merchant) == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown merchant %q", req.Merchant))
		return
	}

	job, active := s.jobs.Create(req)
	if active != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "an extraction run is already in progress",
			"job_id": active.ID,
		})
		return
	}
	s.jobs.Cleanup(defaultJobMaxAge)

	go s.processRun(job)

	writeJSON(w, http.StatusAccepted, job.View())
}

// processRun runs in a background goroutine until the run ends
func (s *Server) processRun(job *Job) {
	logger := s.logger.With("job_id", job.ID)
	logger.Info("extraction run started", "from", job.Request.From, "merchant", job.Request.Merchant)

	res, err := s.runner(job.Context(), job.Request, pipeline.Options{
		OnProgress: job.Update,
		OnHuman:    job.AwaitHuman,
	})
	job.Finish(res, err)

	v := job.View()
	logger.Info("extraction run ended", "status", string(v.Status),
		"extracted", v.Progress.Extracted, "failed", v.Progress.Failed, "error", v.Error)
}

func (s *Server) handleAPIRunActive(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.GetActive()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job.View()})
}

func (s *Server) handleAPIRunStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleAPIRunCancel(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.Cancel() {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
