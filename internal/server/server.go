// Package server exposes the pipeline runner over HTTP: trigger ingestion,
// run and report queries, cancellation, ledger verification and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"blockci/internal/core"
	"blockci/internal/ledger"
	"blockci/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunStatus is the lifecycle state of a queued run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusFinished  RunStatus = "finished"
	StatusCancelled RunStatus = "cancelled" // cancelled before it started
	StatusError     RunStatus = "error"
)

// Options configures a Server.
type Options struct {
	Runner *core.Runner
	// Pipeline loads the stage graph for each trigger, so edits to the
	// pipeline file apply to the next run.
	Pipeline  func() (*core.Graph, error)
	Context   core.ContextOptions
	Ledger    *ledger.Ledger      // optional
	Logs      *storage.LogStorage // optional, serves stage logs
	Gatherer  prometheus.Gatherer // optional, serves /metrics
	Logger    *slog.Logger
	QueueSize int
}

type run struct {
	id       string
	trigger  core.Trigger
	graph    *core.Graph
	ectx     *core.Context
	status   RunStatus
	queuedAt time.Time
	report   *core.Report
	err      string
	cancel   context.CancelFunc
}

// Server queues triggers and executes them one at a time.
type Server struct {
	opts  Options
	queue chan *run
	done  chan struct{}

	mu    sync.Mutex
	runs  map[string]*run
	order []string
}

// New creates a Server. Call Start to begin executing queued runs.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	return &Server{
		opts:  opts,
		queue: make(chan *run, opts.QueueSize),
		done:  make(chan struct{}),
		runs:  make(map[string]*run),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/triggers", s.handleTrigger)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Post("/{id}/cancel", s.handleCancelRun)
		r.Get("/{id}/logs/{stage}", s.handleStageLog)
	})
	r.Get("/ledger/verify", s.handleVerifyLedger)
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start executes queued runs until ctx is done. A run in progress when ctx
// ends is cancelled, and Start returns once its report has been recorded.
// Start must be called at most once.
func (s *Server) Start(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case rn := <-s.queue:
			s.execute(ctx, rn)
		}
	}
}

// Done is closed when Start returns.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) execute(ctx context.Context, rn *run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if rn.status != StatusQueued {
		s.mu.Unlock()
		return
	}
	rn.status = StatusRunning
	rn.cancel = cancel
	s.mu.Unlock()

	report, err := s.opts.Runner.Run(runCtx, rn.graph, rn.ectx)

	s.mu.Lock()
	defer s.mu.Unlock()
	rn.cancel = nil
	if err != nil {
		rn.status = StatusError
		rn.err = err.Error()
		s.opts.Logger.Error("run failed to execute", "run", rn.id, "error", err)
		return
	}
	rn.status = StatusFinished
	rn.report = report
}

// TriggerResponse acknowledges a queued run.
type TriggerResponse struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
}

// POST /triggers
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var t core.Trigger
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger body: "+err.Error())
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.opts.Pipeline()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrConfig) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}

	opts := s.opts.Context
	opts.DefaultBranch = g.DefaultBranch()
	ectx, err := core.NewContext(t, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rn := &run{
		id:       ectx.RunID(),
		trigger:  ectx.Trigger(),
		graph:    g,
		ectx:     ectx,
		status:   StatusQueued,
		queuedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	select {
	case s.queue <- rn:
		s.runs[rn.id] = rn
		s.order = append(s.order, rn.id)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}

	s.opts.Logger.Info("run queued", "run", rn.id, "trigger", rn.trigger.Type, "branch", rn.trigger.Branch, "sha", rn.trigger.CommitSHA)
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: rn.id, Status: StatusQueued})
}

// RunView is the JSON form of a run.
type RunView struct {
	ID       string       `json:"id"`
	Pipeline string       `json:"pipeline"`
	Trigger  core.Trigger `json:"trigger"`
	Status   RunStatus    `json:"status"`
	QueuedAt time.Time    `json:"queuedAt"`
	Verdict  core.Verdict `json:"verdict,omitempty"`
	Error    string       `json:"error,omitempty"`
	Report   *core.Report `json:"report,omitempty"`
}

func (rn *run) view(withReport bool) RunView {
	v := RunView{
		ID:       rn.id,
		Pipeline: rn.graph.Name(),
		Trigger:  rn.trigger,
		Status:   rn.status,
		QueuedAt: rn.queuedAt,
		Error:    rn.err,
	}
	if rn.report != nil {
		v.Verdict = rn.report.Verdict()
		if withReport {
			v.Report = rn.report
		}
	}
	return v
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]RunView, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.runs[s.order[i]].view(false))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	var v RunView
	if ok {
		v = rn.view(true)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// POST /runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	switch rn.status {
	case StatusQueued:
		rn.status = StatusCancelled
		rn.report = core.CancelledReport(rn.graph, rn.ectx)
	case StatusRunning:
		rn.cancel()
	default:
		status := rn.status
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "run already "+string(status))
		return
	}
	v := rn.view(false)
	s.mu.Unlock()

	s.opts.Logger.Info("run cancel requested", "run", id)
	writeJSON(w, http.StatusAccepted, v)
}

// GET /runs/{id}/logs/{stage}
func (s *Server) handleStageLog(w http.ResponseWriter, r *http.Request) {
	id, stage := chi.URLParam(r, "id"), chi.URLParam(r, "stage")
	s.mu.Lock()
	_, ok := s.runs[id]
	s.mu.Unlock()
	if !ok || s.opts.Logs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	out, err := s.opts.Logs.ReadLog(id, stage)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no log for stage "+stage)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ledger == nil {
		writeError(w, http.StatusNotFound, "no ledger configured")
		return
	}
	if err := s.opts.Ledger.Verify(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "records": s.opts.Ledger.Len(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": s.opts.Ledger.Len()})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
