// internal/controlplane/server.go
//
// HTTP surface of a running kiln daemon: job listings, seed submission,
// restarts, and a server-sent event stream of status changes. Handlers
// only read status documents and drop seeds into the pending queue; every
// mutation of a live job goes through the orchestrator.

package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kingrea/The-Kiln/internal/artifact"
	"github.com/kingrea/The-Kiln/internal/config"
	"github.com/kingrea/The-Kiln/internal/logbook"
	"github.com/kingrea/The-Kiln/internal/orchestrator"
	"github.com/kingrea/The-Kiln/internal/pipeline"
	"github.com/kingrea/The-Kiln/internal/status"
	"github.com/kingrea/The-Kiln/internal/task"
)

// ErrDisabled is returned by Start when the control plane is switched off
// in the daemon configuration.
var ErrDisabled = errors.New("controlplane: server disabled")

const (
	maxSubmitBytes    = 1 << 20
	keepaliveInterval = 15 * time.Second
)

// Restarter relaunches a job's worker, optionally from a chosen task.
// *orchestrator.Orchestrator satisfies it.
type Restarter interface {
	Restart(jobID, fromTask string, single bool) error
}

// JobSummary is one row in the jobs listing.
type JobSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Queue        string `json:"queue"`
	State        string `json:"state"`
	Current      string `json:"current,omitempty"`
	CurrentStage string `json:"currentStage,omitempty"`
	TaskCount    int    `json:"taskCount"`
	DoneCount    int    `json:"doneCount"`
	LastUpdated  string `json:"lastUpdated,omitempty"`
}

// JobsResponse is the body of GET /api/jobs.
type JobsResponse struct {
	Pending []string     `json:"pending"`
	Jobs    []JobSummary `json:"jobs"`
}

type jobEnvelope struct {
	Queue string      `json:"queue"`
	Job   *status.Job `json:"job"`
}

type submitRequest struct {
	ID   string          `json:"id"`
	Seed json.RawMessage `json:"seed"`
}

type restartRequest struct {
	FromTask   string `json:"fromTask"`
	SingleTask bool   `json:"singleTask"`
}

// Server wraps the HTTP listener and handlers backing the control plane.
type Server struct {
	settings config.ControlPlaneConfig
	tree     *pipeline.Tree
	store    *status.Store
	hub      *Hub
	restart  Restarter
	book     *logbook.Logbook
	clock    func() time.Time
	batch    int

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithHub shares an event hub with the server; without it the server
// keeps a private hub that nothing publishes into.
func WithHub(h *Hub) Option {
	return func(s *Server) {
		if h != nil {
			s.hub = h
		}
	}
}

// WithRestarter wires the restart endpoint to the orchestrator.
func WithRestarter(r Restarter) Option {
	return func(s *Server) {
		if r != nil {
			s.restart = r
		}
	}
}

// WithLogbook routes handler diagnostics into the daemon logbook.
func WithLogbook(book *logbook.Logbook) Option {
	return func(s *Server) {
		if book != nil {
			s.book = book
		}
	}
}

// WithServerClock allows tests to control timestamps.
func WithServerClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBatchWorkers overrides the parallelism used to load status documents
// for the jobs listing.
func WithBatchWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batch = n
		}
	}
}

// New prepares a control plane server over an existing pipeline tree.
func New(settings config.ControlPlaneConfig, tree *pipeline.Tree, store *status.Store, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		tree:     tree,
		store:    store,
		hub:      NewHub(),
		clock:    func() time.Time { return time.Now().UTC() },
		batch:    artifact.DefaultBatchWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the route table. Exposed separately so tests can drive
// the API through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/jobs", s.handleListJobs)
		api.Post("/jobs", s.handleSubmit)
		api.Get("/jobs/{jobID}", s.handleGetJob)
		api.Post("/jobs/{jobID}/restart", s.handleRestart)
		api.Get("/events", s.handleEvents)
	})
	return r
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("controlplane: server is nil")
	}
	if !s.settings.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("controlplane: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	// No WriteTimeout: /api/events holds its response open indefinitely.
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.book.Error("controlplane: serve error: %v", err)
		}
	}()
	s.book.Info("controlplane: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return "http://" + s.settings.Address()
	}
	return "http://" + addr
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": s.uptimeSeconds(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pendingJobIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to read pending queue")
		return
	}

	summaries, err := s.collectSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, JobsResponse{Pending: pending, Jobs: summaries})
}

// pendingJobIDs lists the ids of seeds waiting in the pending queue.
func (s *Server) pendingJobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.tree.PendingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := pipeline.JobIDFromSeedName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// collectSummaries loads the status document of every admitted job. The
// loads fan out through the artifact batch runner; a job whose document
// cannot be read is still listed, with an unknown state.
func (s *Server) collectSummaries(ctx context.Context) ([]JobSummary, error) {
	queues := []struct {
		name string
		dir  string
	}{
		{"current", s.tree.CurrentDir()},
		{"complete", s.tree.CompleteDir()},
		{"rejected", s.tree.RejectedDir()},
	}

	var summaries []*JobSummary
	for _, q := range queues {
		ids, err := pipeline.ListJobs(q.dir)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			summaries = append(summaries, &JobSummary{ID: id, Queue: q.name, State: "unknown"})
		}
	}

	res := artifact.RunBatch(ctx, summaries, s.batch, func(_ context.Context, js *JobSummary) error {
		doc, err := s.store.Load(s.jobDirFor(js.ID, js.Queue).Path())
		if err != nil {
			return err
		}
		js.Name = doc.Name
		js.State = string(doc.State)
		js.Current = doc.Current
		js.CurrentStage = doc.CurrentStage
		js.TaskCount = len(doc.Tasks)
		for _, ts := range doc.Tasks {
			if ts.State == status.TaskDone {
				js.DoneCount++
			}
		}
		js.LastUpdated = doc.LastUpdated
		return nil
	})
	for i, err := range res.Errs {
		if err != nil {
			s.book.Warn("controlplane: job %s status unreadable: %v", summaries[i].ID, err)
		}
	}

	out := make([]JobSummary, len(summaries))
	for i, js := range summaries {
		out[i] = *js
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Server) jobDirFor(jobID, queue string) pipeline.JobDir {
	switch queue {
	case "complete":
		return s.tree.CompletedJob(jobID)
	case "rejected":
		return s.tree.RejectedJob(jobID)
	default:
		return s.tree.Job(jobID)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	defer body.Close()

	var req submitRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if !pipeline.ValidSeedName(req.ID + pipeline.SeedSuffix) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job id %q", req.ID))
		return
	}
	if len(req.Seed) == 0 {
		writeError(w, http.StatusBadRequest, "seed is required")
		return
	}
	if _, err := task.ParseSeed(req.Seed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.jobKnown(req.ID) {
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s already exists", req.ID))
		return
	}

	if err := s.dropSeed(req.ID, req.Seed); err != nil {
		s.book.Error("controlplane: submit %s: %v", req.ID, err)
		writeError(w, http.StatusInternalServerError, "unable to queue seed")
		return
	}

	s.book.Info("controlplane: queued seed for job %s", req.ID)
	w.Header().Set("Location", "/api/jobs/"+req.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID, "status": "queued"})
}

// jobKnown reports whether the id is already taken by a queued seed or an
// admitted job in any queue.
func (s *Server) jobKnown(jobID string) bool {
	if _, err := os.Stat(s.tree.PendingSeedPath(jobID)); err == nil {
		return true
	}
	return s.tree.Job(jobID).Exists() ||
		s.tree.CompletedJob(jobID).Exists() ||
		s.tree.RejectedJob(jobID).Exists()
}

// dropSeed lands the seed in the pending queue atomically so the intake
// watcher never observes a half-written file.
func (s *Server) dropSeed(jobID string, seed []byte) error {
	if err := s.tree.EnsureLayout(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tree.PendingDir(), ".submit-*.tmp")
	if err != nil {
		return fmt.Errorf("controlplane: temp seed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(seed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("controlplane: write seed: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("controlplane: chmod seed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("controlplane: close seed: %w", err)
	}
	if err := os.Rename(tmpName, s.tree.PendingSeedPath(jobID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("controlplane: queue seed: %w", err)
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	doc, queue, err := s.findJob(jobID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", jobID))
			return
		}
		s.book.Warn("controlplane: load job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "unable to load job status")
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope{Queue: queue, Job: doc})
}

// findJob looks the job up across the three admitted queues.
func (s *Server) findJob(jobID string) (*status.Job, string, error) {
	lookups := []struct {
		queue string
		dir   pipeline.JobDir
	}{
		{"current", s.tree.Job(jobID)},
		{"complete", s.tree.CompletedJob(jobID)},
		{"rejected", s.tree.RejectedJob(jobID)},
	}
	for _, l := range lookups {
		if !l.dir.Exists() {
			continue
		}
		doc, err := s.store.Load(l.dir.Path())
		if err != nil {
			return nil, l.queue, err
		}
		return doc, l.queue, nil
	}
	return nil, "", status.ErrNotFound
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.restart == nil {
		writeError(w, http.StatusServiceUnavailable, "restart is not available")
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var req restartRequest
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.restart.Restart(jobID, req.FromTask, req.SingleTask)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrUnknownTask):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrIntakeInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		var held *pipeline.LockHeldError
		if errors.As(err, &held) {
			writeError(w, http.StatusConflict, held.Error())
			return
		}
		s.book.Error("controlplane: restart %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "restart failed")
		return
	}

	s.book.Info("controlplane: restart accepted for job %s", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "restarting"})
}

// handleEvents streams status change events as server-sent events until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
