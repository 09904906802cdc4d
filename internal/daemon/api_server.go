package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"narrator/internal/config"
	"narrator/internal/logging"
	"narrator/internal/queue"
	"narrator/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

// queueJobView is the wire shape for one queue job.
type queueJobView struct {
	ID          int64      `json:"id"`
	Kind        queue.Kind `json:"kind"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    float64    `json:"progress_percent"`
	LastError   string     `json:"last_error,omitempty"`
	PipelineID  string     `json:"pipeline_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type createPipelineRequest struct {
	SearchQuery string `json:"search_query"`
	Title       string `json:"title"`
	Author      string `json:"author"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/health", srv.handleHealth)
	mux.HandleFunc("/api/breakers", srv.handleBreakers)
	mux.HandleFunc("/api/queue", srv.handleQueue)
	mux.HandleFunc("/api/queue/stats", srv.handleQueueStats)
	mux.HandleFunc("/api/queue/", srv.handleQueueJob)
	mux.HandleFunc("/api/pipeline", srv.handlePipeline)
	mux.HandleFunc("/api/pipeline/", srv.handlePipelineJob)
	mux.HandleFunc("/api/books", srv.handleBooks)
	mux.HandleFunc("/api/books/", srv.handleBookChapters)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"health":       s.daemon.registry.SystemHealth(),
		"capabilities": s.daemon.registry.Snapshot(),
	})
}

func (s *apiServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": s.daemon.breakers.Snapshots()})
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	kinds := []queue.Kind{queue.KindDownload, queue.KindSynthesis}
	if value := strings.TrimSpace(r.URL.Query().Get("kind")); value != "" {
		kinds = []queue.Kind{queue.Kind(value)}
	}
	var statuses []queue.Status
	for _, value := range r.URL.Query()["status"] {
		if status, ok := queue.ParseStatus(value); ok {
			statuses = append(statuses, status)
		}
	}

	var views []queueJobView
	for _, kind := range kinds {
		jobs, err := s.daemon.queue.List(r.Context(), kind, statuses...)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, job := range jobs {
			views = append(views, viewQueueJob(job))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *apiServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var stats []queue.Stats
	for _, kind := range []queue.Kind{queue.KindDownload, queue.KindSynthesis} {
		kindStats, err := s.daemon.queue.Stats(r.Context(), kind)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats = append(stats, kindStats)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// handleQueueJob serves GET /api/queue/{id} and POST /api/queue/{id}/retry.
func (s *apiServer) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid queue job id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.daemon.queue.GetByID(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job == nil {
			s.writeError(w, http.StatusNotFound, "queue job not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"job": viewQueueJob(job)})
	case action == "retry" && r.Method == http.MethodPost:
		if err := s.daemon.queue.RetryFailed(r.Context(), id); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePipeline serves GET /api/pipeline and POST /api/pipeline.
func (s *apiServer) handlePipeline(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "1" || strings.EqualFold(r.URL.Query().Get("active"), "true")
		jobs, err := s.daemon.machine.ListJobs(r.Context(), activeOnly)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	case http.MethodPost:
		var req createPipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.SearchQuery) == "" && strings.TrimSpace(req.Title) == "" {
			s.writeError(w, http.StatusBadRequest, "search_query or title is required")
			return
		}
		job, err := s.daemon.machine.CreateJob(r.Context(), req.SearchQuery, req.Title, req.Author)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{"job": job})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePipelineJob serves GET /api/pipeline/{id} and POST /api/pipeline/{id}/cancel.
func (s *apiServer) handlePipelineJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/pipeline/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, "pipeline job not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.daemon.machine.GetJob(r.Context(), id)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
	case action == "cancel" && r.Method == http.MethodPost:
		job, err := s.daemon.machine.Cancel(r.Context(), id)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	books, err := s.daemon.library.ListBooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// handleBookChapters serves GET /api/books/{id}/chapters.
func (s *apiServer) handleBookChapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/books/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || action != "chapters" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	chapters, err := s.daemon.library.ChaptersByBook(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chapters": chapters})
}

func (s *apiServer) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func viewQueueJob(job *queue.Job) queueJobView {
	return queueJobView{
		ID:          job.ID,
		Kind:        job.Kind,
		Status:      string(job.Status),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Progress:    job.ProgressPercent,
		LastError:   job.LastError,
		PipelineID:  job.PipelineID,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
