package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jedbrown/pism/internal/store"
)

// Server exposes inversion jobs over HTTP: create, list, inspect, cancel,
// stream progress via SSE and fetch results.
type Server struct {
	jobManager *JobManager
	store      *store.FSStore
	addr       string
	server     *http.Server
}

// NewServer creates a new HTTP server backed by the given checkpoint store.
func NewServer(addr string, st *store.FSStore) *Server {
	return &Server{
		jobManager: NewJobManager(),
		store:      st,
		addr:       addr,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.Handle("/metrics", promhttp.Handler())

	handler := s.loggingMiddleware(s.corsMiddleware(mux))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]

	if len(parts) == 1 || parts[1] == "status" {
		s.handleGetJobStatus(w, r, jobID)
	} else if parts[1] == "cancel" {
		s.handleCancelJob(w, r, jobID)
	} else if parts[1] == "stream" {
		s.handleJobStream(w, r, jobID)
	} else if parts[1] == "result" {
		s.handleGetJobResult(w, r, jobID)
	} else if parts[1] == "trace" {
		s.handleGetJobTrace(w, r, jobID)
	} else {
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if config.InputPath == "" {
		http.Error(w, "inputPath is required", http.StatusBadRequest)
		return
	}
	if config.Method == "" {
		config.Method = "ign"
	}
	if config.MaxIter <= 0 {
		config.MaxIter = 500
	}
	if config.CheckpointIntervalSec < 0 {
		http.Error(w, "checkpointIntervalSec cannot be negative", http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)

	ctx, cancel := context.WithCancel(context.Background())
	s.jobManager.RegisterCancel(job.ID, cancel)
	go runJob(ctx, s.jobManager, s.store, job.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobManager.ListJobs()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	response := map[string]interface{}{
		"id":        job.ID,
		"state":     job.State,
		"config":    job.Config,
		"iteration": job.Iteration,
		"rmsMisfit": job.RMSMisfit,
		"objective": job.Objective,
		"reason":    job.Reason,
		"elapsed":   elapsed.Seconds(),
		"startTime": job.StartTime,
		"endTime":   job.EndTime,
		"error":     job.Error,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": jobID, "state": "cancelling"})
}

// handleGetJobResult handles GET /api/v1/jobs/:id/result
func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if job.State != StateCompleted {
		http.Error(w, "No result yet", http.StatusNotFound)
		return
	}

	path := filepath.Join(s.store.RunDir(jobID), "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read result: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleGetJobTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetJobTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	reader, err := store.NewTraceReader(s.store.BaseDir(), jobID)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, "Trace not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to open trace: %v", err), http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read trace: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
