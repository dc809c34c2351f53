// Package api is the HTTP adapter over the service components. Handlers
// decode, call into the components, encode, and map error kinds to status
// codes; no business logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/megamlab/megamd"
	"github.com/megamlab/megamd/internal/assets"
	"github.com/megamlab/megamd/internal/jobstore"
	"github.com/megamlab/megamd/internal/results"
	"github.com/megamlab/megamd/internal/supervisor"
)

type Server struct {
	store          *jobstore.Store
	sup            *supervisor.Supervisor
	assets         *assets.Manager
	defaultThreads int
	version        string
	log            *zap.SugaredLogger
}

func New(store *jobstore.Store, sup *supervisor.Supervisor, assets *assets.Manager, defaultThreads int, version string, log *zap.SugaredLogger) *Server {
	if defaultThreads < 1 {
		defaultThreads = 8
	}
	return &Server{
		store:          store,
		sup:            sup,
		assets:         assets,
		defaultThreads: defaultThreads,
		version:        version,
		log:            log,
	}
}

// Router wires every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/launch", s.handleLaunch)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Get("/results/{jobID}", s.handleResults)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{jobID}/stop", s.handleStop)
		r.Delete("/jobs/{jobID}", s.handleDelete)
		r.Get("/jobs/{jobID}/files", s.handleFiles)
		r.Get("/databases", s.handleListDatabases)
		r.Post("/databases/{key}/update", s.handleUpdateDatabase)
		r.Get("/databases/{key}/progress", s.handleDatabaseProgress)
		r.Get("/health", s.handleHealth)
	})
	r.Method("GET", "/metrics", promhttp.Handler())
	return r
}

func (s *Server) respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.Warnw("encoding response", "err", err)
		}
	}
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// fail maps component error kinds onto the HTTP taxonomy.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, megamd.ErrInvalidInput):
		s.respond(w, http.StatusBadRequest, apiError{Error: "invalid_input", Detail: err.Error()})
	case errors.Is(err, megamd.ErrNotFound):
		s.respond(w, http.StatusNotFound, apiError{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, megamd.ErrTooManyJobs):
		s.respond(w, http.StatusTooManyRequests, apiError{Error: "too_many_jobs", Detail: err.Error()})
	case errors.Is(err, megamd.ErrAlreadyTerminal):
		s.respond(w, http.StatusConflict, apiError{Error: "already_terminal", Detail: err.Error()})
	case errors.Is(err, megamd.ErrInvalidTransition):
		s.respond(w, http.StatusConflict, apiError{Error: "invalid_transition", Detail: err.Error()})
	case errors.Is(err, megamd.ErrNotCompleted):
		s.respond(w, http.StatusConflict, apiError{Error: "not_completed", Detail: err.Error()})
	case errors.Is(err, megamd.ErrAlreadyDownloading):
		s.respond(w, http.StatusConflict, apiError{Error: "already_downloading", Detail: err.Error()})
	default:
		id := uuid.New().String()[:8]
		s.log.Errorw("internal error", "correlation", id, "err", err)
		s.respond(w, http.StatusInternalServerError, apiError{Error: "internal_error", Detail: "correlation id " + id})
	}
}

type launchRequest struct {
	SampleID      string `json:"sample_id"`
	Threads       *int   `json:"threads"`
	ProkkaMode    string `json:"prokka_mode"`
	ProkkaGenus   string `json:"prokka_genus"`
	ProkkaSpecies string `json:"prokka_species"`
	Force         bool   `json:"force"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Error: "invalid_input", Detail: "malformed JSON body"})
		return
	}
	opts := megamd.Options{
		Threads:       s.defaultThreads,
		ProkkaMode:    "auto",
		ProkkaGenus:   req.ProkkaGenus,
		ProkkaSpecies: req.ProkkaSpecies,
		Force:         req.Force,
	}
	if req.Threads != nil && *req.Threads > 0 {
		opts.Threads = *req.Threads
	}
	if req.ProkkaMode != "" {
		opts.ProkkaMode = req.ProkkaMode
	}

	job, err := s.sup.Launch(req.SampleID, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"job_id":     job.ID,
		"sample_id":  job.SampleID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

type statusResponse struct {
	JobID           string        `json:"job_id"`
	SampleID        string        `json:"sample_id"`
	Status          megamd.Status `json:"status"`
	RunNumber       *int          `json:"run_number,omitempty"`
	ProgressPercent int           `json:"progress_percent"`
	CurrentStep     string        `json:"current_step"`
	LogsPreview     []string      `json:"logs_preview"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

func statusOf(j *megamd.Job) statusResponse {
	preview := j.LogsPreview
	if preview == nil {
		preview = []string{}
	}
	return statusResponse{
		JobID:           j.ID,
		SampleID:        j.SampleID,
		Status:          j.Status,
		RunNumber:       j.RunNumber,
		ProgressPercent: j.ProgressPercent,
		CurrentStep:     j.CurrentStep,
		LogsPreview:     preview,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		ExitCode:        j.ExitCode,
		ErrorMessage:    j.ErrorMessage,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, statusOf(job))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if job.Status != megamd.StatusCompleted || job.OutputDir == nil {
		s.fail(w, errJob(job.ID, job.Status, megamd.ErrNotCompleted))
		return
	}
	res, err := results.Parse(*job.OutputDir, job.SampleID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"job_id":                  job.ID,
		"sample_id":               job.SampleID,
		"metadata":                res.Metadata,
		"assembly_stats":          res.AssemblyStats,
		"arg_detection":           res.ARGDetection,
		"total_arg_genes":         res.TotalARGGenes,
		"unique_resistance_types": res.UniqueResistanceTypes,
		"ml_features":             res.MLFeatures,
		"report_html_path":        res.ReportHTMLPath,
		"output_directory":        res.OutputDirectory,
		"parse_warnings":          res.ParseWarnings,
		"completed_at":            job.CompletedAt,
	})
}

func errJob(id string, status megamd.Status, kind error) error {
	return &jobStateError{id: id, status: status, kind: kind}
}

type jobStateError struct {
	id     string
	status megamd.Status
	kind   error
}

func (e *jobStateError) Error() string {
	return "job " + e.id + " is " + string(e.status)
}

func (e *jobStateError) Unwrap() error { return e.kind }

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	jobs, total, err := s.store.List(q.Get("status_filter"), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	list := make([]statusResponse, len(jobs))
	for i, j := range jobs {
		list[i] = statusOf(j)
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"jobs":  list,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(chi.URLParam(r, "jobID")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"ack": "stopping"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	s.sup.StopIfRunning(id)
	job, err := s.store.Delete(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if job.OutputDir != nil {
		if err := os.RemoveAll(*job.OutputDir); err != nil {
			s.log.Warnw("removing run directory", "job", id, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileEntry struct {
	RelPath string `json:"rel_path"`
	Size    int64  `json:"size"`
	Mime    string `json:"mime"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	files := []fileEntry{}
	if job.OutputDir != nil {
		root := *job.OutputDir
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			mt := mime.TypeByExtension(filepath.Ext(path))
			if mt == "" {
				mt = "application/octet-stream"
			}
			files = append(files, fileEntry{RelPath: rel, Size: info.Size(), Mime: mt})
			return nil
		})
		sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	}
	s.respond(w, http.StatusOK, files)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.assets.List())
}

func (s *Server) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.assets.Update(chi.URLParam(r, "key")); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"ack": "updating"})
}

func (s *Server) handleDatabaseProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.assets.Progress(chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}
