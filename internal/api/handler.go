// Package api exposes the HTTP surface of the service: job submission,
// inspection, live progress streaming and the processing history.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mediascrub/mediascrub/internal/archive"
	"github.com/mediascrub/mediascrub/internal/config"
	"github.com/mediascrub/mediascrub/internal/job"
	"github.com/mediascrub/mediascrub/internal/queue"
)

// History serves archived terminal jobs. It is optional; a nil History
// disables the endpoint.
type History interface {
	Recent(ctx context.Context, limit int) ([]archive.Entry, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store   *job.Store
	queue   *queue.Queue
	history History
	cfg     *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(cfg *config.Config, store *job.Store, q *queue.Queue, history History) *Handler {
	return &Handler{store: store, queue: q, history: history, cfg: cfg}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/history", h.ListHistory)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs. It accepts a multipart form with a
// "file" part plus optional "video_noise" and "callback_url" fields, saves
// the upload, registers the job and admits it to the queue. Responds 202
// with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxUploadMB)<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or unreadable file field")
		return
	}
	defer file.Close()

	originalName := filepath.Base(header.Filename)
	if originalName == "" || originalName == "." || originalName == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, "upload has no usable filename")
		return
	}

	videoNoise, _ := strconv.ParseBool(r.FormValue("video_noise"))
	callbackURL := r.FormValue("callback_url")

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to prepare upload directory")
		return
	}

	id := uuid.New().String()
	inputPath := filepath.Join(h.cfg.UploadDir, id+"_"+originalName)
	if err := saveUpload(inputPath, file); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	j := &job.Job{
		ID:           id,
		OriginalName: originalName,
		InputPath:    inputPath,
		VideoNoise:   videoNoise,
		CallbackURL:  callbackURL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.Create(j); err != nil {
		os.Remove(inputPath)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := h.queue.Enqueue(j.ID); err != nil {
		// Delete also removes the saved upload.
		h.store.Delete(j.ID)
		writeError(w, http.StatusServiceUnavailable, "queue full, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, h.store.Get(j.ID))
}

func saveUpload(dst string, src io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

// ListJobs handles GET /api/v1/jobs and responds 200 with all known jobs,
// newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.store.List()
	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j := h.store.Get(r.PathValue("id"))
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. Deleting an
// unknown id is a no-op, so the endpoint is idempotent.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	h.store.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory handles GET /api/v1/history and responds 200 with recently
// archived terminal jobs.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive disabled")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  entries,
		"total": len(entries),
	})
}

// Health handles GET /api/v1/health. It reports whether the stage programs
// are present on disk so a misconfigured deployment is visible before the
// first job fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"audio_stage": stageStatus(h.cfg.AudioStagePath),
		"video_stage": stageStatus(h.cfg.VideoStagePath),
	})
}

func stageStatus(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "missing"
	}
	return "ok"
}

// parseIntParam parses a query string integer, returning the fallback on
// empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
