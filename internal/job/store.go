package job

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Store is the in-memory job registry. It exclusively owns all Job records:
// callers only ever see clones, and all mutation goes through Store methods.
// The registry is process-lifetime only; a restart loses all job history.
//
// Every mutator is a harmless no-op when the id is absent, so progress events
// arriving for a job deleted mid-processing are discarded safely.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  uint64
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

// Create inserts a new queued job. It fails only if the id already exists;
// supplying a unique id is the caller's responsibility.
func (s *Store) Create(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}

	rec := j.Clone()
	rec.Status = StatusQueued
	rec.Progress = 0
	if rec.Steps == nil {
		rec.Steps = []Step{}
	}
	s.seq++
	rec.seq = s.seq
	s.jobs[j.ID] = rec
	return nil
}

// Get returns a snapshot of the job, or nil if it does not exist.
func (s *Store) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.Clone()
}

// List returns snapshots of all jobs, most recently created first.
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].seq > jobs[b].seq })
	return jobs
}

// Delete removes the job from the registry and best-effort deletes its known
// local artifacts. Deleting an unknown id is a no-op, not an error. A job
// that is mid-processing keeps running; the scheduler's dequeue-time status
// check is the only guard against processing an already-deleted job.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	removeQuiet(j.InputPath)
	removeQuiet(j.OutputPath)
}

// SetProcessing transitions the job to processing and records the starting
// step. Returns the updated snapshot, or nil if the job is gone.
func (s *Store) SetProcessing(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = StatusProcessing
	j.CurrentStep = "starting"
	j.Steps = append(j.Steps, Step{
		Step:      "starting",
		Percent:   0,
		Message:   "processing started",
		Timestamp: time.Now().UTC(),
	})
	return j.Clone()
}

// ApplyProgress records one progress event: clamps percent to [0,100], never
// lowers the job's overall progress, updates the current step and appends to
// the audit trail. Events for absent or already-terminal jobs are dropped.
func (s *Store) ApplyProgress(id, step string, percent int, message string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return nil
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	j.CurrentStep = step
	j.Steps = append(j.Steps, Step{
		Step:      step,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return j.Clone()
}

// SetOutputPath records where a stage declared its output artifact.
func (s *Store) SetOutputPath(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		j.OutputPath = path
	}
}

// SetError transitions the job to its terminal error state. The first error
// wins: once set, the status and message are never overwritten, so a generic
// exit-code failure cannot clobber an error the stage reported itself.
func (s *Store) SetError(id, message string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return nil
	}
	j.Status = StatusError
	j.Error = message
	return j.Clone()
}

// SetCompleted transitions the job to completed with its download URL.
// ExpiresAt is exactly CompletedAt plus the retention window.
func (s *Store) SetCompleted(id, downloadURL string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	expires := now.Add(RetentionWindow)
	j.Status = StatusCompleted
	j.Progress = 100
	j.CurrentStep = "complete"
	j.CompletedAt = &now
	j.ExpiresAt = &expires
	j.DownloadURL = downloadURL
	return j.Clone()
}

// removeQuiet deletes a file if it exists. Cleanup is advisory: failures are
// logged and swallowed, never escalated.
func removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("job: cleanup failed", "path", path, "error", err)
	}
}
