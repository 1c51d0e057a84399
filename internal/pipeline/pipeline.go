// Package pipeline orchestrates one job end to end: mandatory audio stage,
// optional video-noise stage, storage handoff, cleanup.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediascrub/mediascrub/internal/config"
	"github.com/mediascrub/mediascrub/internal/job"
	"github.com/mediascrub/mediascrub/internal/progress"
	"github.com/mediascrub/mediascrub/internal/stage"
	"github.com/mediascrub/mediascrub/internal/storage"
)

// runStageFunc matches stage.Run; swapped out in tests.
type runStageFunc func(ctx context.Context, program string, args []string, onEvent func(progress.Event)) int

// Pipeline runs jobs sequentially on behalf of the scheduler. All job-state
// mutation goes through the store; all failures are absorbed into the job's
// error status and never escape Execute.
type Pipeline struct {
	store    *job.Store
	uploader storage.Uploader
	cfg      *config.Config
	runStage runStageFunc
}

func New(cfg *config.Config, store *job.Store, uploader storage.Uploader) *Pipeline {
	return &Pipeline{
		store:    store,
		uploader: uploader,
		cfg:      cfg,
		runStage: stage.Run,
	}
}

// Execute processes one job to a terminal status. onUpdate receives a fresh
// snapshot after every state change so the caller can publish live progress;
// it may be nil.
func (p *Pipeline) Execute(ctx context.Context, id string, onUpdate func(*job.Job)) {
	j := p.store.Get(id)
	if j == nil {
		return
	}

	notify := func(snap *job.Job) {
		if snap != nil && onUpdate != nil {
			onUpdate(snap)
		}
	}

	// The uploaded source is always removed once the job reaches a terminal
	// state, whatever that state is. Cleanup is advisory and never escalates.
	defer removeQuiet(j.InputPath)

	notify(p.store.SetProcessing(id))

	// Mandatory stage: audio cleaning. Its native 0-100 range owns the whole
	// progress bar for single-stage jobs and the lower half for two-stage jobs.
	processedPath := derivedPath(j.InputPath, "_processed")
	code := p.runStage(ctx, p.cfg.AudioStagePath, []string{j.InputPath, processedPath}, func(ev progress.Event) {
		if ev.IsError() {
			notify(p.store.SetError(id, ev.Err))
			return
		}
		pct := ev.Percent
		if j.VideoNoise {
			pct = scaleMandatoryPercent(pct)
		}
		notify(p.store.ApplyProgress(id, ev.Step, pct, ev.Message))
	})
	if code != 0 || !fileExists(processedPath) {
		// SetError is a no-op if the stage already reported its own error.
		notify(p.store.SetError(id, fmt.Sprintf("audio stage failed (exit code %d)", code)))
		return
	}
	p.store.SetOutputPath(id, processedPath)

	finalPath := processedPath
	if j.VideoNoise {
		finalPath = derivedPath(j.InputPath, "_final")
		intensity := strconv.FormatFloat(p.cfg.VideoNoiseIntensity, 'f', -1, 64)
		code := p.runStage(ctx, p.cfg.VideoStagePath, []string{processedPath, finalPath, intensity}, func(ev progress.Event) {
			if ev.IsError() {
				notify(p.store.SetError(id, ev.Err))
				return
			}
			notify(p.store.ApplyProgress(id, ev.Step, remapOptionalPercent(ev.Percent), ev.Message))
		})
		// The _processed file is an intermediate artifact; it goes away
		// whether the video stage succeeded or not.
		removeQuiet(processedPath)
		if code != 0 || !fileExists(finalPath) {
			notify(p.store.SetError(id, fmt.Sprintf("video stage failed (exit code %d)", code)))
			return
		}
		p.store.SetOutputPath(id, finalPath)
	}

	// Defensive: earlier checks should have caught a missing artifact.
	if !fileExists(finalPath) {
		notify(p.store.SetError(id, "output not found"))
		return
	}

	notify(p.store.ApplyProgress(id, "uploading", 95, "storing result"))

	data, err := os.ReadFile(finalPath)
	if err != nil {
		slog.Error("pipeline: read output artifact", "job_id", id, "error", err)
		notify(p.store.SetError(id, "failed to read output artifact"))
		return
	}

	url, err := p.uploader.Put(ctx, storageKey(id, j.OriginalName, j.VideoNoise), data, contentTypeFor(j.OriginalName))
	if err != nil {
		// No retry; the local artifact stays on disk for the operator.
		notify(p.store.SetError(id, fmt.Sprintf("storage upload failed: %v", err)))
		return
	}

	notify(p.store.SetCompleted(id, url))
	removeQuiet(finalPath)
}

// derivedPath inserts suffix before the path's extension:
// /tmp/u/abc.mp4 + "_processed" -> /tmp/u/abc_processed.mp4.
func derivedPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// storageKey is the deterministic object key for a job's final artifact. The
// suffix tells single-stage and two-stage output apart.
func storageKey(id, originalName string, videoNoise bool) string {
	suffix := "_processed"
	if videoNoise {
		suffix = "_final"
	}
	ext := filepath.Ext(originalName)
	base := strings.TrimSuffix(filepath.Base(originalName), ext)
	return id + "/" + base + suffix + ext
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// removeQuiet deletes a file if it exists; failures are logged and swallowed.
func removeQuiet(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("pipeline: cleanup failed", "path", path, "error", err)
	}
}
