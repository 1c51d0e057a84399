package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mediascrub/mediascrub/internal/config"
	"github.com/mediascrub/mediascrub/internal/job"
	"github.com/mediascrub/mediascrub/internal/progress"
)

type fakeUploader struct {
	url  string
	err  error
	puts []string
}

func (f *fakeUploader) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.puts = append(f.puts, key)
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AudioStagePath:      "audio-stage",
		VideoStagePath:      "video-stage",
		VideoNoiseIntensity: 3,
	}
}

// stageScript fakes one stage invocation: emit events, optionally create the
// declared output, return an exit code.
type stageScript struct {
	events     []progress.Event
	exitCode   int
	makeOutput bool
}

func scriptedRunner(t *testing.T, scripts map[string]stageScript) runStageFunc {
	t.Helper()
	return func(_ context.Context, program string, args []string, onEvent func(progress.Event)) int {
		script, ok := scripts[program]
		if !ok {
			t.Fatalf("unexpected stage program %q", program)
		}
		for _, ev := range script.events {
			onEvent(ev)
		}
		if script.makeOutput {
			if err := os.WriteFile(args[1], []byte("artifact"), 0o644); err != nil {
				t.Fatalf("write stage output: %v", err)
			}
		}
		return script.exitCode
	}
}

func createJob(t *testing.T, s *job.Store, videoNoise bool) *job.Job {
	t.Helper()
	input := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(input, []byte("source"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	j := &job.Job{
		ID:           "job-1",
		OriginalName: "clip.mp4",
		InputPath:    input,
		VideoNoise:   videoNoise,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Create(j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func TestExecute_SingleStageSuccess(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, false)
	up := &fakeUploader{url: "https://store.example/clip"}

	p := &Pipeline{store: store, uploader: up, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {
			events: []progress.Event{
				{Step: "extract", Percent: 50, Message: "extracting"},
				{Step: "complete", Percent: 100, Message: "done"},
			},
			makeOutput: true,
		},
	})}

	var statuses []job.Status
	p.Execute(context.Background(), j.ID, func(snap *job.Job) {
		statuses = append(statuses, snap.Status)
	})

	got := store.Get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error=%q), want completed", got.Status, got.Error)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.DownloadURL != "https://store.example/clip" {
		t.Errorf("download url = %q", got.DownloadURL)
	}
	if got.CompletedAt == nil || got.ExpiresAt == nil {
		t.Fatal("completion timestamps missing")
	}
	if statuses[0] != job.StatusProcessing {
		t.Errorf("first observed status = %s, want processing", statuses[0])
	}

	if len(up.puts) != 1 || up.puts[0] != "job-1/clip_processed.mp4" {
		t.Errorf("storage keys = %v", up.puts)
	}

	if _, err := os.Stat(j.InputPath); !os.IsNotExist(err) {
		t.Error("input artifact not cleaned up")
	}
	processed := derivedPath(j.InputPath, "_processed")
	if _, err := os.Stat(processed); !os.IsNotExist(err) {
		t.Error("final artifact not removed after successful upload")
	}
}

func TestExecute_MandatoryStageFails(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, false)
	up := &fakeUploader{url: "https://store.example/clip"}

	p := &Pipeline{store: store, uploader: up, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {exitCode: 2},
	})}
	p.Execute(context.Background(), j.ID, nil)

	got := store.Get(j.ID)
	if got.Status != job.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "2") {
		t.Errorf("error %q does not mention exit code 2", got.Error)
	}
	if len(up.puts) != 0 {
		t.Error("storage put called for a failed job")
	}
	if _, err := os.Stat(j.InputPath); !os.IsNotExist(err) {
		t.Error("input artifact not cleaned up after failure")
	}
}

func TestExecute_ProtocolErrorWinsOverExitCode(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, false)

	p := &Pipeline{store: store, uploader: &fakeUploader{}, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {
			events:   []progress.Event{{Err: "input stream has no audio track"}},
			exitCode: 1,
		},
	})}
	p.Execute(context.Background(), j.ID, nil)

	got := store.Get(j.ID)
	if got.Status != job.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Error != "input stream has no audio track" {
		t.Errorf("error = %q, want the stage-reported message", got.Error)
	}
}

func TestExecute_TwoStageProgressRemap(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, true)
	up := &fakeUploader{url: "https://store.example/clip"}

	p := &Pipeline{store: store, uploader: up, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {
			events:     []progress.Event{{Step: "extract", Percent: 80, Message: "audio"}},
			makeOutput: true,
		},
		"video-stage": {
			events:     []progress.Event{{Step: "video_perturb", Percent: 40, Message: "video"}},
			makeOutput: true,
		},
	})}

	var observed []int
	p.Execute(context.Background(), j.ID, func(snap *job.Job) {
		observed = append(observed, snap.Progress)
	})

	got := store.Get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s (error=%q), want completed", got.Status, got.Error)
	}

	// Mandatory 80 -> 40 in the lower band, optional 40 -> 50+round(40*.45)=68.
	var saw40, saw68 bool
	for _, pr := range observed {
		if pr == 40 {
			saw40 = true
		}
		if pr == 68 {
			saw68 = true
		}
	}
	if !saw40 || !saw68 {
		t.Errorf("observed progress %v, want to include 40 and 68", observed)
	}

	if len(up.puts) != 1 || up.puts[0] != "job-1/clip_final.mp4" {
		t.Errorf("storage keys = %v", up.puts)
	}
	processed := derivedPath(j.InputPath, "_processed")
	if _, err := os.Stat(processed); !os.IsNotExist(err) {
		t.Error("intermediate _processed artifact not removed")
	}
}

func TestExecute_OptionalStageFailure(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, true)
	up := &fakeUploader{url: "https://store.example/clip"}

	p := &Pipeline{store: store, uploader: up, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {makeOutput: true},
		"video-stage": {exitCode: 3},
	})}
	p.Execute(context.Background(), j.ID, nil)

	got := store.Get(j.ID)
	if got.Status != job.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "3") {
		t.Errorf("error %q does not mention exit code 3", got.Error)
	}
	if len(up.puts) != 0 {
		t.Error("storage put called although the optional stage failed")
	}
	processed := derivedPath(j.InputPath, "_processed")
	if _, err := os.Stat(processed); !os.IsNotExist(err) {
		t.Error("intermediate artifact kept after optional stage failure")
	}
	if _, err := os.Stat(j.InputPath); !os.IsNotExist(err) {
		t.Error("input artifact not cleaned up")
	}
}

func TestExecute_StorageFailure(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	j := createJob(t, store, false)
	up := &fakeUploader{err: errors.New("bucket unreachable")}

	p := &Pipeline{store: store, uploader: up, cfg: testConfig(), runStage: scriptedRunner(t, map[string]stageScript{
		"audio-stage": {makeOutput: true},
	})}
	p.Execute(context.Background(), j.ID, nil)

	got := store.Get(j.ID)
	if got.Status != job.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "bucket unreachable") {
		t.Errorf("error = %q, want the storage cause", got.Error)
	}
	// Per the handoff ordering the local artifact survives a failed upload.
	processed := derivedPath(j.InputPath, "_processed")
	if _, err := os.Stat(processed); err != nil {
		t.Error("final artifact should remain on disk when the upload fails")
	}
}

func TestExecute_DeletedJobIsSilentNoOp(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	p := &Pipeline{store: store, uploader: &fakeUploader{}, cfg: testConfig(), runStage: func(context.Context, string, []string, func(progress.Event)) int {
		t.Fatal("stage ran for a job that does not exist")
		return 0
	}}
	p.Execute(context.Background(), "gone", nil)
}

func TestDerivedPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path, suffix, want string
	}{
		{"/up/a.mp4", "_processed", "/up/a_processed.mp4"},
		{"/up/a.final.mov", "_final", "/up/a.final_final.mov"},
		{"/up/noext", "_processed", "/up/noext_processed"},
	}
	for _, tt := range tests {
		if got := derivedPath(tt.path, tt.suffix); got != tt.want {
			t.Errorf("derivedPath(%q, %q) = %q, want %q", tt.path, tt.suffix, got, tt.want)
		}
	}
}

func TestStorageKey(t *testing.T) {
	t.Parallel()
	if got := storageKey("id1", "holiday clip.mp4", false); got != "id1/holiday clip_processed.mp4" {
		t.Errorf("single-stage key = %q", got)
	}
	if got := storageKey("id1", "holiday clip.mp4", true); got != "id1/holiday clip_final.mp4" {
		t.Errorf("two-stage key = %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()
	if got := contentTypeFor("a.mp4"); got != "video/mp4" {
		t.Errorf("contentTypeFor(a.mp4) = %q", got)
	}
	if got := contentTypeFor("a.xyzunknown"); got != "application/octet-stream" {
		t.Errorf("fallback content type = %q", got)
	}
}
