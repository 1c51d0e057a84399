// Package queue admits jobs in FIFO order and drives them through the
// pipeline one at a time, fanning live progress out to subscribers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mediascrub/mediascrub/internal/job"
	"github.com/mediascrub/mediascrub/internal/webhook"
)

// Event is one server-sent event frame for a job's subscribers.
type Event struct {
	Event string // "status", "progress", "result"
	Data  string // JSON job snapshot
}

// Executor runs one job to a terminal status. onUpdate receives a snapshot
// after every state change.
type Executor interface {
	Execute(ctx context.Context, id string, onUpdate func(*job.Job))
}

// Recorder persists a terminal job snapshot to the history archive.
type Recorder interface {
	Record(ctx context.Context, j *job.Job) error
}

// Queue owns the FIFO admission channel and the single worker that drains
// it. One worker means at most one pipeline in flight, in strict admission
// order; that single-flight property is what makes all in-memory job
// mutation race-free without further locking.
type Queue struct {
	jobs     chan string
	store    *job.Store
	exec     Executor
	recorder Recorder // optional
	subs     map[string][]chan Event
	mu       sync.RWMutex
}

// New creates a Queue with the given admission capacity. recorder may be nil
// to disable the history archive.
func New(store *job.Store, exec Executor, recorder Recorder, size int) *Queue {
	return &Queue{
		jobs:     make(chan string, size),
		store:    store,
		exec:     exec,
		recorder: recorder,
		subs:     make(map[string][]chan Event),
	}
}

// Enqueue adds a job id to the admission queue. Returns an error if the
// queue is full.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start launches the worker goroutine. It must be called exactly once.
func (q *Queue) Start(ctx context.Context) {
	go q.runWorker(ctx)
}

// Subscribe creates a buffered event channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an event channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	for i, c := range chans {
		if c == ch {
			q.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.subs[jobID]) == 0 {
		delete(q.subs, jobID)
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	// Dequeue-time guard: the job may have been deleted while it waited.
	// This check is the only synchronization between delete and the worker.
	j := q.store.Get(jobID)
	if j == nil || j.Status != job.StatusQueued {
		slog.Info("queue: skipping dequeued job", "job_id", jobID, "reason", "missing or no longer queued")
		q.closeSubs(jobID)
		return
	}

	q.exec.Execute(ctx, jobID, q.publish)

	fin := q.store.Get(jobID)
	if fin == nil {
		// Deleted mid-processing; nothing left to report.
		q.closeSubs(jobID)
		return
	}
	if !fin.Status.IsTerminal() {
		slog.Error("queue: pipeline returned without terminal status", "job_id", jobID, "status", fin.Status)
		q.closeSubs(jobID)
		return
	}

	q.notifyAndClose(jobID, resultEvent(fin))

	if q.recorder != nil {
		if err := q.recorder.Record(ctx, fin); err != nil {
			slog.Warn("queue: history record failed", "job_id", jobID, "error", err)
		}
	}

	if fin.CallbackURL != "" {
		payload, _ := json.Marshal(map[string]any{
			"job_id":       fin.ID,
			"status":       fin.Status,
			"error":        fin.Error,
			"download_url": fin.DownloadURL,
			"expires_at":   fin.ExpiresAt,
		})
		// Retries must survive this job but stop on server shutdown.
		webhook.Send(context.WithoutCancel(ctx), fin.CallbackURL, payload)
	}
}

// publish forwards a non-terminal snapshot to the job's subscribers. The
// terminal snapshot is sent exactly once by processJob as a "result" event.
func (q *Queue) publish(snap *job.Job) {
	if snap == nil || snap.Status.IsTerminal() {
		return
	}
	name := "progress"
	if snap.CurrentStep == "starting" {
		name = "status"
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	q.notify(snap.ID, Event{Event: name, Data: string(data)})
}

func resultEvent(j *job.Job) Event {
	data, _ := json.Marshal(j)
	return Event{Event: "result", Data: string(data)}
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event Event) {
	q.mu.RLock()
	chans := q.subs[jobID]
	q.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event Event) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}

// closeSubs closes all channels for a job without a final event.
func (q *Queue) closeSubs(jobID string) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}
