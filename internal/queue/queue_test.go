package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediascrub/mediascrub/internal/job"
)

// fakeExecutor completes every job immediately and records processing order.
type fakeExecutor struct {
	store *job.Store

	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	overlap  atomic.Bool
	done     chan string
}

func newFakeExecutor(store *job.Store) *fakeExecutor {
	return &fakeExecutor{store: store, done: make(chan string, 16)}
}

func (f *fakeExecutor) Execute(_ context.Context, id string, onUpdate func(*job.Job)) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.order = append(f.order, id)
	f.mu.Unlock()

	if snap := f.store.SetProcessing(id); snap != nil && onUpdate != nil {
		onUpdate(snap)
	}
	time.Sleep(5 * time.Millisecond)
	f.store.SetCompleted(id, "https://store.example/"+id)
	f.done <- id
}

func waitFor(t *testing.T, ch <-chan string, want int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("processed %d jobs, want %d", len(got), want)
		}
	}
	return got
}

func createQueued(t *testing.T, store *job.Store, id string) {
	t.Helper()
	err := store.Create(&job.Job{ID: id, OriginalName: id + ".mp4", CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
}

func TestQueue_ProcessesInFIFOOrderSequentially(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	exec := newFakeExecutor(store)
	q := New(store, exec, nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		createQueued(t, store, id)
		if err := q.Enqueue(id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	q.Start(ctx)

	waitFor(t, exec.done, len(ids))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for i, id := range ids {
		if exec.order[i] != id {
			t.Fatalf("processing order = %v, want %v", exec.order, ids)
		}
	}
	if exec.overlap.Load() {
		t.Error("two jobs were mid-pipeline simultaneously")
	}
}

func TestQueue_EnqueueFull(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	q := New(store, newFakeExecutor(store), nil, 1)

	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("b"); err == nil {
		t.Error("expected queue-full error, got nil")
	}
}

func TestQueue_SkipsDeletedJob(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	exec := newFakeExecutor(store)
	q := New(store, exec, nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createQueued(t, store, "doomed")
	createQueued(t, store, "survivor")
	if err := q.Enqueue("doomed"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("survivor"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Deleted while still queued: the dequeue-time check must skip it.
	store.Delete("doomed")

	q.Start(ctx)
	processed := waitFor(t, exec.done, 1)

	if processed[0] != "survivor" {
		t.Errorf("processed %v, want only survivor", processed)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.order) != 1 {
		t.Errorf("executor ran %d times, want 1", len(exec.order))
	}
}

func TestQueue_SubscribersReceiveProgressAndResult(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	exec := newFakeExecutor(store)
	q := New(store, exec, nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	createQueued(t, store, "a")
	ch := q.Subscribe("a")
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Start(ctx)

	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				goto drained
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscriber channel never closed")
		}
	}
drained:
	if len(events) < 2 {
		t.Fatalf("events = %v, want at least status + result", events)
	}
	if events[0].Event != "status" {
		t.Errorf("first event = %q, want status", events[0].Event)
	}
	last := events[len(events)-1]
	if last.Event != "result" {
		t.Fatalf("last event = %q, want result", last.Event)
	}

	var snap job.Job
	if err := json.Unmarshal([]byte(last.Data), &snap); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if snap.Status != job.StatusCompleted || snap.DownloadURL == "" {
		t.Errorf("result snapshot = %+v", snap)
	}
}

func TestQueue_UnsubscribeRemovesChannel(t *testing.T) {
	t.Parallel()
	store := job.NewStore()
	q := New(store, newFakeExecutor(store), nil, 16)

	ch := q.Subscribe("a")
	q.Unsubscribe("a", ch)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.subs["a"]) != 0 {
		t.Error("subscriber channel still registered after Unsubscribe")
	}
}
