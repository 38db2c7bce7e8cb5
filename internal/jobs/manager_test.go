package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	m := NewManager(s, Config{MaxConcurrent: 2})
	t.Cleanup(func() {
		m.Stop()
		s.Close()
	})
	return m, s
}

func waitFor(t *testing.T, m *Manager, id string) *store.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := m.Wait(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return job
}

func TestSubmitRunsExecutor(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var gotParams string
	m.Register("echo", func(ctx context.Context, job *store.Job, progress Progress) error {
		gotParams = string(job.Params)
		progress("work", 1, 1)
		return nil
	})
	m.Register("fail", func(context.Context, *store.Job, Progress) error {
		return errors.New("conversion failed")
	})
	m.Register("panic", func(context.Context, *store.Job, Progress) error {
		panic("bad input")
	})
	m.Start()

	job, err := m.Submit(ctx, "echo", "item1", map[string]string{"fileId": "f1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if done := waitFor(t, m, job.ID); done.Status != store.JobStatusSuccess || done.Progress.Phase != "work" {
		t.Fatalf("unexpected job: %+v", done)
	}
	if gotParams != `{"fileId":"f1"}` {
		t.Fatalf("params = %s", gotParams)
	}

	failed, _ := m.Submit(ctx, "fail", "item1", nil)
	if done := waitFor(t, m, failed.ID); done.Status != store.JobStatusError || done.Error != "conversion failed" {
		t.Fatalf("unexpected failed job: %+v", done)
	}
	panicked, _ := m.Submit(ctx, "panic", "", nil)
	if done := waitFor(t, m, panicked.ID); done.Status != store.JobStatusError {
		t.Fatalf("unexpected panicked job: %+v", done)
	}

	if _, err := m.Submit(ctx, "nope", "", nil); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("unknown type should be InvalidArgument, got %v", err)
	}
	if err := m.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, job.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("deleted job should be NotFound, got %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	started := make(chan struct{})
	m.Register("slow", func(ctx context.Context, _ *store.Job, _ Progress) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	m.Start()

	job, err := m.Submit(ctx, "slow", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	running, _ := m.Get(ctx, job.ID)
	if running.Status != store.JobStatusRunning {
		t.Fatalf("status = %s", running.Status)
	}
	if err := m.Delete(ctx, job.ID); !apperr.Is(err, apperr.Conflict) {
		t.Fatalf("deleting a running job should conflict, got %v", err)
	}
	if !m.Cancel(ctx, job.ID) {
		t.Fatal("Cancel returned false")
	}
	if done := waitFor(t, m, job.ID); done.Status != store.JobStatusCancelled {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestStartRecoversJobs(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	ran := make(chan string, 1)
	m.Register("convert", func(_ context.Context, job *store.Job, _ Progress) error {
		ran <- job.ID
		return nil
	})
	if err := s.CreateJob(ctx, &store.Job{ID: "interrupted", Type: "convert", Status: store.JobStatusQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobStarted(ctx, "interrupted"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, &store.Job{ID: "waiting", Type: "convert", Status: store.JobStatusQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	m.Start()
	select {
	case id := <-ran:
		if id != "waiting" {
			t.Fatalf("ran %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued job was not re-queued")
	}
	if job := waitFor(t, m, "interrupted"); job.Status != store.JobStatusError {
		t.Fatalf("interrupted job status = %s", job.Status)
	}
}

func TestPreparedJobRunsOnlyWhenEnqueued(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	ran := make(chan string, 1)
	m.Register("convert", func(_ context.Context, job *store.Job, _ Progress) error {
		ran <- job.ID
		return nil
	})
	m.Start()

	job, err := m.Prepare(ctx, "convert", "item1", nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	select {
	case id := <-ran:
		t.Fatalf("job %s ran before Enqueue", id)
	case <-time.After(50 * time.Millisecond):
	}
	m.Enqueue(ctx, job)
	if done := waitFor(t, m, job.ID); done.Status != store.JobStatusSuccess {
		t.Fatalf("status = %s", done.Status)
	}
}
