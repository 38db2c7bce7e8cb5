// Package jobs runs background jobs (pyramid conversion, batch thumbnails)
// with SQLite persistence. Callers poll job status; nothing awaits a job
// inline on the request path.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/large-image/server/internal/apperr"
	"github.com/large-image/server/internal/store"
)

// Store is the job persistence the manager needs.
type Store interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateJobStarted(ctx context.Context, id string) error
	UpdateJobStatus(ctx context.Context, id string, status store.JobStatus, errMsg string) error
	UpdateJobProgress(ctx context.Context, id string, p store.JobProgress) error
	ListQueuedJobs(ctx context.Context) ([]*store.Job, error)
	MarkRunningAsFailed(ctx context.Context, errMsg string) (int64, error)
	DeleteExpiredJobs(ctx context.Context, retentionDays int) (int64, error)
	DeleteJob(ctx context.Context, id string) error
}

// Progress reports job progress.
type Progress func(phase string, done, total int)

// Executor runs one job of a registered type.
type Executor func(ctx context.Context, job *store.Job, progress Progress) error

// Config contains configuration for the job manager.
type Config struct {
	MaxConcurrent int // Max concurrent jobs (default 1)
	QueueSize     int // Pending job capacity (default 100)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// Manager queues and runs jobs.
type Manager struct {
	cfg       Config
	store     Store
	executors map[string]Executor
	queue     chan string
	running   map[string]context.CancelFunc
	mu        sync.Mutex
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewManager creates a job manager over s.
func NewManager(s Store, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	return &Manager{
		cfg:       cfg,
		store:     s,
		executors: make(map[string]Executor),
		queue:     make(chan string, cfg.QueueSize),
		running:   make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Register sets the executor for a job type. It must be called before
// Start.
func (m *Manager) Register(jobType string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[jobType] = exec
}

// Start starts the worker goroutines and cleanup ticker, after recovering
// jobs left over from a previous shutdown.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		ctx := context.Background()
		if n, err := m.store.MarkRunningAsFailed(ctx, "server restarted"); err != nil {
			log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
		} else if n > 0 {
			log.Printf("[JobManager] marked %d interrupted jobs as failed", n)
		}

		queued, err := m.store.ListQueuedJobs(ctx)
		if err != nil {
			log.Printf("[JobManager] failed to list queued jobs: %v", err)
		} else {
			for _, job := range queued {
				select {
				case m.queue <- job.ID:
					log.Printf("[JobManager] re-queued job %s", job.ID)
				default:
					log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				}
			}
		}

		for i := 0; i < m.cfg.MaxConcurrent; i++ {
			m.wg.Add(1)
			go m.worker()
		}
		go m.cleaner()
	})
}

// Stop cancels running jobs and waits for the workers to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for _, cancel := range m.running {
			cancel()
		}
		m.mu.Unlock()
		close(m.queue)
		m.wg.Wait()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for jobID := range m.queue {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.runJob(jobID)
	}
}

func (m *Manager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] cannot load job %s: %v", jobID, err)
		return
	}
	if job.Status != store.JobStatusQueued {
		// cancelled while waiting in the queue
		return
	}
	m.mu.Lock()
	exec := m.executors[job.Type]
	m.running[jobID] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, jobID)
		m.mu.Unlock()
	}()

	if err := m.store.UpdateJobStarted(ctx, jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	start := time.Now()
	var execErr error
	if exec == nil {
		execErr = fmt.Errorf("no executor for job type %q", job.Type)
	} else {
		execErr = m.execute(ctx, exec, job)
	}

	// the final status is written even though ctx may be cancelled
	done := context.Background()
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		m.setStatus(done, jobID, store.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		log.Printf("[JobManager] job %s (%s) failed after %v: %v", jobID, job.Type, time.Since(start).Round(time.Millisecond), execErr)
		m.setStatus(done, jobID, store.JobStatusError, execErr.Error())
	default:
		log.Printf("[JobManager] job %s (%s) finished in %v", jobID, job.Type, time.Since(start).Round(time.Millisecond))
		m.setStatus(done, jobID, store.JobStatusSuccess, "")
	}
}

// execute runs exec, turning a panic into a job error.
func (m *Manager) execute(ctx context.Context, exec Executor, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	progress := func(phase string, done, total int) {
		p := store.JobProgress{Phase: phase, Done: done, Total: total}
		if err := m.store.UpdateJobProgress(ctx, job.ID, p); err != nil {
			log.Printf("[JobManager] failed to update progress of job %s: %v", job.ID, err)
		}
	}
	return exec(ctx, job, progress)
}

func (m *Manager) setStatus(ctx context.Context, jobID string, status store.JobStatus, msg string) {
	if err := m.store.UpdateJobStatus(ctx, jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to set job %s to %s: %v", jobID, status, err)
	}
}

func (m *Manager) cleaner() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	deleted, err := m.store.DeleteExpiredJobs(context.Background(), m.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (m *Manager) Submit(ctx context.Context, jobType, itemID string, params interface{}) (*store.Job, error) {
	job, err := m.Prepare(ctx, jobType, itemID, params)
	if err != nil {
		return nil, err
	}
	m.Enqueue(ctx, job)
	return job, nil
}

// Prepare persists a queued job without handing it to a worker. Callers
// that must record the job ID elsewhere first call Enqueue afterwards; a
// prepared job that is never enqueued is picked up on the next Start.
func (m *Manager) Prepare(ctx context.Context, jobType, itemID string, params interface{}) (*store.Job, error) {
	m.mu.Lock()
	_, ok := m.executors[jobType]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.InvalidArgument, "unknown job type %q", jobType)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job params: %w", err)
	}
	job := &store.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		ItemID:    itemID,
		Status:    store.JobStatusQueued,
		Params:    raw,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue hands a prepared job to the workers. A full queue fails the job.
func (m *Manager) Enqueue(ctx context.Context, job *store.Job) {
	select {
	case m.queue <- job.ID:
	default:
		m.setStatus(ctx, job.ID, store.JobStatusError, "job queue is full; try again later")
		job.Status = store.JobStatusError
	}
}

// Get returns a job by ID, or NotFound.
func (m *Manager) Get(ctx context.Context, id string) (*store.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.New(apperr.NotFound, "job %s not found", id)
	}
	return job, nil
}

// Wait polls a job until it reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string, interval time.Duration) (*store.Job, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel attempts to cancel a queued or running job.
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == store.JobStatusQueued {
		m.setStatus(ctx, id, store.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a finished job record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return apperr.New(apperr.Conflict, "job %s is %s", id, job.Status)
	}
	return m.store.DeleteJob(ctx, id)
}
