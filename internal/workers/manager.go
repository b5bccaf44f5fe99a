package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/pkg/logger"
)

// WorkerManager runs pipeline jobs as detached goroutines and keeps a bounded,
// in-memory history of their status
type WorkerManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*models.Job
	order   []string
	history int
	stopped bool
}

// NewWorkerManager creates a manager remembering up to history finished jobs
func NewWorkerManager(history int) *WorkerManager {
	if history <= 0 {
		history = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerManager{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*models.Job),
		history: history,
	}
}

// Start registers job and runs fn on the manager's context, independent of any request.
// Panics in fn are recovered and reported as job failures. Once StopAll has been
// called no new job is accepted and models.ErrShuttingDown is returned.
func (wm *WorkerManager) Start(job *models.Job, fn func(ctx context.Context) error) error {
	wm.mu.Lock()
	if wm.stopped {
		wm.mu.Unlock()
		return models.ErrShuttingDown
	}
	wm.wg.Add(1)
	wm.track(job)
	wm.mu.Unlock()

	log := logger.ForRun(string(job.JobType), job.ID).WithField("target", job.Target)
	go func() {
		defer wm.wg.Done()

		wm.update(job.ID, func(j *models.Job) { j.MarkStarted() })
		log.Info("Job started")

		err := wm.run(fn)
		if err != nil {
			wm.update(job.ID, func(j *models.Job) { j.MarkFailed(err.Error()) })
			log.WithError(err).Warn("Job failed")
			return
		}

		wm.update(job.ID, func(j *models.Job) { j.MarkCompleted() })
		log.Info("Job completed")
	}()
	return nil
}

func (wm *WorkerManager) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(wm.ctx)
}

// StopAll cancels running jobs and waits for them up to timeout
func (wm *WorkerManager) StopAll(timeout time.Duration) error {
	logger.GetLogger().Info("Stopping all jobs...")
	wm.mu.Lock()
	wm.stopped = true
	wm.mu.Unlock()
	wm.cancel()

	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.GetLogger().Info("All jobs stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for jobs to stop", timeout)
	}
}

// Wait blocks until every started job has returned
func (wm *WorkerManager) Wait() {
	wm.wg.Wait()
}

// GetJob returns a copy of the job status
func (wm *WorkerManager) GetJob(id string) (*models.Job, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	job, ok := wm.jobs[id]
	if !ok {
		return nil, false
	}
	c := *job
	return &c, true
}

// ListJobs returns copies of all remembered jobs, newest first
func (wm *WorkerManager) ListJobs() []*models.Job {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	out := make([]*models.Job, 0, len(wm.jobs))
	for _, id := range wm.order {
		c := *wm.jobs[id]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// track must be called with wm.mu held
func (wm *WorkerManager) track(job *models.Job) {
	wm.jobs[job.ID] = job
	wm.order = append(wm.order, job.ID)

	// Evict the oldest finished jobs beyond the history size
	for len(wm.order) > wm.history {
		evicted := false
		for i, id := range wm.order {
			if wm.jobs[id].IsFinished() {
				delete(wm.jobs, id)
				wm.order = append(wm.order[:i], wm.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}
}

func (wm *WorkerManager) update(id string, fn func(*models.Job)) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if job, ok := wm.jobs[id]; ok {
		fn(job)
	}
}
