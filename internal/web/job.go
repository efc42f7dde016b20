package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egcx/egcx/internal/inbox"
	"github.com/egcx/egcx/internal/pipeline"
	"github.com/egcx/egcx/internal/session"
)

// JobStatus represents the status of a background extraction run
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error" // stopped by a mailbox or setup error
)

// Job is one extraction run started over the API
type Job struct {
	ID          string
	Request     pipeline.Request
	Status      JobStatus
	Progress    session.Progress
	RunID       int64
	OutputPath  string
	Waiting     string // set while a person must solve a CAPTCHA or log in
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	ErrorType   string // "connection", "config"

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// Update stores a progress snapshot
func (j *Job) Update(p session.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress = p
	j.Waiting = ""
}

// AwaitHuman records why the run is paused
func (j *Job) AwaitHuman(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Waiting = reason
}

// Finish records the outcome of pipeline.Run
func (j *Job) Finish(res *pipeline.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.CompletedAt = time.Now()
	j.Waiting = ""
	if j.cancelFunc != nil {
		defer j.cancelFunc()
	}
	if res != nil {
		j.OutputPath = res.OutputPath
		if res.Report != nil {
			j.Progress = res.Report.Progress
			j.RunID = res.Report.RunID
		}
	}

	switch {
	case err == nil:
		j.Status = JobStatusCompleted
	case errors.Is(err, context.Canceled):
		j.Status = JobStatusCancelled
	default:
		j.Status = JobStatusError
		j.Error = err.Error()
		j.ErrorType = "config"
		var connErr *inbox.ConnectionError
		if errors.As(err, &connErr) {
			j.ErrorType = "connection"
		}
	}
}

// Cancel stops the run before its next message
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return false
	}
	if j.cancelFunc != nil {
		j.cancelFunc()
	}
	return true
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// JobView is the JSON form of a Job
type JobView struct {
	ID          string           `json:"id"`
	Status      JobStatus        `json:"status"`
	Request     pipeline.Request `json:"request"`
	Progress    session.Progress `json:"progress"`
	Percent     int              `json:"percent"`
	RunID       int64            `json:"run_id,omitempty"`
	OutputPath  string           `json:"output_path,omitempty"`
	Waiting     string           `json:"waiting,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorType   string           `json:"error_type,omitempty"`
}

// View snapshots the job for serialization
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		ID:         j.ID,
		Status:     j.Status,
		Request:    j.Request,
		Progress:   j.Progress,
		RunID:      j.RunID,
		OutputPath: j.OutputPath,
		Waiting:    j.Waiting,
		StartedAt:  j.StartedAt,
		Error:      j.Error,
		ErrorType:  j.ErrorType,
	}
	if j.Progress.Total > 0 {
		v.Percent = j.Progress.Processed * 100 / j.Progress.Total
	}
	if j.Status == JobStatusCompleted {
		v.Percent = 100
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func (j *Job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusRunning
}

// JobManager tracks runs started over the API. One browser means at most
// one running job.
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*Job)}
}

// Create registers a running job unless another one is active
func (jm *JobManager) Create(req pipeline.Request) (*Job, *Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		if job.running() {
			return nil, job
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         uuid.New().String(),
		Request:    req,
		Status:     JobStatusRunning,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancelFunc: cancel,
	}
	jm.jobs[job.ID] = job
	return job, nil
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[id]
}

// GetActive returns the running job, or nil
func (jm *JobManager) GetActive() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		if job.running() {
			return job
		}
	}
	return nil
}

// Cleanup removes finished jobs older than maxAge
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		job.mu.Lock()
		stale := job.Status != JobStatusRunning && job.CompletedAt.Before(cutoff)
		job.mu.Unlock()
		if stale {
			delete(jm.jobs, id)
		}
	}
}
