package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jedbrown/pism/internal/store"
)

// JobState represents the current state of an inversion job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// JobConfig is the run configuration plus server-side scheduling knobs.
// Embedding flattens the JSON so API clients post a single object.
type JobConfig struct {
	store.RunConfig
	CheckpointIntervalSec int `json:"checkpointIntervalSec,omitempty"`
}

// Job represents one inversion run owned by the server
type Job struct {
	ID        string     `json:"id"`
	State     JobState   `json:"state"`
	Config    JobConfig  `json:"config"`
	Iteration int        `json:"iteration"`
	RMSMisfit float64    `json:"rmsMisfit"` // m/s
	Objective float64    `json:"objective"`
	Reason    string     `json:"reason,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration. The returned
// job is a snapshot; the worker mutates the stored one through UpdateJob.
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	snapshot := *job
	return &snapshot
}

// GetJob retrieves a snapshot of a job by ID. Handing out a copy keeps
// readers safe from concurrent worker updates.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// ListJobs returns snapshots of all jobs
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		snapshot := *job
		jobs = append(jobs, &snapshot)
	}
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// RegisterCancel associates a cancel function with a running job.
func (jm *JobManager) RegisterCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.cancels[id] = cancel
}

// CancelJob requests cooperative cancellation of a running job. The worker
// observes the context at its next iteration boundary; the job reaches the
// cancelled state shortly after, not synchronously.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State != StatePending && job.State != StateRunning {
		return fmt.Errorf("job %s is already %s", id, job.State)
	}
	cancel, ok := jm.cancels[id]
	if !ok {
		return fmt.Errorf("job %s has no cancel handle yet", id)
	}
	cancel()
	return nil
}

// GetRunningJobs returns snapshots of all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			snapshot := *job
			runningJobs = append(runningJobs, &snapshot)
		}
	}
	return runningJobs
}
