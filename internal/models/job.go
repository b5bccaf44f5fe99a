package models

import (
	"time"

	"github.com/google/uuid"
)

// JobType represents the kind of pipeline a run executes
type JobType string

const (
	JobTypeCollect JobType = "collect"
	JobTypeSend    JobType = "send"
)

// JobStatus represents the status of a run
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the in-memory status record of one pipeline run
type Job struct {
	ID           string     `json:"id"`
	JobType      JobType    `json:"type"`
	Target       string     `json:"target"`
	Status       JobStatus  `json:"status"`
	ErrorMessage *string    `json:"error,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// NewJob creates a pending Job with a generated UUID
func NewJob(jobType JobType, target string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Target:    target,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

// IsPending checks if the job is pending
func (j *Job) IsPending() bool {
	return j.Status == JobStatusPending
}

// IsFinished checks if the job reached a terminal status
func (j *Job) IsFinished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// MarkStarted marks the job as started
func (j *Job) MarkStarted() {
	now := time.Now()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// MarkFailed marks the job as failed with the given message
func (j *Job) MarkFailed(message string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = &message
	j.CompletedAt = &now
}
