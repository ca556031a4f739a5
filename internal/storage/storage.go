// Package storage persists session and job history for audit queries.
// The broker writes through on every transition and never reads this
// data back to restore live state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage defines the interface for all database operations.
type Storage interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	UpdateJobState(ctx context.Context, id string, state JobState) error
	UpdateJobWorker(ctx context.Context, jobID, workerID string) error

	// Lifecycle
	Close() error
}

// JobState represents the state of a processing job.
type JobState string

const (
	JobStateQueued   JobState = "queued"   // waiting for a worker
	JobStateAssigned JobState = "assigned" // offer sent to a worker
	JobStateAnswered JobState = "answered" // worker answered, peers negotiating
	JobStateStopping JobState = "stopping" // stop sent, waiting for the worker to confirm
	JobStateDone     JobState = "done"
)

// Terminal reports whether a job in this state can never transition again.
func (s JobState) Terminal() bool {
	return s == JobStateDone
}

// Session represents one viewer group for a single clip.
type Session struct {
	ID        string
	Filename  string
	CreatedAt time.Time

	// JobsTotal counts jobs ever created under this session. Derived
	// from the jobs table on read, never written.
	JobsTotal int64
}

// Job represents one streaming attempt within a session.
type Job struct {
	ID        string
	SessionID string
	Filename  string
	State     JobState
	WorkerID  *string // worker the job is or was pinned to
	CreatedAt time.Time

	AssignedAt *time.Time
	FinishedAt *time.Time
}

// JobFilter for listing jobs.
type JobFilter struct {
	SessionID string
	State     JobState
	Limit     int
	Offset    int
}
