// Package store is the durable, user-scoped persistence layer (spec §4.1):
// the single source of truth for users, API keys, jobs, and job events.
package store

import (
	"time"

	"github.com/cuemby/ci-runner/internal/types"
)

// Store is the capability interface consumed by the API and the
// Controller. BoltStore is the only production implementation; tests may
// substitute an in-memory fake.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	SetUserActive(id string, active bool) error

	// API keys
	CreateAPIKey(key *types.APIKey) error
	GetAPIKeyByHash(hash string) (*types.APIKey, error)
	ListAPIKeys(userID string) ([]*types.APIKey, error) // userID == "" lists all
	RevokeAPIKey(id string) error
	TouchAPIKey(id string, when time.Time) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id, userID string) (*types.Job, error) // userID == "" is an administrative read
	ListJobs(userID string) ([]*types.Job, error)  // userID == "" lists all, newest first
	UpdateJobStatus(id string, status types.JobStatus, startTime *time.Time, containerID string) error
	CompleteJob(id string, success bool, endTime time.Time) error
	PurgeCompletedJobsBefore(cutoff time.Time) (int, error)

	// Job events (optional replay log)
	AppendJobEvent(event *types.JobEvent) error
	ListJobEvents(jobID string) ([]*types.JobEvent, error)
	DeleteJobEvents(jobID string) error

	Close() error
}
