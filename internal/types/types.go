// Package types defines the core entities of the CI job runner: users,
// API keys, jobs, and job events. These are the records persisted by the
// store and exchanged, as JSON, over the HTTP API.
package types

import "time"

// User is an account provisioned by an administrator.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// APIKey is a bearer credential bound to a User. The plaintext secret is
// returned exactly once, at creation time, and is never itself persisted —
// only KeyHash is stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// JobStatus is a node in the job lifecycle DAG (spec §4.2). Transitions are
// monotone; there is no path backward.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled" // reserved; no transitions into it in this core
)

// Terminal reports whether status has no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a single test-suite execution, owned by exactly one User.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Status       JobStatus  `json:"status"`
	Success      *bool      `json:"success"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ContainerID  string     `json:"container_id,omitempty"`
	ZipFilePath  string     `json:"zip_file_path,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EventType tags a JobEvent as a log line or the terminal completion marker.
type EventType string

const (
	EventTypeLog      EventType = "log"
	EventTypeComplete EventType = "complete"
)

// JobEvent is one entry in a job's optional persisted replay log. The
// authoritative live stream comes from the container runtime; JobEvent
// exists only so a terminated job whose container has been reaped can still
// be replayed from the store.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
