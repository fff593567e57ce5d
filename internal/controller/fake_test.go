package controller

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/cuemby/ci-runner/internal/apperr"
	"github.com/cuemby/ci-runner/internal/runtime"
	"github.com/cuemby/ci-runner/internal/types"
)

// fakeStore is a minimal in-memory store.Store used only to drive
// ReconcileOnce directly in tests, in place of BoltStore (spec §9:
// "model as a capability interface; inject one implementation at process
// start; tests use an in-memory implementation").
type fakeStore struct {
	mu     sync.Mutex
	users  map[string]*types.User
	jobs   map[string]*types.Job
	events map[string][]*types.JobEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*types.User),
		jobs:   make(map[string]*types.Job),
		events: make(map[string][]*types.JobEvent),
	}
}

func (f *fakeStore) CreateUser(u *types.User) error { f.users[u.ID] = u; return nil }
func (f *fakeStore) GetUser(id string) (*types.User, error) { return f.users[id], nil }
func (f *fakeStore) GetUserByEmail(email string) (*types.User, error) { return nil, nil }
func (f *fakeStore) ListUsers() ([]*types.User, error) { return nil, nil }
func (f *fakeStore) SetUserActive(id string, active bool) error { return nil }

func (f *fakeStore) CreateAPIKey(key *types.APIKey) error          { return nil }
func (f *fakeStore) GetAPIKeyByHash(hash string) (*types.APIKey, error) { return nil, nil }
func (f *fakeStore) ListAPIKeys(userID string) ([]*types.APIKey, error) { return nil, nil }
func (f *fakeStore) RevokeAPIKey(id string) error                  { return nil }
func (f *fakeStore) TouchAPIKey(id string, when time.Time) error   { return nil }

func (f *fakeStore) CreateJob(job *types.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = types.JobStatusQueued
	job.Success = nil
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(id, userID string) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	if userID != "" && j.UserID != userID {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) ListJobs(userID string) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Job
	for _, j := range f.jobs {
		if userID == "" || j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeAllowedJobTransitions mirrors store.allowedJobTransitions so a fake
// that silently skipped the check couldn't hide a broken transition table
// from the controller tests.
var fakeAllowedJobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusQueued:  {types.JobStatusRunning, types.JobStatusFailed},
	types.JobStatusRunning: {types.JobStatusCompleted, types.JobStatusFailed},
}

func fakeCanTransition(from, to types.JobStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range fakeAllowedJobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (f *fakeStore) UpdateJobStatus(id string, status types.JobStatus, startTime *time.Time, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	if !fakeCanTransition(j.Status, status) {
		return apperr.New(apperr.Conflict, "illegal transition")
	}
	j.Status = status
	if startTime != nil {
		j.StartTime = startTime
	}
	if containerID != "" {
		j.ContainerID = containerID
	}
	if status == types.JobStatusFailed {
		ok := false
		j.Success = &ok
		if j.EndTime == nil {
			now := time.Now().UTC()
			j.EndTime = &now
		}
	}
	return nil
}

func (f *fakeStore) CompleteJob(id string, success bool, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	if !fakeCanTransition(j.Status, types.JobStatusCompleted) {
		return apperr.New(apperr.Conflict, "illegal transition")
	}
	j.Status = types.JobStatusCompleted
	j.Success = &success
	j.EndTime = &endTime
	return nil
}

func (f *fakeStore) PurgeCompletedJobsBefore(cutoff time.Time) (int, error) { return 0, nil }

func (f *fakeStore) AppendJobEvent(event *types.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.JobID] = append(f.events[event.JobID], event)
	return nil
}

func (f *fakeStore) ListJobEvents(jobID string) ([]*types.JobEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[jobID], nil
}

func (f *fakeStore) DeleteJobEvents(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, jobID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeRuntime is an in-memory runtime.Runtime: CreateAndStart always
// succeeds and leaves the container "running" until the test flips it to
// exited or removes it, modeling the container runtime as the black-box
// capability the spec treats it as.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]runtime.Status
	logs       map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]runtime.Status), logs: make(map[string]string)}
}

func (r *fakeRuntime) CreateAndStart(ctx context.Context, spec runtime.JobContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[spec.Name] = runtime.Status{State: runtime.StateRunning}
	return spec.Name, nil
}

func (r *fakeRuntime) Inspect(ctx context.Context, containerID string) (runtime.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.containers[containerID]
	if !ok {
		return runtime.Status{State: runtime.StateMissing}, nil
	}
	return status, nil
}

func (r *fakeRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	r.mu.Lock()
	data := r.logs[containerID]
	r.mu.Unlock()
	return io.NopCloser(bytes.NewReader([]byte(data))), nil
}

func (r *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, containerID)
	return nil
}

func (r *fakeRuntime) List(ctx context.Context, namespacePrefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeRuntime) Close() error { return nil }

func (r *fakeRuntime) setExited(containerID string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[containerID] = runtime.Status{State: runtime.StateExited, ExitCode: exitCode}
}

func (r *fakeRuntime) setMissing(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, containerID)
}
