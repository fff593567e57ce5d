// Package runtime is the container-runtime capability the Controller
// drives: create, start, inspect, stream logs, remove (spec §1, "treated as
// a black-box capability"). Runtime is the seam the Controller's
// reconciliation logic is tested against; ContainerdRuntime is the only
// production implementation.
package runtime

import (
	"context"
	"io"
)

// ContainerState is the observed lifecycle state of a runtime container,
// independent of the Job state machine it drives (spec §4.2 table).
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateMissing ContainerState = "missing" // container no longer exists
)

// Status is the observed state of one container.
type Status struct {
	State    ContainerState
	ExitCode int // valid only when State == StateExited
}

// JobContainerSpec describes the container to create for one job: the
// extracted project tree is bind-mounted read-only, and a fixed shell
// command installs dependencies then runs the test runner with verbose
// output to stdout (spec §4.2 step 3).
type JobContainerSpec struct {
	Name        string // deterministic function of (namespace_prefix, job.id)
	Image       string // base image carrying the language toolchain
	MountSource string // host path to the extracted project tree
	MountTarget string // path inside the container, e.g. /workspace
	Command     []string
	Env         []string
}

// Runtime is the container-runtime capability interface. All methods are
// idempotent from the Controller's point of view: calling Remove on an
// already-removed container returns nil, and Inspect on a never-created one
// returns StateMissing rather than erroring, so a crashed-and-restarted Controller
// can safely retry any step (spec §4.2 "Idempotency").
type Runtime interface {
	// CreateAndStart creates a container from spec and starts it,
	// returning the runtime's container ID.
	CreateAndStart(ctx context.Context, spec JobContainerSpec) (containerID string, err error)

	// Inspect reports the current observed state of a container.
	Inspect(ctx context.Context, containerID string) (Status, error)

	// Logs returns a reader over the container's combined stdout/stderr.
	// The reader blocks for more output until the container exits, at
	// which point it returns io.EOF; callers must Close it to stop
	// following.
	Logs(ctx context.Context, containerID string) (io.ReadCloser, error)

	// Remove stops (if necessary) and deletes a container. A missing
	// container is not an error.
	Remove(ctx context.Context, containerID string) error

	// List returns the IDs of all containers in namespacePrefix's
	// namespace — the "observed" side of reconciliation (spec §4.2).
	List(ctx context.Context, namespacePrefix string) ([]string, error)

	// Close releases the runtime client connection.
	Close() error
}
