package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/ci-runner/internal/apperr"
)

// DefaultSocketPath is the default containerd socket, matching the
// teacher's DefaultSocketPath.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// ContainerdRuntime implements Runtime using containerd, grounded on the
// teacher's pkg/runtime/containerd.go — namespaced client, OCI spec
// assembly, task lifecycle — generalized from image-workload containers to
// one-shot test-runner containers with a read-only project mount.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerdRuntime connects to containerd at socketPath (or the
// default if empty), scoping all operations to namespace. logDir holds the
// captured stdout/stderr for each container's task, since containerd
// itself does not buffer logs for already-exited tasks.
func NewContainerdRuntime(socketPath, namespace, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "create log dir", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeUnavailable, "connect to containerd", err)
	}

	return &ContainerdRuntime{client: client, namespace: namespace, logDir: logDir}, nil
}

func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func (r *ContainerdRuntime) logPath(containerID string) string {
	return filepath.Join(r.logDir, containerID+".log")
}

// CreateAndStart pulls spec.Image if needed, creates a container bind
// mounting the extracted project tree read-only, and starts the install +
// test-runner command with its output captured to a log file (so Logs can
// tail it after the task exits, when containerd itself no longer buffers
// anything).
func (r *ContainerdRuntime) CreateAndStart(ctx context.Context, spec JobContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", apperr.Wrap(apperr.RuntimeUnavailable, "pull image "+spec.Image, err)
		}
	}

	mount := specs.Mount{
		Source:      spec.MountSource,
		Destination: spec.MountTarget,
		Type:        "bind",
		Options:     []string{"ro", "bind"},
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithProcessArgs(spec.Command...),
		oci.WithMounts([]specs.Mount{mount}),
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.RuntimeUnavailable, "create container", err)
	}

	logFile, err := os.OpenFile(r.logPath(spec.Name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "open container log file", err)
	}
	defer logFile.Close()

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logFile, logFile)))
	if err != nil {
		return "", apperr.Wrap(apperr.RuntimeUnavailable, "create task", err)
	}

	if err := task.Start(ctx); err != nil {
		return "", apperr.Wrap(apperr.RuntimeUnavailable, "start task", err)
	}

	return ctrdContainer.ID(), nil
}

func (r *ContainerdRuntime) Inspect(ctx context.Context, containerID string) (Status, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return Status{State: StateMissing}, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return Status{State: StateMissing}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return Status{State: StateMissing}, nil
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Created:
		return Status{State: StateRunning}, nil
	default:
		return Status{State: StateExited, ExitCode: int(status.ExitStatus)}, nil
	}
}

// Logs tails the container's captured log file. Containerd itself streams
// output only while the task's IO is attached; to support late-joining and
// replaying readers, output is captured to a file at create time (see
// CreateAndStart) and Logs simply follows that file, polling for
// appended data until the task is observed to have exited.
func (r *ContainerdRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	f, err := os.Open(r.logPath(containerID))
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeUnavailable, "open container log", err)
	}
	return &followReader{ctx: ctx, file: f, runtime: r, containerID: containerID}, nil
}

func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		statusC, waitErr := task.Wait(stopCtx)
		if killErr := task.Kill(stopCtx, syscall.SIGTERM); killErr == nil && waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return apperr.Wrap(apperr.RuntimeUnavailable, "delete container", err)
	}
	os.Remove(r.logPath(containerID))
	return nil
}

func (r *ContainerdRuntime) List(ctx context.Context, namespacePrefix string) ([]string, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeUnavailable, "list containers", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		if len(namespacePrefix) == 0 || hasPrefix(c.ID(), namespacePrefix) {
			ids = append(ids, c.ID())
		}
	}
	return ids, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// followReader polls a growing log file, returning io.EOF permanently once
// the task has exited and no more data is available — the same tail
// semantics `tail -f` uses against a file being appended to by another
// process.
type followReader struct {
	ctx         context.Context
	file        *os.File
	runtime     *ContainerdRuntime
	containerID string
}

func (f *followReader) Read(p []byte) (int, error) {
	for {
		n, err := f.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		select {
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		default:
		}

		status, _ := f.runtime.Inspect(f.ctx, f.containerID)
		if status.State != StateRunning {
			// One last drain in case bytes landed between our Read and
			// the Inspect call above.
			n, _ := f.file.Read(p)
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}

		select {
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (f *followReader) Close() error {
	return f.file.Close()
}
