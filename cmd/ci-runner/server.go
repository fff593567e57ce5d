package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/ci-runner/internal/api"
	"github.com/cuemby/ci-runner/internal/controller"
	"github.com/cuemby/ci-runner/internal/log"
	"github.com/cuemby/ci-runner/internal/logstream"
	"github.com/cuemby/ci-runner/internal/runtime"
	"github.com/cuemby/ci-runner/internal/stash"
	"github.com/cuemby/ci-runner/internal/store"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API and (by default) the reconciliation controller",
	RunE:  runServer,
}

func init() {
	flags := serverCmd.Flags()
	flags.String("listen-addr", ":8080", "address the HTTP API listens on")
	flags.String("data-dir", "./data", "directory holding the persistent store")
	flags.String("spool-dir", "./data/spool", "directory for stashed project uploads")
	flags.String("scratch-dir", "./data/scratch", "directory for per-job extraction scratch space")
	flags.String("namespace-prefix", "ci-runner", "prefix applied to container names")
	flags.Duration("reconcile-interval", 2*time.Second, "interval between reconciliation passes")
	flags.Duration("job-timeout", 30*time.Second, "bound on a single job's container-runtime calls per reconciliation pass")
	flags.Duration("stream-queued-timeout", 30*time.Second, "how long /jobs/{id}/stream waits on a queued job before giving up")
	flags.String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	flags.String("runner-image", "docker.io/library/node:20", "image used to run submitted test suites")
	flags.String("mount-target", "/workspace", "path the extracted project is mounted at inside the container")
	flags.String("install-command", "npm install", "command run before the test runner")
	flags.String("test-command", "npm test -- --verbose", "command that executes the project's test suite")
	flags.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes (0 = unlimited)")
	flags.Bool("no-controller", false, "run the API only; assumes a controller is already running elsewhere against this store")
}

func runServer(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	listenAddr, _ := flags.GetString("listen-addr")
	dataDir, _ := flags.GetString("data-dir")
	spoolDir, _ := flags.GetString("spool-dir")
	scratchDir, _ := flags.GetString("scratch-dir")
	namespacePrefix, _ := flags.GetString("namespace-prefix")
	reconcileInterval, _ := flags.GetDuration("reconcile-interval")
	jobTimeout, _ := flags.GetDuration("job-timeout")
	streamTimeout, _ := flags.GetDuration("stream-queued-timeout")
	containerdSocket, _ := flags.GetString("containerd-socket")
	runnerImage, _ := flags.GetString("runner-image")
	mountTarget, _ := flags.GetString("mount-target")
	installCommand, _ := flags.GetString("install-command")
	testCommand, _ := flags.GetString("test-command")
	maxUploadBytes, _ := flags.GetInt64("max-upload-bytes")
	noController, _ := flags.GetBool("no-controller")

	logger := log.WithComponent("main")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	spool, err := stash.New(spoolDir)
	if err != nil {
		return fmt.Errorf("open spool dir: %w", err)
	}

	brokers := logstream.NewRegistry()

	var ctrl *controller.Controller
	if !noController {
		rt, err := runtime.NewContainerdRuntime(containerdSocket, namespacePrefix, dataDir+"/container-logs")
		if err != nil {
			return fmt.Errorf("connect to container runtime: %w", err)
		}
		defer rt.Close()

		ctrl = controller.New(controller.Config{
			NamespacePrefix:   namespacePrefix,
			ReconcileInterval: reconcileInterval,
			ScratchDir:        scratchDir,
			RunnerImage:       runnerImage,
			MountTarget:       mountTarget,
			InstallCommand:    installCommand,
			TestCommand:       testCommand,
			JobTimeout:        jobTimeout,
		}, st, rt, brokers)
		ctrl.Start()
		defer ctrl.Stop()
		logger.Info().Msg("controller started")
	} else {
		logger.Info().Msg("controller disabled (--no-controller); running API only")
	}

	handler := api.New(api.Config{
		StreamQueuedTimeout: streamTimeout,
		MaxUploadBytes:      maxUploadBytes,
	}, st, brokers, spool)

	httpServer := &http.Server{Addr: listenAddr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("api server error: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
