// Package runner executes updater containers via a container engine CLI.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/routines"
)

const loggerName = "runner"

// containerLabel marks containers that drover created.
const containerLabel = "drover"

// createdLabel holds the unix timestamp of the container creation, it is
// evaluated by Cleanup.
const createdLabel = "drover.created"

const teardownTimeout = 30 * time.Second

// commandRunner abstracts running the container engine binary, it exists to
// make the runner testable without a container engine.
type commandRunner interface {
	// Run executes the command, extraEnv is appended to the process
	// environment.
	Run(ctx context.Context, extraEnv []string, stdout, stderr io.Writer, name string, args ...string) error
	// Output executes the command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, extraEnv []string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	return cmd.Run()
}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Options configure the Runner.
type Options struct {
	// Engine is the container engine binary, e.g. "docker" or "podman".
	Engine string
	// ProxyImage is the image of the egress proxy sidecar, when empty no
	// proxy container is started.
	ProxyImage string
	// LogDir is the directory that per-job updater logs are written to,
	// when empty logs are discarded.
	LogDir string
	// UpdaterImageTemplate is the image template that FetchImages expands
	// per ecosystem.
	UpdaterImageTemplate string
}

// Runner starts one updater container per update job, accompanied by an
// optional egress proxy sidecar on a per-job network.
type Runner struct {
	opts   Options
	cmd    commandRunner
	logger *zap.Logger
	now    func() time.Time
}

func New(opts Options) *Runner {
	return &Runner{
		opts:   opts,
		cmd:    execRunner{},
		logger: zap.L().Named(loggerName),
		now:    time.Now,
	}
}

// RunParams are the per-job inputs of the updater container.
type RunParams struct {
	JobToken         string
	CredentialsToken string
	// APIBaseURL is the URL of the job API, reachable from inside the
	// container.
	APIBaseURL string
}

func (r *Runner) containerName(jobID int, suffix string) string {
	return fmt.Sprintf("drover-job-%d-%s", jobID, suffix)
}

func (r *Runner) networkName(jobID int) string {
	return fmt.Sprintf("drover-job-%d", jobID)
}

func (r *Runner) labelArgs() []string {
	return []string{
		"--label", containerLabel,
		"--label", fmt.Sprintf("%s=%d", createdLabel, r.now().Unix()),
	}
}

// Run executes the updater container for the job and blocks until it
// terminated.
// When the context is cancelled, e.g. because the job timeout expired, the
// containers are force-removed.
// The containers and the per-job network are removed on all return paths.
func (r *Runner) Run(ctx context.Context, job *jobs.Definition, params RunParams) error {
	logger := r.logger.With(job.LogFields()...)

	network := r.networkName(job.ID)
	proxyName := r.containerName(job.ID, "proxy")
	updaterName := r.containerName(job.ID, "updater")

	defer r.teardown(network, proxyName, updaterName)

	if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, "network", "create", network); err != nil {
		return fmt.Errorf("creating job network failed: %w", err)
	}

	var proxyURL string
	if r.opts.ProxyImage != "" {
		args := []string{"run", "--detach", "--name", proxyName, "--network", network}
		args = append(args, r.labelArgs()...)
		args = append(args, r.opts.ProxyImage)

		if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, args...); err != nil {
			return fmt.Errorf("starting proxy container failed: %w", err)
		}

		proxyURL = fmt.Sprintf("http://%s:1080", proxyName)

		logger.Debug(
			"proxy container started",
			logfields.Event("runner_proxy_started"),
			zap.String("container", proxyName),
		)
	}

	logSink, logPath, err := r.openLogSink(job.ID)
	if err != nil {
		return err
	}
	defer logSink.Close()

	// secret values are passed through the process environment, the
	// bare -e flags make the engine inherit them without exposing the
	// values in the argument list
	env := []string{
		"DEPENDABOT_JOB_ID=" + strconv.Itoa(job.ID),
		"DEPENDABOT_JOB_TOKEN=" + params.JobToken,
		"DEPENDABOT_CREDENTIALS_TOKEN=" + params.CredentialsToken,
		"DEPENDABOT_API_URL=" + params.APIBaseURL,
	}

	args := []string{
		"run",
		"--name", updaterName,
		"--network", network,
		"-e", "DEPENDABOT_JOB_ID",
		"-e", "DEPENDABOT_JOB_TOKEN",
		"-e", "DEPENDABOT_CREDENTIALS_TOKEN",
		"-e", "DEPENDABOT_API_URL",
	}
	args = append(args, r.labelArgs()...)

	if proxyURL != "" {
		args = append(args,
			"-e", "HTTP_PROXY="+proxyURL,
			"-e", "HTTPS_PROXY="+proxyURL,
		)
	}

	args = append(args, job.UpdaterImage)

	logger.Info(
		"starting updater container",
		logfields.Event("runner_updater_starting"),
		zap.String("container", updaterName),
		zap.String("image", job.UpdaterImage),
		zap.String("log_path", logPath),
	)

	err = r.cmd.Run(ctx, env, logSink, logSink, r.opts.Engine, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("updater container was aborted: %w", ctx.Err())
		}

		return fmt.Errorf("updater container failed: %w", err)
	}

	logger.Info(
		"updater container finished",
		logfields.Event("runner_updater_finished"),
		zap.String("container", updaterName),
	)

	return nil
}

// openLogSink opens the per-job log file.
// When no log directory is configured the logs are discarded.
func (r *Runner) openLogSink(jobID int) (io.WriteCloser, string, error) {
	if r.opts.LogDir == "" {
		return nopWriteCloser{io.Discard}, "", nil
	}

	if err := os.MkdirAll(r.opts.LogDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating log directory failed: %w", err)
	}

	path := filepath.Join(r.opts.LogDir, fmt.Sprintf("job-%d.log", jobID))

	fd, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("creating job log file failed: %w", err)
	}

	return fd, path, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// teardown force-removes the job containers and network.
// It runs with its own context to also clean up when the job context was
// cancelled.
func (r *Runner) teardown(network string, containerNames ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for _, name := range containerNames {
		if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, "rm", "--force", name); err != nil {
			r.logger.Debug(
				"removing container failed, it probably was not created",
				logfields.Event("runner_container_removal_failed"),
				zap.String("container", name),
				zap.Error(err),
			)
		}
	}

	if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, "network", "rm", network); err != nil {
		r.logger.Debug(
			"removing job network failed, it probably was not created",
			logfields.Event("runner_network_removal_failed"),
			zap.String("network", network),
			zap.Error(err),
		)
	}
}

// Cleanup removes leftover drover containers that are older than maxAge and
// their job networks.
// Leftovers can exist when a previous process was killed before its teardown
// ran.
func (r *Runner) Cleanup(ctx context.Context, maxAge time.Duration) error {
	out, err := r.cmd.Output(ctx, r.opts.Engine,
		"ps", "--all",
		"--filter", "label="+containerLabel,
		"--format", fmt.Sprintf("{{.Names}}\t{{.Label \"%s\"}}", createdLabel),
	)
	if err != nil {
		return fmt.Errorf("listing containers failed: %w", err)
	}

	cutoff := r.now().Add(-maxAge).Unix()

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}

		name, createdStr, found := strings.Cut(line, "\t")
		if !found {
			continue
		}

		created, err := strconv.ParseInt(createdStr, 10, 64)
		if err != nil || created > cutoff {
			continue
		}

		if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, "rm", "--force", name); err != nil {
			r.logger.Warn(
				"removing stale container failed",
				logfields.Event("runner_stale_container_removal_failed"),
				zap.String("container", name),
				zap.Error(err),
			)

			continue
		}

		r.logger.Info(
			"stale container removed",
			logfields.Event("runner_stale_container_removed"),
			zap.String("container", name),
		)
	}

	// job networks have no labels, remove the unused ones by their name
	// prefix
	netOut, err := r.cmd.Output(ctx, r.opts.Engine, "network", "ls", "--format", "{{.Name}}")
	if err != nil {
		return fmt.Errorf("listing networks failed: %w", err)
	}

	for _, name := range strings.Split(strings.TrimSpace(string(netOut)), "\n") {
		if !strings.HasPrefix(name, "drover-job-") {
			continue
		}

		// removal fails while a container is still attached, those
		// networks are kept
		if err := r.cmd.Run(ctx, nil, nil, nil, r.opts.Engine, "network", "rm", name); err == nil {
			r.logger.Info(
				"stale network removed",
				logfields.Event("runner_stale_network_removed"),
				zap.String("network", name),
			)
		}
	}

	return nil
}

const imagePullConcurrency = 2

// FetchImages pulls the updater images for the given ecosystems and the
// proxy image.
func (r *Runner) FetchImages(ctx context.Context, ecosystems []jobs.Ecosystem) error {
	images := make([]string, 0, len(ecosystems)+1)
	for _, eco := range ecosystems {
		images = append(images, eco.UpdaterImage(r.opts.UpdaterImageTemplate))
	}

	if r.opts.ProxyImage != "" {
		images = append(images, r.opts.ProxyImage)
	}

	pool := routines.NewPool(imagePullConcurrency)

	var lock sync.Mutex
	var pullErrs []error

	for _, image := range images {
		image := image

		pool.Queue(func() {
			r.logger.Info(
				"pulling image",
				logfields.Event("runner_image_pull"),
				zap.String("image", image),
			)

			if err := r.cmd.Run(ctx, nil, os.Stdout, os.Stderr, r.opts.Engine, "pull", image); err != nil {
				lock.Lock()
				pullErrs = append(pullErrs, fmt.Errorf("pulling image %s failed: %w", image, err))
				lock.Unlock()
			}
		})
	}

	pool.Wait()

	return errors.Join(pullErrs...)
}
