package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/drover/internal/jobs"
)

type recordedCommand struct {
	env  []string
	args []string
}

// fakeCommandRunner records the executed commands instead of running them.
type fakeCommandRunner struct {
	lock     sync.Mutex
	commands []recordedCommand
	// failOn maps a substring of the joined arguments to the error the
	// command fails with
	failOn map[string]error
	// outputs maps a substring of the joined arguments to the standard
	// output of the command
	outputs map[string]string
}

func (f *fakeCommandRunner) record(env []string, name string, args []string) (string, error) {
	joined := name + " " + strings.Join(args, " ")

	f.lock.Lock()
	f.commands = append(f.commands, recordedCommand{env: env, args: append([]string{name}, args...)})
	f.lock.Unlock()

	for substr, err := range f.failOn {
		if strings.Contains(joined, substr) {
			return "", err
		}
	}

	for substr, out := range f.outputs {
		if strings.Contains(joined, substr) {
			return out, nil
		}
	}

	return "", nil
}

func (f *fakeCommandRunner) Run(_ context.Context, env []string, _, _ io.Writer, name string, args ...string) error {
	_, err := f.record(env, name, args)
	return err
}

func (f *fakeCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	out, err := f.record(nil, name, args)
	return []byte(out), err
}

func (f *fakeCommandRunner) argLines() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	result := make([]string, 0, len(f.commands))
	for _, cmd := range f.commands {
		result = append(result, strings.Join(cmd.args, " "))
	}

	return result
}

func newTestRunner(t *testing.T, opts Options, fake *fakeCommandRunner) *Runner {
	t.Helper()

	zap.ReplaceGlobals(zaptest.NewLogger(t))

	if opts.Engine == "" {
		opts.Engine = "docker"
	}

	r := New(opts)
	r.cmd = fake
	r.now = func() time.Time { return time.Unix(1700000000, 0) }

	return r
}

func testJob() *jobs.Definition {
	return &jobs.Definition{
		ID:           3,
		Kind:         jobs.KindUpdateAll,
		Ecosystem:    jobs.EcosystemNpm,
		DirectoryKey: "npm::/",
		Directories:  []string{"/"},
		UpdaterImage: "example.com/updater-npm:latest",
	}
}

func TestRunStartsUpdaterAndTearsDown(t *testing.T) {
	fake := &fakeCommandRunner{}
	r := newTestRunner(t, Options{}, fake)

	err := r.Run(context.Background(), testJob(), RunParams{
		JobToken:         "job-secret",
		CredentialsToken: "cred-secret",
		APIBaseURL:       "http://127.0.0.1:8123",
	})
	require.NoError(t, err)

	lines := fake.argLines()
	require.Len(t, lines, 5)
	assert.Equal(t, "docker network create drover-job-3", lines[0])
	assert.Contains(t, lines[1], "docker run --name drover-job-3-updater")
	assert.Contains(t, lines[1], "example.com/updater-npm:latest")
	assert.Equal(t, "docker rm --force drover-job-3-proxy", lines[2])
	assert.Equal(t, "docker rm --force drover-job-3-updater", lines[3])
	assert.Equal(t, "docker network rm drover-job-3", lines[4])
}

func TestRunDoesNotPassTokensAsArguments(t *testing.T) {
	fake := &fakeCommandRunner{}
	r := newTestRunner(t, Options{}, fake)

	err := r.Run(context.Background(), testJob(), RunParams{
		JobToken:         "job-secret",
		CredentialsToken: "cred-secret",
		APIBaseURL:       "http://127.0.0.1:8123",
	})
	require.NoError(t, err)

	for _, line := range fake.argLines() {
		assert.NotContains(t, line, "job-secret")
		assert.NotContains(t, line, "cred-secret")
	}

	var updaterEnv []string
	for _, cmd := range fake.commands {
		if len(cmd.env) > 0 {
			updaterEnv = cmd.env
		}
	}

	assert.Contains(t, updaterEnv, "DEPENDABOT_JOB_ID=3")
	assert.Contains(t, updaterEnv, "DEPENDABOT_JOB_TOKEN=job-secret")
	assert.Contains(t, updaterEnv, "DEPENDABOT_CREDENTIALS_TOKEN=cred-secret")
	assert.Contains(t, updaterEnv, "DEPENDABOT_API_URL=http://127.0.0.1:8123")
}

func TestRunStartsProxyWhenConfigured(t *testing.T) {
	fake := &fakeCommandRunner{}
	r := newTestRunner(t, Options{ProxyImage: "example.com/proxy:latest"}, fake)

	err := r.Run(context.Background(), testJob(), RunParams{APIBaseURL: "http://127.0.0.1:8123"})
	require.NoError(t, err)

	lines := fake.argLines()
	assert.Contains(t, lines[1], "docker run --detach --name drover-job-3-proxy")
	assert.Contains(t, lines[2], "HTTPS_PROXY=http://drover-job-3-proxy:1080")
}

func TestRunTearsDownOnUpdaterFailure(t *testing.T) {
	fake := &fakeCommandRunner{
		failOn: map[string]error{"drover-job-3-updater --network": errors.New("mocked container failure")},
	}
	r := newTestRunner(t, Options{}, fake)

	err := r.Run(context.Background(), testJob(), RunParams{APIBaseURL: "http://127.0.0.1:8123"})
	require.ErrorContains(t, err, "updater container failed")

	lines := fake.argLines()
	assert.Contains(t, lines, "docker rm --force drover-job-3-updater")
	assert.Contains(t, lines, "docker network rm drover-job-3")
}

func TestRunReportsAbortOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeCommandRunner{
		failOn: map[string]error{"drover-job-3-updater --network": context.Canceled},
	}
	r := newTestRunner(t, Options{}, fake)

	err := r.Run(ctx, testJob(), RunParams{APIBaseURL: "http://127.0.0.1:8123"})
	require.ErrorContains(t, err, "updater container was aborted")
}

func TestCleanupRemovesOnlyStaleContainers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fresh := now.Add(-time.Hour).Unix()
	stale := now.Add(-48 * time.Hour).Unix()

	fake := &fakeCommandRunner{
		outputs: map[string]string{
			"ps --all": fmt.Sprintf(
				"drover-job-1-updater\t%d\ndrover-job-2-updater\t%d\n", stale, fresh),
			"network ls": "bridge\ndrover-job-1\n",
		},
	}
	r := newTestRunner(t, Options{}, fake)

	err := r.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	lines := fake.argLines()
	assert.Contains(t, lines, "docker rm --force drover-job-1-updater")
	assert.NotContains(t, lines, "docker rm --force drover-job-2-updater")
	assert.Contains(t, lines, "docker network rm drover-job-1")
	assert.NotContains(t, lines, "docker network rm bridge")
}

func TestFetchImages(t *testing.T) {
	fake := &fakeCommandRunner{}
	r := newTestRunner(t, Options{
		UpdaterImageTemplate: "example.com/updater-{ecosystem}:latest",
		ProxyImage:           "example.com/proxy:latest",
	}, fake)

	err := r.FetchImages(context.Background(), []jobs.Ecosystem{jobs.EcosystemNpm, jobs.EcosystemGoModules})
	require.NoError(t, err)

	// images are pulled concurrently, the order is not deterministic
	assert.ElementsMatch(t, []string{
		"docker pull example.com/updater-npm:latest",
		"docker pull example.com/updater-gomod:latest",
		"docker pull example.com/proxy:latest",
	}, fake.argLines())
}
