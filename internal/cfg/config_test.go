package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, "logfmt", config.LogFormat)
	assert.Equal(t, uint(DefWorkerCount), config.WorkerCount)
	assert.Equal(t, DefContainerEngine, config.ContainerEngine)

	timeout, err := config.JobTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, DefJobTimeout, timeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	const tomlCfg = `
log_format = "json"
worker_count = 8
job_timeout = "10m"
container_engine = "podman"
`

	config, err := Load(strings.NewReader(tomlCfg))
	require.NoError(t, err)

	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, uint(8), config.WorkerCount)
	assert.Equal(t, "podman", config.ContainerEngine)

	timeout, err := config.JobTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, timeout)
}

func TestLoadFailsOnInvalidJobTimeout(t *testing.T) {
	_, err := Load(strings.NewReader(`job_timeout = "never"`))
	assert.Error(t, err)
}
