// Package cfg loads the drover operator configuration file.
package cfg

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefWorkerCount          = 2
	DefJobTimeout           = 55 * time.Minute
	DefContainerEngine      = "docker"
	DefUpdaterImageTemplate = "ghcr.io/dependabot/dependabot-updater-{ecosystem}:latest"
	DefProxyImage           = "ghcr.io/github/dependabot-update-job-proxy/dependabot-update-job-proxy:latest"
)

type Config struct {
	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`
	LogDir     string `toml:"log_dir"`

	WorkerCount          uint   `toml:"worker_count"`
	JobTimeout           string `toml:"job_timeout"`
	ContainerEngine      string `toml:"container_engine"`
	UpdaterImageTemplate string `toml:"updater_image_template"`
	ProxyImage           string `toml:"proxy_image"`
	JobAPIPort           int    `toml:"job_api_port"`

	MetricsListenAddr string `toml:"metrics_listen_addr"`
}

// Default returns a configuration with all defaults applied.
// A JobAPIPort of 0 means a free port is picked on startup.
func Default() *Config {
	return &Config{
		LogFormat:            "logfmt",
		LogTimeKey:           "time_iso8601",
		LogLevel:             "info",
		WorkerCount:          DefWorkerCount,
		JobTimeout:           DefJobTimeout.String(),
		ContainerEngine:      DefContainerEngine,
		UpdaterImageTemplate: DefUpdaterImageTemplate,
		ProxyImage:           DefProxyImage,
	}
}

func Load(reader io.Reader) (*Config, error) {
	result := Default()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, result); err != nil {
		return nil, err
	}

	if _, err := result.JobTimeoutDuration(); err != nil {
		return nil, err
	}

	return result, nil
}

// JobTimeoutDuration parses the job_timeout setting.
func (c *Config) JobTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.JobTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid job_timeout value %q: %w", c.JobTimeout, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("job_timeout must be >0, is %q", c.JobTimeout)
	}

	return d, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
