package updatecfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
version: 2
registries:
  private-npm:
    type: npm-registry
    url: https://pkgs.dev.azure.com/acme/_packaging/feed/npm/registry/
    token: ${{ NPM_FEED_TOKEN }}
updates:
  - package-ecosystem: npm
    directory: /
    registries:
      - private-npm
    schedule:
      interval: daily
      time: "06:30"
      timezone: Europe/Berlin
  - package-ecosystem: nuget
    directories:
      - /src/api
      - /src/worker
    open-pull-requests-limit: 10
    schedule:
      interval: weekly
      day: tuesday
`

func TestParseAndValidate(t *testing.T) {
	config, err := Parse([]byte(exampleConfig))
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	require.Len(t, config.Updates, 2)

	npm := config.Updates[0]
	assert.Equal(t, "npm::/", npm.DirectoryKey())
	assert.Equal(t, DefOpenPullRequestsLimit, npm.EffectiveOpenPullRequestsLimit())

	registries := npm.ReferencedRegistries(config.Registries)
	require.Len(t, registries, 1)
	assert.Equal(t, "private-npm", registries[0].Name)
	assert.Equal(t, "npm-registry", registries[0].Type)

	nuget := config.Updates[1]
	assert.Equal(t, "nuget::/src/api,/src/worker", nuget.DirectoryKey())
	assert.Equal(t, 10, nuget.EffectiveOpenPullRequestsLimit())
}

func TestValidateRejectsDuplicateDirectoryKey(t *testing.T) {
	const cfg = `
version: 2
updates:
  - package-ecosystem: npm
    directory: /
    schedule:
      interval: daily
  - package-ecosystem: npm
    directory: /
    schedule:
      interval: weekly
`

	config, err := Parse([]byte(cfg))
	require.NoError(t, err)

	err = config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate ecosystem and directory combination")
}

func TestValidateRejectsUnknownRegistryReference(t *testing.T) {
	const cfg = `
version: 2
updates:
  - package-ecosystem: npm
    directory: /
    registries:
      - does-not-exist
    schedule:
      interval: daily
`

	config, err := Parse([]byte(cfg))
	require.NoError(t, err)
	assert.Error(t, config.Validate())
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	config, err := Parse([]byte("version: 1\nupdates:\n  - package-ecosystem: npm\n    directory: /\n"))
	require.NoError(t, err)
	assert.Error(t, config.Validate())
}

func TestExpandPlaceholders(t *testing.T) {
	expanded, unresolved := ExpandPlaceholders(
		"token: ${{ NPM_FEED_TOKEN }} other: ${{MISSING}}",
		map[string]string{"NPM_FEED_TOKEN": "s3cret"},
	)

	assert.Equal(t, "token: s3cret other: ${{MISSING}}", expanded)
	assert.Equal(t, []string{"MISSING"}, unresolved)
}

func TestScheduleNextRunDaily(t *testing.T) {
	s := Schedule{Interval: "daily", Time: "06:30", Timezone: "UTC"}

	now := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	next, err := s.NextRun(now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 11, 6, 30, 0, 0, time.UTC), next)
}

func TestScheduleNextRunWeekly(t *testing.T) {
	s := Schedule{Interval: "weekly", Day: "tuesday", Time: "02:00"}

	// 2024-03-10 is a Sunday
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	next, err := s.NextRun(now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 12, 2, 0, 0, 0, time.UTC), next)
}

func TestScheduleNextRunCronjob(t *testing.T) {
	s := Schedule{Cronjob: "0 12 * * *"}

	now := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	next, err := s.NextRun(now)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC), next)
}

func TestScheduleValidateRejectsBadInterval(t *testing.T) {
	config, err := Parse([]byte(`
version: 2
updates:
  - package-ecosystem: npm
    directory: /
    schedule:
      interval: hourly
`))
	require.NoError(t, err)
	assert.Error(t, config.Validate())
}

func TestScheduleValidateRejectsBadCronjob(t *testing.T) {
	config, err := Parse([]byte(`
version: 2
updates:
  - package-ecosystem: npm
    directory: /
    schedule:
      cronjob: "every day at noon"
`))
	require.NoError(t, err)

	err = config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}
