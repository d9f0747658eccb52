package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/drover/internal/updatecfg"
)

const imageTemplate = "registry.example.com/updater-{ecosystem}:latest"

func intPtr(v int) *int { return &v }

func npmConfig(limit *int) *updatecfg.Config {
	return &updatecfg.Config{
		Version: updatecfg.SupportedVersion,
		Updates: []*updatecfg.Directive{
			{
				PackageEcosystem:      "npm",
				Directory:             "/",
				OpenPullRequestsLimit: limit,
			},
		},
	}
}

func npmPR(id int, deps ...Dependency) ExistingPR {
	return ExistingPR{
		ID: id,
		Properties: &PullRequestProperties{
			PackageManager: "npm_and_yarn",
			DirectoryKey:   "npm::/",
			Dependencies:   deps,
		},
	}
}

func TestBuildEmitsOneUpdateAllJob(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:               npmConfig(nil),
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	job := result.Jobs[0]
	assert.Equal(t, 1, job.ID)
	assert.Equal(t, KindUpdateAll, job.Kind)
	assert.Equal(t, EcosystemNpm, job.Ecosystem)
	assert.Equal(t, "npm::/", job.DirectoryKey)
	assert.Equal(t, "registry.example.com/updater-npm:latest", job.UpdaterImage)
	assert.Empty(t, result.OrphanedPRIDs)
}

func TestBuildSkipsUpdateAllWhenLimitReached(t *testing.T) {
	result, err := Build(&BuildInput{
		Config: npmConfig(intPtr(1)),
		OpenPullRequests: []ExistingPR{
			npmPR(7, Dependency{Name: "left-pad", Version: "1.3.0"}),
		},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, KindUpdatePullRequest, result.Jobs[0].Kind)
	assert.Equal(t, 7, result.Jobs[0].PullRequestID)
	assert.Equal(t, []string{"left-pad"}, result.Jobs[0].Dependencies)
}

func TestBuildUpdateAllWhenBelowLimit(t *testing.T) {
	result, err := Build(&BuildInput{
		Config: npmConfig(intPtr(2)),
		OpenPullRequests: []ExistingPR{
			npmPR(7, Dependency{Name: "left-pad", Version: "1.3.0"}),
		},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 2)
	// update_pull_request jobs are ordered before update_all jobs
	assert.Equal(t, KindUpdatePullRequest, result.Jobs[0].Kind)
	assert.Equal(t, KindUpdateAll, result.Jobs[1].Kind)
}

func TestBuildZeroLimitFallsBackToListAll(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:               npmConfig(intPtr(0)),
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, KindListAll, result.Jobs[0].Kind)
}

func TestBuildZeroLimitWithAdvisoriesBuildsSecurityOnly(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:                      npmConfig(intPtr(0)),
		SecurityAdvisoriesAvailable: true,
		UpdaterImageTemplate:        imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, KindUpdateSecurityOnly, result.Jobs[0].Kind)
}

func TestBuildZeroLimitUncoveredEcosystemFallsBackToListAll(t *testing.T) {
	config := &updatecfg.Config{
		Version: updatecfg.SupportedVersion,
		Updates: []*updatecfg.Directive{
			{
				PackageEcosystem:      "docker",
				Directory:             "/",
				OpenPullRequestsLimit: intPtr(0),
			},
			{
				PackageEcosystem:      "npm",
				Directory:             "/",
				OpenPullRequestsLimit: intPtr(0),
			},
		},
	}

	result, err := Build(&BuildInput{
		Config:                      config,
		SecurityAdvisoriesAvailable: true,
		AdvisoriesSupported: func(eco Ecosystem) bool {
			return eco == EcosystemNpm
		},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 2)
	assert.Equal(t, EcosystemDocker, result.Jobs[0].Ecosystem)
	assert.Equal(t, KindListAll, result.Jobs[0].Kind)
	assert.Equal(t, EcosystemNpm, result.Jobs[1].Ecosystem)
	assert.Equal(t, KindUpdateSecurityOnly, result.Jobs[1].Kind)
}

func TestBuildSecurityOnlyTriggerIgnoresLimit(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:       npmConfig(intPtr(1)),
		SecurityOnly: true,
		OpenPullRequests: []ExistingPR{
			npmPR(7, Dependency{Name: "left-pad", Version: "1.3.0"}),
		},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 2)
	assert.Equal(t, KindUpdatePullRequest, result.Jobs[0].Kind)
	assert.Equal(t, KindUpdateSecurityOnly, result.Jobs[1].Kind)
}

func TestBuildOrphanedPRsAreNotRefreshed(t *testing.T) {
	orphan := ExistingPR{
		ID: 9,
		Properties: &PullRequestProperties{
			PackageManager: "cargo",
			DirectoryKey:   "cargo::/",
		},
	}

	result, err := Build(&BuildInput{
		Config:               npmConfig(nil),
		OpenPullRequests:     []ExistingPR{orphan},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, KindUpdateAll, result.Jobs[0].Kind)
	assert.Equal(t, []int{9}, result.OrphanedPRIDs)
}

func TestBuildIgnoresForeignPRs(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:               npmConfig(intPtr(1)),
		OpenPullRequests:     []ExistingPR{{ID: 3, Properties: nil}},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, KindUpdateAll, result.Jobs[0].Kind)
	assert.Empty(t, result.OrphanedPRIDs)
}

func TestBuildTargetUpdateIDsFilter(t *testing.T) {
	config := &updatecfg.Config{
		Version: updatecfg.SupportedVersion,
		Updates: []*updatecfg.Directive{
			{PackageEcosystem: "npm", Directory: "/"},
			{PackageEcosystem: "nuget", Directory: "/src"},
		},
	}

	result, err := Build(&BuildInput{
		Config:               config,
		TargetUpdateIDs:      []int{1},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, EcosystemNuget, result.Jobs[0].Ecosystem)
}

func TestBuildExperimentsOverride(t *testing.T) {
	config := npmConfig(nil)
	config.Updates[0].Experiments = map[string]string{"a": "1", "b": "2"}

	result, err := Build(&BuildInput{
		Config:               config,
		ExperimentsOverride:  map[string]string{"b": "3"},
		UpdaterImageTemplate: imageTemplate,
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, result.Jobs[0].Experiments)
}

func TestBuildStampsCommitAuthor(t *testing.T) {
	result, err := Build(&BuildInput{
		Config:               npmConfig(nil),
		UpdaterImageTemplate: imageTemplate,
		CommitAuthorName:     "drover[bot]",
		CommitAuthorEmail:    "drover@example.com",
	})
	require.NoError(t, err)

	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "drover[bot]", result.Jobs[0].CommitAuthorName)
	assert.Equal(t, "drover@example.com", result.Jobs[0].CommitAuthorEmail)
}

func TestBuildFailsOnUnknownEcosystem(t *testing.T) {
	config := &updatecfg.Config{
		Version: updatecfg.SupportedVersion,
		Updates: []*updatecfg.Directive{
			{PackageEcosystem: "cobol-packages", Directory: "/"},
		},
	}

	_, err := Build(&BuildInput{Config: config, UpdaterImageTemplate: imageTemplate})
	assert.Error(t, err)
}
