package jobs

import (
	"fmt"

	"github.com/simplesurance/drover/internal/updatecfg"
)

// ExistingPR is an open pull request at the provider together with its
// decoded drover properties.
type ExistingPR struct {
	ID         int
	Properties *PullRequestProperties
}

// BuildInput is everything the job builder needs.
// Building is pure, the builder does no I/O.
type BuildInput struct {
	Config           *updatecfg.Config
	OpenPullRequests []ExistingPR

	// SecurityOnly builds security-only jobs instead of update-all jobs,
	// ignoring the open-pull-requests-limit.
	SecurityOnly bool

	// SecurityAdvisoriesAvailable reports whether a vulnerability data
	// source is configured. It decides the fallback job kind for
	// directives with an open-pull-requests-limit of 0.
	SecurityAdvisoriesAvailable bool

	// AdvisoriesSupported reports whether the vulnerability data source
	// covers an ecosystem. Directives of uncovered ecosystems fall back to
	// list_all jobs even when a data source is configured. A nil function
	// means every ecosystem is covered.
	AdvisoriesSupported func(Ecosystem) bool

	// TargetUpdateIDs restricts building to the directives at the given
	// zero-based config positions. Empty means all directives.
	TargetUpdateIDs []int

	// ExperimentsOverride entries take precedence over the experiments
	// configured on a directive.
	ExperimentsOverride map[string]string

	UpdaterImageTemplate string

	// CommitAuthorName and CommitAuthorEmail are stamped onto every built
	// job, the updater attributes update commits to this identity.
	CommitAuthorName  string
	CommitAuthorEmail string
}

// BuildResult contains the jobs to execute and the ids of orphaned pull
// requests. Orphaned pull requests were created by drover but their
// directive no longer exists in the config, they are queued for closure
// instead of being refreshed.
type BuildResult struct {
	Jobs          []*Definition
	OrphanedPRIDs []int
}

// Build derives the concrete job list from the config and the repository's
// open pull requests.
//
// Per directive, in config-declaration order:
//   - one update_pull_request job is built per matching open pull request,
//     ordered before the directive's update-all job so the refreshed state
//     counts against the limit,
//   - an update_all job is built when the open-pull-requests-limit is not
//     reached yet,
//   - when the limit is 0, an update_security_only job is built if
//     vulnerability data is available for the ecosystem, a list_all job
//     otherwise.
func Build(input *BuildInput) (*BuildResult, error) {
	targeted := map[int]struct{}{}
	for _, id := range input.TargetUpdateIDs {
		targeted[id] = struct{}{}
	}

	var result BuildResult
	matched := map[int]struct{}{}
	nextID := 1

	newJob := func(kind Kind, eco Ecosystem, directive *updatecfg.Directive) *Definition {
		job := Definition{
			ID:           nextID,
			Kind:         kind,
			Ecosystem:    eco,
			DirectoryKey: directive.DirectoryKey(),
			Directories:  directive.EffectiveDirectories(),
			TargetBranch: directive.TargetBranch,
			Experiments:  mergeExperiments(directive.Experiments, input.ExperimentsOverride),
			Registries:   directive.ReferencedRegistries(input.Config.Registries),
			UpdaterImage: eco.UpdaterImage(input.UpdaterImageTemplate),

			CommitAuthorName:  input.CommitAuthorName,
			CommitAuthorEmail: input.CommitAuthorEmail,
		}
		nextID++

		return &job
	}

	for i, directive := range input.Config.Updates {
		eco, err := ParseEcosystem(directive.PackageEcosystem)
		if err != nil {
			return nil, fmt.Errorf("updates[%d]: %w", i, err)
		}

		directivePRs := matchingPRs(input.OpenPullRequests, eco, directive.DirectoryKey())
		for _, pr := range directivePRs {
			matched[pr.ID] = struct{}{}
		}

		if len(targeted) > 0 {
			if _, exist := targeted[i]; !exist {
				continue
			}
		}

		// Refresh existing pull requests before considering new ones
		// against the limit.
		for _, pr := range directivePRs {
			job := newJob(KindUpdatePullRequest, eco, directive)
			job.PullRequestID = pr.ID
			job.DependencyGroupName = pr.Properties.DependencyGroupName
			for _, dep := range pr.Properties.Dependencies {
				job.Dependencies = append(job.Dependencies, dep.Name)
			}

			result.Jobs = append(result.Jobs, job)
		}

		limit := directive.EffectiveOpenPullRequestsLimit()

		switch {
		case input.SecurityOnly:
			result.Jobs = append(result.Jobs, newJob(KindUpdateSecurityOnly, eco, directive))

		case limit == 0 && input.advisoriesAvailable(eco):
			result.Jobs = append(result.Jobs, newJob(KindUpdateSecurityOnly, eco, directive))

		case limit == 0:
			result.Jobs = append(result.Jobs, newJob(KindListAll, eco, directive))

		case len(directivePRs) < limit:
			result.Jobs = append(result.Jobs, newJob(KindUpdateAll, eco, directive))
		}
	}

	for _, pr := range input.OpenPullRequests {
		if pr.Properties == nil {
			// not created by drover
			continue
		}

		if _, exist := matched[pr.ID]; !exist {
			result.OrphanedPRIDs = append(result.OrphanedPRIDs, pr.ID)
		}
	}

	return &result, nil
}

// advisoriesAvailable reports whether security-only jobs can be built for
// the ecosystem: a vulnerability data source must be configured and must
// cover the ecosystem.
func (input *BuildInput) advisoriesAvailable(eco Ecosystem) bool {
	if !input.SecurityAdvisoriesAvailable {
		return false
	}

	return input.AdvisoriesSupported == nil || input.AdvisoriesSupported(eco)
}

func matchingPRs(prs []ExistingPR, eco Ecosystem, directoryKey string) []ExistingPR {
	var result []ExistingPR

	for _, pr := range prs {
		if pr.Properties == nil {
			continue
		}

		if pr.Properties.PackageManager != eco.PackageManagerID() {
			continue
		}

		if pr.Properties.DirectoryKey != directoryKey {
			continue
		}

		result = append(result, pr)
	}

	return result
}

func mergeExperiments(configured, override map[string]string) map[string]string {
	if len(configured) == 0 && len(override) == 0 {
		return nil
	}

	result := make(map[string]string, len(configured)+len(override))

	for k, v := range configured {
		result[k] = v
	}

	for k, v := range override {
		result[k] = v
	}

	return result
}
