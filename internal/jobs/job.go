// Package jobs contains the update-job model and the pure job builder that
// derives concrete jobs from a repository's update configuration and its
// open pull requests.
package jobs

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/updatecfg"
)

// Kind describes what an update job attempts.
type Kind string

const (
	KindUpdateAll          Kind = "update_all"
	KindUpdateSecurityOnly Kind = "update_security_only"
	KindUpdatePullRequest  Kind = "update_pull_request"
	KindListAll            Kind = "list_all"
)

// Definition is one concrete unit of work, consumed exactly once by the
// orchestrator and discarded after its outcome was aggregated.
type Definition struct {
	ID           int
	Kind         Kind
	Ecosystem    Ecosystem
	DirectoryKey string
	Directories  []string
	TargetBranch string

	// PullRequestID and Dependencies are set on update_pull_request jobs,
	// they identify the pull request the job refreshes and the
	// dependencies it covers.
	PullRequestID       int
	Dependencies        []string
	DependencyGroupName string

	Experiments map[string]string
	Registries  []updatecfg.NamedRegistry

	UpdaterImage string

	// CommitAuthorName and CommitAuthorEmail are the git identity the
	// updater attributes update commits to. Empty values mean the
	// updater's built-in identity.
	CommitAuthorName  string
	CommitAuthorEmail string

	// SecurityAdvisories are the known vulnerabilities relevant for the
	// job, fetched before the updater container starts and served to it
	// via the job API. Only populated on security-only jobs.
	SecurityAdvisories []SecurityAdvisory
}

// SecurityAdvisory is a known vulnerability of a package.
type SecurityAdvisory struct {
	PackageName            string `json:"dependency-name"`
	Severity               string `json:"severity"`
	VulnerableVersionRange string `json:"vulnerable-version-range"`
	GHSAID                 string `json:"ghsa-id"`
	Summary                string `json:"summary"`
}

// LogFields returns the zap fields identifying the job.
func (d *Definition) LogFields() []zap.Field {
	return []zap.Field{
		logfields.JobID(d.ID),
		logfields.JobKind(string(d.Kind)),
		logfields.Ecosystem(d.Ecosystem.String()),
		logfields.DirectoryKey(d.DirectoryKey),
	}
}

func (d *Definition) String() string {
	return fmt.Sprintf("job %d (%s, %s)", d.ID, d.Kind, d.DirectoryKey)
}

// Outcome is the durable result of one executed job.
type Outcome struct {
	JobID         int
	Success       bool
	Message       string
	AffectedPRIDs []int
}

// RunStatus classifies the result of a whole orchestrator run.
type RunStatus int

const (
	// RunSkipped means no jobs were built.
	RunSkipped RunStatus = iota
	// RunSucceeded means all jobs succeeded.
	RunSucceeded
	// RunSucceededWithIssues means some jobs succeeded, some failed.
	RunSucceededWithIssues
	// RunFailed means all attempted jobs failed.
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunSkipped:
		return "Skipped"
	case RunSucceeded:
		return "Succeeded"
	case RunSucceededWithIssues:
		return "SucceededWithIssues"
	case RunFailed:
		return "Failed"
	default:
		return fmt.Sprintf("unknown (%d)", int(s))
	}
}

// RunResult is the ordered list of job outcomes of one orchestrator run.
type RunResult struct {
	Outcomes []*Outcome
}

// Status derives the overall run classification from the job outcomes.
func (r *RunResult) Status() RunStatus {
	if len(r.Outcomes) == 0 {
		return RunSkipped
	}

	var successes, failures int
	for _, outcome := range r.Outcomes {
		if outcome.Success {
			successes++
		} else {
			failures++
		}
	}

	switch {
	case failures == 0:
		return RunSucceeded
	case successes == 0:
		return RunFailed
	default:
		return RunSucceededWithIssues
	}
}

// AffectedPRIDs returns the union of pull-request ids that jobs of the run
// created, updated or closed, in first-seen order.
func (r *RunResult) AffectedPRIDs() []int {
	seen := map[int]struct{}{}
	var result []int

	for _, outcome := range r.Outcomes {
		for _, id := range outcome.AffectedPRIDs {
			if _, exist := seen[id]; exist {
				continue
			}

			seen[id] = struct{}{}
			result = append(result, id)
		}
	}

	return result
}
