// Package orchestrator drives one update run: it derives update jobs from the
// repository's update configuration, executes them via updater containers and
// applies the resulting pull-request actions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simplesurance/drover/internal/advisory"
	"github.com/simplesurance/drover/internal/azdevops"
	"github.com/simplesurance/drover/internal/credentials"
	"github.com/simplesurance/drover/internal/jobapi"
	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/processor"
	"github.com/simplesurance/drover/internal/runner"
	"github.com/simplesurance/drover/internal/updatecfg"
)

const loggerName = "orchestrator"

// DefaultConfigPaths are the update-config locations that are tried in order
// when no explicit path is configured.
var DefaultConfigPaths = []string{".github/dependabot.yml", ".github/dependabot.yaml"}

// SCMClient is the provider surface the orchestrator consumes.
type SCMClient interface {
	GetFileContent(ctx context.Context, path, branch string) ([]byte, error)
	ListOpenPullRequests(ctx context.Context) ([]*azdevops.PullRequest, error)
}

// JobRunner executes the updater container of one job.
type JobRunner interface {
	Run(ctx context.Context, job *jobs.Definition, params runner.RunParams) error
}

// AdvisoryLookup queries a vulnerability data source for known
// vulnerabilities of an ecosystem's packages. An empty packageNames slice
// queries the whole ecosystem.
type AdvisoryLookup interface {
	Vulnerabilities(ctx context.Context, eco jobs.Ecosystem, packageNames []string) ([]*advisory.Vulnerability, error)
}

// PRReconciler applies the pull-request actions of a job.
type PRReconciler interface {
	Apply(ctx context.Context, job *jobs.Definition, actions []*processor.PRAction, existingPRs []*azdevops.PullRequest) (affectedPRIDs []int, actionErrs []error)
	CloseOrphaned(ctx context.Context, prIDs []int) (closed []int, errs []error)
}

// Options configure one orchestrator run.
type Options struct {
	// ConfigPaths are the candidate locations of the update-config file in
	// the repository, tried in order. Empty means DefaultConfigPaths.
	ConfigPaths []string
	// ConfigBranch is the branch the update config is fetched from, empty
	// means the repository default resolved by the provider.
	ConfigBranch string

	// WorkerCount limits how many directory keys are processed
	// concurrently.
	WorkerCount uint
	// JobTimeout is the wall-clock limit of a single job, containers
	// exceeding it are force-stopped and the job fails.
	JobTimeout time.Duration

	// APIBaseURL is the job API URL passed into updater containers.
	APIBaseURL string

	// SecurityOnly switches the whole run to security-only update jobs.
	SecurityOnly bool
	// SecurityAdvisoriesAvailable reports whether a vulnerability data
	// source is configured.
	SecurityAdvisoriesAvailable bool
	// AdvisoriesSupported reports whether the vulnerability data source
	// covers an ecosystem, nil means every ecosystem is covered.
	AdvisoriesSupported func(jobs.Ecosystem) bool
	// Advisories is the vulnerability data source that security-only jobs
	// are fed from, nil when none is configured.
	Advisories AdvisoryLookup

	// TargetUpdateIDs restricts the run to the config directives at the
	// given zero-based positions.
	TargetUpdateIDs []int

	ExperimentsOverride  map[string]string
	UpdaterImageTemplate string

	// CommitAuthorName and CommitAuthorEmail are the git identity the
	// updater attributes update commits to.
	CommitAuthorName  string
	CommitAuthorEmail string
}

// Orchestrator executes one update run.
// Jobs with the same directory key run sequentially in build order, distinct
// directory keys run concurrently.
type Orchestrator struct {
	scm         SCMClient
	runner      JobRunner
	reconciler  PRReconciler
	store       *jobapi.Store
	provisioner *credentials.Provisioner
	processor   *processor.Processor
	retryer     *Retryer
	opts        Options
	logger      *zap.Logger
}

func New(
	scm SCMClient,
	jobRunner JobRunner,
	reconciler PRReconciler,
	store *jobapi.Store,
	provisioner *credentials.Provisioner,
	retryer *Retryer,
	opts Options,
) *Orchestrator {
	if len(opts.ConfigPaths) == 0 {
		opts.ConfigPaths = DefaultConfigPaths
	}

	if opts.WorkerCount == 0 {
		opts.WorkerCount = 1
	}

	return &Orchestrator{
		scm:         scm,
		runner:      jobRunner,
		reconciler:  reconciler,
		store:       store,
		provisioner: provisioner,
		processor:   processor.New(),
		retryer:     retryer,
		opts:        opts,
		logger:      zap.L().Named(loggerName),
	}
}

// Run executes one update run and returns the per-job outcomes.
// A returned error means the run could not start at all, e.g. because the
// update config is missing or invalid. Failures of individual jobs are
// reported via the run result instead.
func (o *Orchestrator) Run(ctx context.Context) (*jobs.RunResult, error) {
	o.logger = o.logger.With(zap.String("run_id", uuid.NewString()))

	updateCfg, err := o.fetchUpdateConfig(ctx)
	if err != nil {
		return nil, err
	}

	openPRs, err := o.listOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}

	buildResult, err := jobs.Build(&jobs.BuildInput{
		Config:                      updateCfg,
		OpenPullRequests:            toExistingPRs(openPRs),
		SecurityOnly:                o.opts.SecurityOnly,
		SecurityAdvisoriesAvailable: o.opts.SecurityAdvisoriesAvailable,
		AdvisoriesSupported:         o.opts.AdvisoriesSupported,
		TargetUpdateIDs:             o.opts.TargetUpdateIDs,
		ExperimentsOverride:         o.opts.ExperimentsOverride,
		UpdaterImageTemplate:        o.opts.UpdaterImageTemplate,
		CommitAuthorName:            o.opts.CommitAuthorName,
		CommitAuthorEmail:           o.opts.CommitAuthorEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("building jobs failed: %w", err)
	}

	o.logger.Info(
		"jobs built",
		logfields.Event("jobs_built"),
		zap.Int("job_count", len(buildResult.Jobs)),
		zap.Int("orphaned_pr_count", len(buildResult.OrphanedPRIDs)),
	)

	result := o.executeJobs(ctx, buildResult.Jobs, openPRs)

	if len(buildResult.OrphanedPRIDs) > 0 {
		closed, errs := o.reconciler.CloseOrphaned(ctx, buildResult.OrphanedPRIDs)
		orphanedPRsClosedInc(len(closed))

		for _, err := range errs {
			o.logger.Warn(
				"closing an orphaned pull request failed",
				logfields.Event("orphaned_pr_closure_failed"),
				zap.Error(err),
			)
		}
	}

	runStatusSet(result.Status())

	return result, nil
}

// executeJobs runs the jobs grouped by directory key: sequential within a
// key, concurrent across keys.
func (o *Orchestrator) executeJobs(ctx context.Context, jobList []*jobs.Definition, openPRs []*azdevops.PullRequest) *jobs.RunResult {
	groups := groupByDirectoryKey(jobList)

	outcomes := make([]*jobs.Outcome, len(jobList))
	indexByJobID := make(map[int]int, len(jobList))
	for i, job := range jobList {
		indexByJobID[job.ID] = i
	}

	var outcomeLock sync.Mutex

	pool, ctx := errgroup.WithContext(ctx)
	pool.SetLimit(int(o.opts.WorkerCount))

	for _, group := range groups {
		group := group

		pool.Go(func() error {
			for _, job := range group {
				outcome := o.runJob(ctx, job, openPRs)

				outcomeLock.Lock()
				outcomes[indexByJobID[job.ID]] = outcome
				outcomeLock.Unlock()
			}

			return nil
		})
	}

	_ = pool.Wait()

	result := jobs.RunResult{}
	for _, outcome := range outcomes {
		if outcome != nil {
			result.Outcomes = append(result.Outcomes, outcome)
		}
	}

	return &result
}

// runJob executes a single job: it provisions tokens, registers the job at
// the job API, runs the updater container, interprets its output records and
// applies the resulting pull-request actions.
func (o *Orchestrator) runJob(ctx context.Context, job *jobs.Definition, openPRs []*azdevops.PullRequest) *jobs.Outcome {
	logger := o.logger.With(job.LogFields()...)

	logger.Info("job starting", logfields.Event("job_starting"))

	startTime := time.Now()
	defer func() {
		jobDurationObserve(job.Kind, time.Since(startTime).Seconds())
	}()

	if o.needsAdvisories(job) {
		advisories, err := o.fetchAdvisories(ctx, job)
		if err != nil {
			return o.failedOutcome(job, fmt.Errorf("fetching security advisories failed: %w", err))
		}

		job.SecurityAdvisories = advisories

		logger.Debug(
			"security advisories fetched",
			logfields.Event("job_advisories_fetched"),
			zap.Int("advisory_count", len(advisories)),
		)
	}

	tokens, err := o.provisioner.NewTokens()
	if err != nil {
		return o.failedOutcome(job, fmt.Errorf("provisioning job tokens failed: %w", err))
	}

	records, err := o.store.Register(job, tokens, func(ctx context.Context) ([]credentials.Credential, error) {
		return o.provisioner.Resolve(ctx, job)
	})
	if err != nil {
		return o.failedOutcome(job, fmt.Errorf("registering job failed: %w", err))
	}
	defer o.store.Deregister(job.ID)

	resultChan := make(chan *processor.Result, 1)
	go func() {
		resultChan <- o.processor.Process(ctx, job, records)
	}()

	jobCtx := ctx
	if o.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, o.opts.JobTimeout)
		defer cancel()
	}

	runErr := o.runner.Run(jobCtx, job, runner.RunParams{
		JobToken:         tokens.JobToken,
		CredentialsToken: tokens.CredentialsToken,
		APIBaseURL:       o.opts.APIBaseURL,
	})

	// closes the record stream, the processor goroutine terminates after
	// draining it
	o.store.Deregister(job.ID)
	result := <-resultChan

	if runErr != nil {
		logger.Warn(
			"updater container terminated with an error",
			logfields.Event("job_container_failed"),
			zap.Error(runErr),
		)
	}

	affectedPRIDs, actionErrs := o.reconciler.Apply(ctx, job, result.Actions, openPRs)

	if len(result.Dependencies) > 0 {
		logger.Info(
			"dependency list discovered",
			logfields.Event("job_dependency_list_discovered"),
			zap.Int("dependency_count", len(result.Dependencies)),
		)
	}

	outcome := jobs.Outcome{
		JobID:         job.ID,
		Success:       result.Success() && runErr == nil && len(actionErrs) == 0,
		Message:       outcomeMessage(result, runErr, actionErrs),
		AffectedPRIDs: affectedPRIDs,
	}

	jobsExecutedInc(job.Kind, outcome.Success)

	logger.Info(
		"job finished",
		logfields.Event("job_finished"),
		zap.Bool("success", outcome.Success),
		zap.String("message", outcome.Message),
		zap.Ints("affected_pull_requests", outcome.AffectedPRIDs),
	)

	return &outcome
}

// needsAdvisories reports whether vulnerability data must be fetched for
// the job before its updater container starts.
func (o *Orchestrator) needsAdvisories(job *jobs.Definition) bool {
	if o.opts.Advisories == nil {
		return false
	}

	return job.Kind == jobs.KindUpdateSecurityOnly ||
		(o.opts.SecurityOnly && job.Kind == jobs.KindUpdatePullRequest)
}

// fetchAdvisories queries the vulnerability data source for the job's
// dependencies. Security-only jobs without a bound pull request have no
// dependency list yet, the whole ecosystem is queried then.
func (o *Orchestrator) fetchAdvisories(ctx context.Context, job *jobs.Definition) ([]jobs.SecurityAdvisory, error) {
	var vulns []*advisory.Vulnerability

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		vulns, err = o.opts.Advisories.Vulnerabilities(ctx, job.Ecosystem, job.Dependencies)
		return err
	}, job.LogFields())
	if err != nil {
		return nil, err
	}

	result := make([]jobs.SecurityAdvisory, 0, len(vulns))
	for _, vuln := range vulns {
		result = append(result, jobs.SecurityAdvisory{
			PackageName:            vuln.PackageName,
			Severity:               vuln.Severity,
			VulnerableVersionRange: vuln.VulnerableVersionRange,
			GHSAID:                 vuln.GHSAID,
			Summary:                vuln.Summary,
		})
	}

	return result, nil
}

func (o *Orchestrator) failedOutcome(job *jobs.Definition, err error) *jobs.Outcome {
	o.logger.Error(
		"job failed",
		append(job.LogFields(), logfields.Event("job_failed"), zap.Error(err))...,
	)

	jobsExecutedInc(job.Kind, false)

	return &jobs.Outcome{
		JobID:   job.ID,
		Success: false,
		Message: err.Error(),
	}
}

func outcomeMessage(result *processor.Result, runErr error, actionErrs []error) string {
	var parts []string

	if runErr != nil && !result.Processed {
		parts = append(parts, fmt.Sprintf("updater container failed: %s", runErr))
	}

	parts = append(parts, result.Message())

	for _, err := range actionErrs {
		parts = append(parts, err.Error())
	}

	return strings.Join(parts, "; ")
}

// fetchUpdateConfig fetches, parses and validates the repository's update
// configuration, trying the candidate paths in order.
func (o *Orchestrator) fetchUpdateConfig(ctx context.Context) (*updatecfg.Config, error) {
	var content []byte
	var fetchErrs []error

	for _, path := range o.opts.ConfigPaths {
		err := o.retryer.Run(ctx, func(ctx context.Context) error {
			var err error
			content, err = o.scm.GetFileContent(ctx, path, o.opts.ConfigBranch)
			return err
		}, []zap.Field{zap.String("config_path", path)})
		if err == nil {
			o.logger.Info(
				"update config fetched",
				logfields.Event("update_config_fetched"),
				zap.String("config_path", path),
			)

			break
		}

		fetchErrs = append(fetchErrs, fmt.Errorf("%s: %w", path, err))
		content = nil
	}

	if content == nil {
		return nil, fmt.Errorf("fetching update config failed: %w", errors.Join(fetchErrs...))
	}

	updateCfg, err := updatecfg.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parsing update config failed: %w", err)
	}

	if err := updateCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update config: %w", err)
	}

	return updateCfg, nil
}

func (o *Orchestrator) listOpenPullRequests(ctx context.Context) ([]*azdevops.PullRequest, error) {
	var openPRs []*azdevops.PullRequest

	err := o.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		openPRs, err = o.scm.ListOpenPullRequests(ctx)
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests failed: %w", err)
	}

	return openPRs, nil
}

// toExistingPRs decodes the drover properties of the open pull requests.
// Pull requests without drover properties are passed through with a nil
// properties field, the job builder ignores them.
func toExistingPRs(openPRs []*azdevops.PullRequest) []jobs.ExistingPR {
	result := make([]jobs.ExistingPR, 0, len(openPRs))

	for _, pr := range openPRs {
		props, err := jobs.DecodeProperties(pr.Properties)
		if err != nil {
			zap.L().Named(loggerName).Warn(
				"decoding pull request properties failed, ignoring pull request",
				logfields.Event("pr_properties_decoding_failed"),
				logfields.PullRequest(pr.ID),
				zap.Error(err),
			)

			continue
		}

		result = append(result, jobs.ExistingPR{ID: pr.ID, Properties: props})
	}

	return result
}

// groupByDirectoryKey splits the job list into per-directory-key groups,
// preserving the build order of the keys and of the jobs within a group.
func groupByDirectoryKey(jobList []*jobs.Definition) [][]*jobs.Definition {
	indexByKey := map[string]int{}
	var groups [][]*jobs.Definition

	for _, job := range jobList {
		idx, exist := indexByKey[job.DirectoryKey]
		if !exist {
			idx = len(groups)
			indexByKey[job.DirectoryKey] = idx
			groups = append(groups, nil)
		}

		groups[idx] = append(groups[idx], job)
	}

	return groups
}
