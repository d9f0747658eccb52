package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/advisory"
	"github.com/simplesurance/drover/internal/azdevops"
	"github.com/simplesurance/drover/internal/credentials"
	"github.com/simplesurance/drover/internal/jobapi"
	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/orchestrator"
	"github.com/simplesurance/drover/internal/reconcile"
	"github.com/simplesurance/drover/internal/runner"
)

// secretEnvVarPrefix is prepended to secret names referenced via
// `${{ name }}` placeholders when they are looked up in the environment.
const secretEnvVarPrefix = "DROVER_"

const (
	envVarAzureDevOpsToken = "DROVER_AZURE_DEVOPS_TOKEN"
	envVarGithubToken      = "DROVER_GITHUB_TOKEN"
)

type runArgs struct {
	organisationURL string
	project         string
	repository      string
	targetBranch    string
	configPath      string

	dryRun       bool
	securityOnly bool

	authorName  string
	authorEmail string

	targetUpdateIDs []int
	experiments     map[string]string
	updaterImage    string

	autoComplete          bool
	mergeStrategy         string
	autoCompleteIgnoreIDs []int
	autoApprove           bool

	jobAPIURL string
	port      int
}

func newRunCmd() *cobra.Command {
	var args runArgs

	cmd := &cobra.Command{
		Use:   "run",
		Short: "execute the update jobs of a repository",
		Long: fmt.Sprintf(`Execute the update jobs that the repository's dependabot.yml defines.

The Azure DevOps token is read from the %s environment variable.
A GitHub token for querying the GitHub Advisory Database can be passed via %s.
Secrets referenced in the update config via ${{ name }} placeholders are
looked up in the environment as %s<UPPER_SNAKE_CASE name>.

Exit codes: %d all jobs succeeded or nothing to do, %d all jobs failed,
%d invalid configuration or startup failure, %d some jobs failed.`,
			envVarAzureDevOpsToken, envVarGithubToken, secretEnvVarPrefix,
			exitCodeSuccess, exitCodeFailed, exitCodeError, exitCodePartialSuccess),
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runUpdateRun(&args)
		},
	}

	cmd.Flags().StringVar(&args.organisationURL, "organisation-url", "",
		"URL of the Azure DevOps organisation, e.g. https://dev.azure.com/acme")
	cmd.Flags().StringVar(&args.project, "project", "",
		"name of the Azure DevOps project")
	cmd.Flags().StringVar(&args.repository, "repository", "",
		"name of the git repository")
	cmd.Flags().StringVar(&args.targetBranch, "target-branch", "",
		"branch that pull requests are created against, defaults to the repository default branch")
	cmd.Flags().StringVar(&args.configPath, "config-path", "",
		"path of the update config file in the repository, defaults to .github/dependabot.yml")

	cmd.Flags().BoolVar(&args.dryRun, "dry-run", false,
		"simulate pull request operations instead of applying them")
	cmd.Flags().BoolVar(&args.securityOnly, "security-updates-only", false,
		"only create pull requests for dependencies with known vulnerabilities")

	cmd.Flags().StringVar(&args.authorName, "author-name", "drover[bot]",
		"git author name of update commits")
	cmd.Flags().StringVar(&args.authorEmail, "author-email", "",
		"git author email of update commits, empty uses the updater's default")

	cmd.Flags().IntSliceVar(&args.targetUpdateIDs, "target-update-ids", nil,
		"restrict the run to the update directives at the given zero-based config positions")
	cmd.Flags().StringToStringVar(&args.experiments, "experiments", nil,
		"experiment flags passed to the updater, overriding the config file (key=value,...)")
	cmd.Flags().StringVar(&args.updaterImage, "updater-image", "",
		"updater image template, {ecosystem} is replaced per ecosystem, overrides the config file")

	cmd.Flags().BoolVar(&args.autoComplete, "auto-complete", false,
		"enable auto-completion on created pull requests")
	cmd.Flags().StringVar(&args.mergeStrategy, "merge-strategy", "squash",
		"merge strategy for auto-completion: squash, rebase, rebaseMerge or noFastForward")
	cmd.Flags().IntSliceVar(&args.autoCompleteIgnoreIDs, "auto-complete-ignore-config-ids", nil,
		"ids of branch policies that do not block auto-completion")
	cmd.Flags().BoolVar(&args.autoApprove, "auto-approve", false,
		"approve created pull requests with the token identity")

	cmd.Flags().StringVar(&args.jobAPIURL, "job-api-url", "",
		"job API URL reachable from inside updater containers, defaults to http://host.docker.internal:<port>")
	cmd.Flags().IntVar(&args.port, "port", 0,
		"listen port of the job API, 0 uses the job_api_port config file setting")

	for _, flagName := range []string{"organisation-url", "project", "repository"} {
		if err := cmd.MarkFlagRequired(flagName); err != nil {
			panic(err)
		}
	}

	return cmd
}

func runUpdateRun(args *runArgs) {
	ctx, cancel := context.WithCancel(context.Background())
	goodbye.Register(func(context.Context, os.Signal) { cancel() })

	gitToken := os.Getenv(envVarAzureDevOpsToken)
	if gitToken == "" {
		exitOnErr("missing credentials",
			fmt.Errorf("environment variable %s is not set", envVarAzureDevOpsToken))
	}
	githubToken := os.Getenv(envVarGithubToken)

	jobTimeout, err := config.JobTimeoutDuration()
	exitOnErr("invalid configuration", err)

	adoClient, err := azdevops.New(ctx, args.organisationURL, args.project, args.repository, gitToken)
	exitOnErr("could not create Azure DevOps client", err)

	var advisoryLookup orchestrator.AdvisoryLookup
	var advisoriesSupported func(jobs.Ecosystem) bool

	if githubToken != "" {
		advisoryClt := advisory.New(githubToken)
		err := advisoryClt.CheckAccess(ctx)
		exitOnErr("github advisory token was rejected", err)

		advisoryLookup = advisoryClt
		advisoriesSupported = advisory.SupportsEcosystem
	}

	targetBranch := args.targetBranch
	if targetBranch == "" {
		targetBranch, err = adoClient.DefaultBranch(ctx)
		exitOnErr("could not resolve the repository default branch", err)
	}

	logger.Info(
		"starting update run",
		logfields.Event("run_starting"),
		zap.String("organisation_url", args.organisationURL),
		zap.String("project", args.project),
		zap.String("repository", args.repository),
		zap.String("target_branch", targetBranch),
		zap.String("azure_devops_token", hide(gitToken)),
		zap.String("github_token", hide(githubToken)),
		zap.Bool("dry_run", args.dryRun),
		zap.Uint("worker_count", config.WorkerCount),
		zap.Duration("job_timeout", jobTimeout),
	)

	jobAPIPort := config.JobAPIPort
	if args.port != 0 {
		jobAPIPort = args.port
	}

	store := jobapi.NewStore()
	server := jobapi.NewServer(store)
	err = server.Start(fmt.Sprintf(":%d", jobAPIPort))
	exitOnErr("could not start job API server", err)
	goodbye.Register(func(context.Context, os.Signal) { server.Stop() })

	apiBaseURL := args.jobAPIURL
	if apiBaseURL == "" {
		apiBaseURL = defaultJobAPIURL(server.Addr())
	}

	retryer := orchestrator.NewRetryer()
	goodbye.Register(func(context.Context, os.Signal) { retryer.Stop() })

	var provider reconcile.Provider = adoClient
	if args.dryRun {
		provider = reconcile.NewDryProvider(logger)
	}

	var autoComplete *azdevops.AutoCompleteOptions
	if args.autoComplete {
		autoComplete = &azdevops.AutoCompleteOptions{
			MergeStrategy:         args.mergeStrategy,
			DeleteSourceBranch:    true,
			IgnorePolicyConfigIDs: args.autoCompleteIgnoreIDs,
		}
	}

	reconciler := reconcile.New(provider, retryer, reconcile.Options{
		TargetBranch: targetBranch,
		AutoComplete: autoComplete,
		AutoApprove:  args.autoApprove,
	})

	provisioner := credentials.New(
		&credentials.EnvSecretLookup{Prefix: secretEnvVarPrefix},
		gitHost(args.organisationURL),
		gitToken,
		githubToken,
	)

	updaterImageTemplate := config.UpdaterImageTemplate
	if args.updaterImage != "" {
		updaterImageTemplate = args.updaterImage
	}

	jobRunner := runner.New(runner.Options{
		Engine:               config.ContainerEngine,
		ProxyImage:           config.ProxyImage,
		LogDir:               config.LogDir,
		UpdaterImageTemplate: updaterImageTemplate,
	})

	var configPaths []string
	if args.configPath != "" {
		configPaths = []string{args.configPath}
	}

	if config.MetricsListenAddr != "" {
		startMetricsServer(config.MetricsListenAddr)
	}

	orch := orchestrator.New(adoClient, jobRunner, reconciler, store, provisioner, retryer, orchestrator.Options{
		ConfigPaths:                 configPaths,
		ConfigBranch:                args.targetBranch,
		WorkerCount:                 config.WorkerCount,
		JobTimeout:                  jobTimeout,
		APIBaseURL:                  apiBaseURL,
		SecurityOnly:                args.securityOnly,
		SecurityAdvisoriesAvailable: githubToken != "",
		AdvisoriesSupported:         advisoriesSupported,
		Advisories:                  advisoryLookup,
		TargetUpdateIDs:             args.targetUpdateIDs,
		ExperimentsOverride:         args.experiments,
		UpdaterImageTemplate:        updaterImageTemplate,
		CommitAuthorName:            args.authorName,
		CommitAuthorEmail:           args.authorEmail,
	})

	result, err := orch.Run(ctx)
	if err != nil {
		logger.Error("update run failed", logfields.Event("run_failed"), zap.Error(err))
		goodbye.Exit(context.Background(), exitCodeError)
		return
	}

	status := result.Status()

	logger.Info(
		"update run finished",
		logfields.Event("run_finished"),
		zap.String("status", status.String()),
		zap.Int("job_count", len(result.Outcomes)),
		zap.Ints("affected_pull_requests", result.AffectedPRIDs()),
	)

	for _, outcome := range result.Outcomes {
		logger.Info(
			fmt.Sprintf("job %d: %s", outcome.JobID, outcome.Message),
			logfields.Event("job_outcome"),
			logfields.JobID(outcome.JobID),
			zap.Bool("success", outcome.Success),
		)
	}

	goodbye.Exit(context.Background(), exitCodeForStatus(status))
}

func exitCodeForStatus(status jobs.RunStatus) int {
	switch status {
	case jobs.RunFailed:
		return exitCodeFailed
	case jobs.RunSucceededWithIssues:
		return exitCodePartialSuccess
	default:
		return exitCodeSuccess
	}
}

// defaultJobAPIURL derives the URL updater containers use to reach the job
// API on the container host.
func defaultJobAPIURL(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://host.docker.internal"
	}

	return fmt.Sprintf("http://host.docker.internal:%s", port)
}

// gitHost extracts the hostname of the organisation URL, it identifies the
// git source in provisioned credentials.
func gitHost(organisationURL string) string {
	parsed, err := url.Parse(organisationURL)
	if err != nil || parsed.Host == "" {
		return organisationURL
	}

	return parsed.Host
}
