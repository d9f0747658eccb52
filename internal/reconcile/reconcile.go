// Package reconcile applies buffered pull-request actions idempotently
// against the source-control provider.
//
// Existing pull requests are matched through the drover properties stored on
// them. Creating a pull request whose dependency set matches an existing
// open pull request is a no-op, no provider API call is made.
package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/azdevops"
	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
	"github.com/simplesurance/drover/internal/processor"
	"github.com/simplesurance/drover/internal/set"
)

//go:generate mockgen -destination mocks/mock_provider.go -package mocks github.com/simplesurance/drover/internal/reconcile Provider

// Provider is the capability surface of the source-control provider that
// the reconciler consumes.
type Provider interface {
	CreatePullRequest(ctx context.Context, req *azdevops.CreatePRRequest) (*azdevops.PullRequest, error)
	UpdatePullRequest(ctx context.Context, prID int, req *azdevops.UpdatePRRequest) error
	AbandonPullRequest(ctx context.Context, prID int, comment string) error
}

// Retryer re-runs provider operations that fail with a temporary error.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// Options configure how created pull requests look.
type Options struct {
	// TargetBranch is used when a job does not specify one.
	TargetBranch string
	// BranchPrefix is the prefix of generated source branch names.
	BranchPrefix string
	AutoComplete *azdevops.AutoCompleteOptions
	AutoApprove  bool
}

// Reconciler applies pull-request actions.
type Reconciler struct {
	provider Provider
	retryer  Retryer
	opts     Options
	logger   *zap.Logger
}

func New(provider Provider, retryer Retryer, opts Options) *Reconciler {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "drover"
	}

	return &Reconciler{
		provider: provider,
		retryer:  retryer,
		opts:     opts,
		logger:   zap.L().Named("reconciler"),
	}
}

// Apply applies the job's buffered actions in order.
// A failing action is recorded and the remaining actions are still
// attempted, partial success within a job is allowed.
// It returns the ids of the pull requests that were created, updated or
// closed and the errors of failed actions.
func (r *Reconciler) Apply(
	ctx context.Context,
	job *jobs.Definition,
	actions []*processor.PRAction,
	existingPRs []*azdevops.PullRequest,
) (affectedPRIDs []int, actionErrs []error) {
	logger := r.logger.With(job.LogFields()...)

	for _, action := range actions {
		prID, applied, err := r.applyAction(ctx, logger, job, action, existingPRs)
		if err != nil {
			logger.Error(
				"applying pull request action failed",
				logfields.Event("pr_action_failed"),
				zap.String("action", action.Kind.String()),
				zap.Error(err),
			)

			actionErrs = append(actionErrs, fmt.Errorf("%s action failed: %w", action.Kind, err))
			continue
		}

		if applied {
			affectedPRIDs = append(affectedPRIDs, prID)
		}
	}

	return affectedPRIDs, actionErrs
}

// CloseOrphaned abandons pull requests whose update directive no longer
// exists in the configuration.
func (r *Reconciler) CloseOrphaned(ctx context.Context, prIDs []int) (closed []int, errs []error) {
	const comment = "The update configuration for this pull request was removed, closing it."

	for _, prID := range prIDs {
		err := r.retryer.Run(ctx, func(ctx context.Context) error {
			return r.provider.AbandonPullRequest(ctx, prID, comment)
		}, []zap.Field{logfields.PullRequest(prID)})
		if err != nil {
			errs = append(errs, fmt.Errorf("closing orphaned pull request %d failed: %w", prID, err))
			continue
		}

		r.logger.Info(
			"orphaned pull request closed",
			logfields.Event("orphaned_pr_closed"),
			logfields.PullRequest(prID),
		)

		closed = append(closed, prID)
	}

	return closed, errs
}

func (r *Reconciler) applyAction(
	ctx context.Context,
	logger *zap.Logger,
	job *jobs.Definition,
	action *processor.PRAction,
	existingPRs []*azdevops.PullRequest,
) (prID int, applied bool, err error) {
	switch action.Kind {
	case processor.ActionCreate:
		return r.applyCreate(ctx, logger, job, action, existingPRs)

	case processor.ActionUpdate:
		return r.applyUpdate(ctx, job, action, existingPRs)

	case processor.ActionClose:
		return r.applyClose(ctx, job, action, existingPRs)

	default:
		return 0, false, fmt.Errorf("unsupported action kind: %d", action.Kind)
	}
}

func (r *Reconciler) applyCreate(
	ctx context.Context,
	logger *zap.Logger,
	job *jobs.Definition,
	action *processor.PRAction,
	existingPRs []*azdevops.PullRequest,
) (prID int, applied bool, err error) {
	create := action.Create

	groupName := job.DependencyGroupName
	if create.DependencyGroup != nil {
		groupName = create.DependencyGroup.Name
	}

	// creating a pull request that already exists with an identical
	// dependency set is a no-op
	if existing := findPRWithDependencies(existingPRs, job, groupName, create.Dependencies); existing != nil {
		logger.Info(
			"pull request with identical dependency set exists, skipping creation",
			logfields.Event("pr_creation_skipped_duplicate"),
			logfields.PullRequest(existing.ID),
		)

		return existing.ID, false, nil
	}

	properties := jobs.PullRequestProperties{
		PackageManager:      job.Ecosystem.PackageManagerID(),
		DirectoryKey:        job.DirectoryKey,
		DependencyGroupName: groupName,
		Dependencies:        create.Dependencies,
	}

	encodedProps, err := properties.Encode()
	if err != nil {
		return 0, false, err
	}

	targetBranch := job.TargetBranch
	if targetBranch == "" {
		targetBranch = r.opts.TargetBranch
	}

	req := azdevops.CreatePRRequest{
		Title:        create.PRTitle,
		Description:  create.PRBody,
		SourceBranch: r.sourceBranchName(job, groupName, create.Dependencies),
		TargetBranch: targetBranch,
		Properties:   encodedProps,
		AutoComplete: r.opts.AutoComplete,
		AutoApprove:  r.opts.AutoApprove,
	}

	var created *azdevops.PullRequest

	err = r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		created, err = r.provider.CreatePullRequest(ctx, &req)
		return err
	}, job.LogFields())
	if err != nil {
		return 0, false, err
	}

	return created.ID, true, nil
}

func (r *Reconciler) applyUpdate(
	ctx context.Context,
	job *jobs.Definition,
	action *processor.PRAction,
	existingPRs []*azdevops.PullRequest,
) (prID int, applied bool, err error) {
	targetPR, err := resolveTargetPR(job, action, existingPRs)
	if err != nil {
		return 0, false, err
	}

	req := azdevops.UpdatePRRequest{}
	if action.BaseCommitSha != "" {
		req.Properties = map[string]string{"Drover.BaseCommitSha": action.BaseCommitSha}
	}

	err = r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.provider.UpdatePullRequest(ctx, targetPR, &req)
	}, append(job.LogFields(), logfields.PullRequest(targetPR)))
	if err != nil {
		return 0, false, err
	}

	return targetPR, true, nil
}

func (r *Reconciler) applyClose(
	ctx context.Context,
	job *jobs.Definition,
	action *processor.PRAction,
	existingPRs []*azdevops.PullRequest,
) (prID int, applied bool, err error) {
	targetPR, err := resolveTargetPR(job, action, existingPRs)
	if err != nil {
		return 0, false, err
	}

	err = r.retryer.Run(ctx, func(ctx context.Context) error {
		return r.provider.AbandonPullRequest(ctx, targetPR, closeComment(action.Reason))
	}, append(job.LogFields(), logfields.PullRequest(targetPR)))
	if err != nil {
		return 0, false, err
	}

	return targetPR, true, nil
}

// resolveTargetPR determines which pull request an update or close action
// targets: the job's bound pull request or, for jobs that are not bound to
// one, the existing pull request covering the same dependency names.
func resolveTargetPR(job *jobs.Definition, action *processor.PRAction, existingPRs []*azdevops.PullRequest) (int, error) {
	if action.PullRequestID != 0 {
		return action.PullRequestID, nil
	}

	wanted := set.FromSlice(action.DependencyNames)

	for _, pr := range existingPRs {
		props, err := jobs.DecodeProperties(pr.Properties)
		if err != nil || props == nil {
			continue
		}

		if props.PackageManager != job.Ecosystem.PackageManagerID() || props.DirectoryKey != job.DirectoryKey {
			continue
		}

		var names []string
		for _, dep := range props.Dependencies {
			names = append(names, dep.Name)
		}

		if set.Equal(set.FromSlice(names), wanted) {
			return pr.ID, nil
		}
	}

	return 0, fmt.Errorf("no open pull request found for dependencies: %s",
		strings.Join(action.DependencyNames, ", "))
}

func findPRWithDependencies(existingPRs []*azdevops.PullRequest, job *jobs.Definition, groupName string, deps []jobs.Dependency) *azdevops.PullRequest {
	for _, pr := range existingPRs {
		props, err := jobs.DecodeProperties(pr.Properties)
		if err != nil || props == nil {
			continue
		}

		if props.PackageManager != job.Ecosystem.PackageManagerID() || props.DirectoryKey != job.DirectoryKey {
			continue
		}

		if props.DependencyGroupName != groupName {
			continue
		}

		if jobs.SameDependencies(props.Dependencies, deps) {
			return pr
		}
	}

	return nil
}

var branchNameSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// sourceBranchName derives a deterministic branch name for a created pull
// request, e.g. "drover/npm_and_yarn/left-pad-1.3.0".
func (r *Reconciler) sourceBranchName(job *jobs.Definition, groupName string, deps []jobs.Dependency) string {
	var suffix string

	switch {
	case groupName != "":
		suffix = groupName
	case len(deps) == 1:
		suffix = deps[0].Name + "-" + deps[0].Version
	default:
		var names []string
		for _, dep := range deps {
			names = append(names, dep.Name)
		}
		suffix = fmt.Sprintf("multi-%d-%s", len(deps), strings.Join(names, "-and-"))
		if len(suffix) > 80 {
			suffix = suffix[:80]
		}
	}

	name := fmt.Sprintf("%s/%s/%s", r.opts.BranchPrefix, job.Ecosystem.PackageManagerID(), suffix)

	return branchNameSanitizeRe.ReplaceAllString(name, "-")
}

func closeComment(reason string) string {
	switch reason {
	case "dependency_removed":
		return "The dependency is no longer required, closing this pull request."
	case "up_to_date":
		return "The dependency is already up to date, closing this pull request."
	case "superseded":
		return "This pull request was superseded by a newer update, closing it."
	case "dependency_group_empty":
		return "The dependency group no longer contains updatable dependencies, closing this pull request."
	case "":
		return "Closing this pull request."
	default:
		return fmt.Sprintf("Closing this pull request: %s.", reason)
	}
}
