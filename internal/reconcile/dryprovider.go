package reconcile

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/azdevops"
	"github.com/simplesurance/drover/internal/logfields"
)

// DryProvider is a Provider that does not do any changes at the
// source-control provider. All mutating operations are simulated and always
// succeed, it is used for dry-runs.
type DryProvider struct {
	logger *zap.Logger
	nextID atomic.Int64
}

func NewDryProvider(logger *zap.Logger) *DryProvider {
	return &DryProvider{logger: logger.Named("dry_provider")}
}

func (p *DryProvider) CreatePullRequest(_ context.Context, req *azdevops.CreatePRRequest) (*azdevops.PullRequest, error) {
	// simulated pull requests get negative ids, they can not collide
	// with real ones
	id := int(p.nextID.Add(-1))

	p.logger.Info(
		"simulated creating pull request",
		logfields.Event("dry_pr_created"),
		zap.String("title", req.Title),
		zap.String("source_branch", req.SourceBranch),
	)

	return &azdevops.PullRequest{
		ID:           id,
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		Properties:   req.Properties,
	}, nil
}

func (p *DryProvider) UpdatePullRequest(_ context.Context, prID int, _ *azdevops.UpdatePRRequest) error {
	p.logger.Info(
		"simulated updating pull request",
		logfields.Event("dry_pr_updated"),
		logfields.PullRequest(prID),
	)

	return nil
}

func (p *DryProvider) AbandonPullRequest(_ context.Context, prID int, _ string) error {
	p.logger.Info(
		"simulated abandoning pull request",
		logfields.Event("dry_pr_abandoned"),
		logfields.PullRequest(prID),
	)

	return nil
}
