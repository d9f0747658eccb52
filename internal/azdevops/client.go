// Package azdevops provides the Azure DevOps API client used by drover to
// list, create, update and abandon pull requests and to fetch repository
// files.
//
// All methods return a droverr.RetryableError when an operation can be
// retried, e.g. when the API rate limit is exceeded or the service reported
// a transient error.
package azdevops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
	adogit "github.com/microsoft/azure-devops-go-api/azuredevops/v7/git"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/webapi"
	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/droverr"
	"github.com/simplesurance/drover/internal/logfields"
)

const loggerName = "azdevops_client"

// approveVote is the reviewer vote value for "approved".
const approveVote = 10

// Client is an Azure DevOps API client scoped to one repository.
type Client struct {
	gitClient  adogit.Client
	project    string
	repository string
	logger     *zap.Logger
}

// New returns a client for the repository in the given organisation and
// project, authenticating with a personal access token.
func New(ctx context.Context, organisationURL, project, repository, pat string) (*Client, error) {
	connection := azuredevops.NewPatConnection(organisationURL, pat)

	gitClient, err := adogit.NewClient(ctx, connection)
	if err != nil {
		return nil, fmt.Errorf("creating azure devops git client failed: %w", err)
	}

	return &Client{
		gitClient:  gitClient,
		project:    project,
		repository: repository,
		logger: zap.L().Named(loggerName).With(
			logfields.Project(project),
			logfields.Repository(repository),
		),
	}, nil
}

// DefaultBranch returns the name of the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	repo, err := c.gitClient.GetRepository(ctx, adogit.GetRepositoryArgs{
		RepositoryId: &c.repository,
		Project:      &c.project,
	})
	if err != nil {
		return "", c.wrapRetryableErrors(err)
	}

	if repo.DefaultBranch == nil || *repo.DefaultBranch == "" {
		return "", fmt.Errorf("repository %s has no default branch", c.repository)
	}

	return refToBranch(*repo.DefaultBranch), nil
}

// ListOpenPullRequests returns all active pull requests of the repository,
// including their property maps.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]*PullRequest, error) {
	prs, err := c.gitClient.GetPullRequests(ctx, adogit.GetPullRequestsArgs{
		RepositoryId: &c.repository,
		Project:      &c.project,
		SearchCriteria: &adogit.GitPullRequestSearchCriteria{
			Status: &adogit.PullRequestStatusValues.Active,
		},
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	result := make([]*PullRequest, 0, len(*prs))

	for i := range *prs {
		pr := &(*prs)[i]
		if pr.PullRequestId == nil {
			continue
		}

		properties, err := c.pullRequestProperties(ctx, *pr.PullRequestId)
		if err != nil {
			return nil, fmt.Errorf("fetching properties of pull request %d failed: %w", *pr.PullRequestId, err)
		}

		result = append(result, &PullRequest{
			ID:           *pr.PullRequestId,
			Title:        strVal(pr.Title),
			Description:  strVal(pr.Description),
			SourceBranch: refToBranch(strVal(pr.SourceRefName)),
			TargetBranch: refToBranch(strVal(pr.TargetRefName)),
			Properties:   properties,
		})
	}

	return result, nil
}

// CreatePullRequest creates a pull request, stores the drover properties on
// it and optionally enables auto-completion and approves it.
func (c *Client) CreatePullRequest(ctx context.Context, req *CreatePRRequest) (*PullRequest, error) {
	if req.TargetBranch == "" {
		return nil, errors.New("target branch of the pull request is empty")
	}

	sourceRef := branchToRef(req.SourceBranch)
	targetRef := branchToRef(req.TargetBranch)

	created, err := c.gitClient.CreatePullRequest(ctx, adogit.CreatePullRequestArgs{
		RepositoryId: &c.repository,
		Project:      &c.project,
		GitPullRequestToCreate: &adogit.GitPullRequest{
			Title:         &req.Title,
			Description:   &req.Description,
			SourceRefName: &sourceRef,
			TargetRefName: &targetRef,
		},
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	prID := *created.PullRequestId
	logger := c.logger.With(logfields.PullRequest(prID))

	if err := c.SetPullRequestProperties(ctx, prID, req.Properties); err != nil {
		return nil, err
	}

	if req.AutoComplete != nil {
		if err := c.enableAutoComplete(ctx, created, req.AutoComplete); err != nil {
			return nil, err
		}

		logger.Debug("auto-completion enabled", logfields.Event("pr_autocomplete_enabled"))
	}

	if req.AutoApprove {
		if err := c.approve(ctx, created); err != nil {
			return nil, err
		}

		logger.Debug("pull request approved", logfields.Event("pr_approved"))
	}

	logger.Info("pull request created", logfields.Event("pr_created"))

	return &PullRequest{
		ID:           prID,
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		Properties:   req.Properties,
	}, nil
}

// UpdatePullRequest applies provider-side changes to an open pull request.
func (c *Client) UpdatePullRequest(ctx context.Context, prID int, req *UpdatePRRequest) error {
	update := adogit.GitPullRequest{}

	if req.Title != "" {
		update.Title = &req.Title
	}

	if req.Description != "" {
		update.Description = &req.Description
	}

	if update.Title != nil || update.Description != nil {
		_, err := c.gitClient.UpdatePullRequest(ctx, adogit.UpdatePullRequestArgs{
			RepositoryId:           &c.repository,
			Project:                &c.project,
			PullRequestId:          &prID,
			GitPullRequestToUpdate: &update,
		})
		if err != nil {
			return c.wrapRetryableErrors(err)
		}
	}

	if len(req.Properties) > 0 {
		if err := c.SetPullRequestProperties(ctx, prID, req.Properties); err != nil {
			return err
		}
	}

	c.logger.Info(
		"pull request updated",
		logfields.Event("pr_updated"),
		logfields.PullRequest(prID),
	)

	return nil
}

// AbandonPullRequest abandons a pull request and leaves a comment explaining
// why, when comment is non-empty.
func (c *Client) AbandonPullRequest(ctx context.Context, prID int, comment string) error {
	if comment != "" {
		_, err := c.gitClient.CreateThread(ctx, adogit.CreateThreadArgs{
			RepositoryId:  &c.repository,
			Project:       &c.project,
			PullRequestId: &prID,
			CommentThread: &adogit.GitPullRequestCommentThread{
				Status:   &adogit.CommentThreadStatusValues.Closed,
				Comments: &[]adogit.Comment{{Content: &comment}},
			},
		})
		if err != nil {
			// commenting is best-effort, abandoning still proceeds
			c.logger.Warn(
				"creating abandon comment failed",
				logfields.Event("pr_comment_failed"),
				logfields.PullRequest(prID),
				zap.Error(err),
			)
		}
	}

	_, err := c.gitClient.UpdatePullRequest(ctx, adogit.UpdatePullRequestArgs{
		RepositoryId:  &c.repository,
		Project:       &c.project,
		PullRequestId: &prID,
		GitPullRequestToUpdate: &adogit.GitPullRequest{
			Status: &adogit.PullRequestStatusValues.Abandoned,
		},
	})
	if err != nil {
		return c.wrapRetryableErrors(err)
	}

	c.logger.Info(
		"pull request abandoned",
		logfields.Event("pr_abandoned"),
		logfields.PullRequest(prID),
	)

	return nil
}

// GetFileContent fetches the content of a file from the given branch.
// The branch may be empty, the repository's default branch is used then.
func (c *Client) GetFileContent(ctx context.Context, path, branch string) ([]byte, error) {
	args := adogit.GetItemTextArgs{
		RepositoryId: &c.repository,
		Project:      &c.project,
		Path:         &path,
	}

	if branch != "" {
		args.VersionDescriptor = &adogit.GitVersionDescriptor{
			Version:     &branch,
			VersionType: &adogit.GitVersionTypeValues.Branch,
		}
	}

	reader, err := c.gitClient.GetItemText(ctx, args)
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading file content of %s failed: %w", path, err)
	}

	return content, nil
}

// SetPullRequestProperties stores the given key/value pairs as pull request
// properties, existing keys are overwritten.
func (c *Client) SetPullRequestProperties(ctx context.Context, prID int, properties map[string]string) error {
	if len(properties) == 0 {
		return nil
	}

	patch := make([]webapi.JsonPatchOperation, 0, len(properties))
	for key, val := range properties {
		path := "/" + key
		patch = append(patch, webapi.JsonPatchOperation{
			Op:    &webapi.OperationValues.Add,
			Path:  &path,
			Value: val,
		})
	}

	_, err := c.gitClient.UpdatePullRequestProperties(ctx, adogit.UpdatePullRequestPropertiesArgs{
		RepositoryId:  &c.repository,
		Project:       &c.project,
		PullRequestId: &prID,
		PatchDocument: &patch,
	})
	if err != nil {
		return c.wrapRetryableErrors(err)
	}

	return nil
}

func (c *Client) pullRequestProperties(ctx context.Context, prID int) (map[string]string, error) {
	raw, err := c.gitClient.GetPullRequestProperties(ctx, adogit.GetPullRequestPropertiesArgs{
		RepositoryId:  &c.repository,
		Project:       &c.project,
		PullRequestId: &prID,
	})
	if err != nil {
		return nil, c.wrapRetryableErrors(err)
	}

	return propertiesFromAPI(raw), nil
}

// propertiesFromAPI converts the property-bag response of the API into a
// plain string map. Values are wrapped objects:
// {"value": {"Key": {"$type": "System.String", "$value": "..."}}}
func propertiesFromAPI(raw interface{}) map[string]string {
	result := map[string]string{}

	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return result
	}

	values, ok := rawMap["value"].(map[string]interface{})
	if !ok {
		return result
	}

	for key, wrapped := range values {
		wrappedMap, ok := wrapped.(map[string]interface{})
		if !ok {
			continue
		}

		if val, ok := wrappedMap["$value"].(string); ok {
			result[key] = val
		}
	}

	return result
}

func (c *Client) enableAutoComplete(ctx context.Context, pr *adogit.GitPullRequest, opts *AutoCompleteOptions) error {
	completionOpts := adogit.GitPullRequestCompletionOptions{
		DeleteSourceBranch: &opts.DeleteSourceBranch,
	}

	if opts.MergeStrategy != "" {
		strategy := adogit.GitPullRequestMergeStrategy(opts.MergeStrategy)
		completionOpts.MergeStrategy = &strategy
	}

	if len(opts.IgnorePolicyConfigIDs) > 0 {
		completionOpts.AutoCompleteIgnoreConfigIds = &opts.IgnorePolicyConfigIDs
	}

	_, err := c.gitClient.UpdatePullRequest(ctx, adogit.UpdatePullRequestArgs{
		RepositoryId:  &c.repository,
		Project:       &c.project,
		PullRequestId: pr.PullRequestId,
		GitPullRequestToUpdate: &adogit.GitPullRequest{
			// the PAT identity that created the pull request
			AutoCompleteSetBy: pr.CreatedBy,
			CompletionOptions: &completionOpts,
		},
	})
	if err != nil {
		return c.wrapRetryableErrors(err)
	}

	return nil
}

func (c *Client) approve(ctx context.Context, pr *adogit.GitPullRequest) error {
	if pr.CreatedBy == nil || pr.CreatedBy.Id == nil {
		return errors.New("pull request has no creator identity, can not approve")
	}

	vote := approveVote
	_, err := c.gitClient.CreatePullRequestReviewer(ctx, adogit.CreatePullRequestReviewerArgs{
		RepositoryId:  &c.repository,
		Project:       &c.project,
		PullRequestId: pr.PullRequestId,
		ReviewerId:    pr.CreatedBy.Id,
		Reviewer:      &adogit.IdentityRefWithVote{Vote: &vote},
	})
	if err != nil {
		return c.wrapRetryableErrors(err)
	}

	return nil
}

func (c *Client) wrapRetryableErrors(err error) error {
	var wrappedErr azuredevops.WrappedError

	if errors.As(err, &wrappedErr) && wrappedErr.StatusCode != nil {
		statusCode := *wrappedErr.StatusCode

		if statusCode == http.StatusTooManyRequests {
			c.logger.Info(
				"api rate limit exceeded",
				logfields.Event("azdevops_api_rate_limit_exceeded"),
			)

			return droverr.NewRetryableAnytimeError(err)
		}

		if statusCode >= 500 && statusCode < 600 {
			return droverr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

func strVal(v *string) string {
	if v == nil {
		return ""
	}

	return *v
}
