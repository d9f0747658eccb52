package azdevops

import "strings"

// PullRequest is an Azure DevOps pull request together with its property
// map.
type PullRequest struct {
	ID           int
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	Properties   map[string]string
}

// AutoCompleteOptions configures auto-completion of a created pull request.
type AutoCompleteOptions struct {
	// MergeStrategy is one of "squash", "rebase", "rebaseMerge" or
	// "noFastForward".
	MergeStrategy      string
	DeleteSourceBranch bool
	// IgnorePolicyConfigIDs are the ids of branch policies that do not
	// block auto-completion.
	IgnorePolicyConfigIDs []int
}

// CreatePRRequest describes a pull request to create.
type CreatePRRequest struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	Properties   map[string]string
	AutoComplete *AutoCompleteOptions
	AutoApprove  bool
}

// UpdatePRRequest describes provider-side changes to an existing pull
// request. Zero-value fields are left unchanged.
type UpdatePRRequest struct {
	Title       string
	Description string
	Properties  map[string]string
}

const branchRefPrefix = "refs/heads/"

func branchToRef(branch string) string {
	if strings.HasPrefix(branch, branchRefPrefix) {
		return branch
	}

	return branchRefPrefix + branch
}

func refToBranch(ref string) string {
	return strings.TrimPrefix(ref, branchRefPrefix)
}
