package azdevops

import (
	"context"
	"testing"

	adogit "github.com/microsoft/azure-devops-go-api/azuredevops/v7/git"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGitClient stubs the repository lookup, all other methods panic via
// the embedded nil interface.
type fakeGitClient struct {
	adogit.Client

	repo *adogit.GitRepository
}

func (f *fakeGitClient) GetRepository(context.Context, adogit.GetRepositoryArgs) (*adogit.GitRepository, error) {
	return f.repo, nil
}

func strPtr(v string) *string { return &v }

func newTestClient(gitClient adogit.Client) *Client {
	return &Client{
		gitClient:  gitClient,
		project:    "proj",
		repository: "repo",
		logger:     zap.NewNop(),
	}
}

func TestDefaultBranch(t *testing.T) {
	clt := newTestClient(&fakeGitClient{
		repo: &adogit.GitRepository{DefaultBranch: strPtr("refs/heads/main")},
	})

	branch, err := clt.DefaultBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestDefaultBranchFailsWhenUnset(t *testing.T) {
	clt := newTestClient(&fakeGitClient{repo: &adogit.GitRepository{}})

	_, err := clt.DefaultBranch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no default branch")
}

func TestCreatePullRequestRejectsEmptyTargetBranch(t *testing.T) {
	clt := newTestClient(nil)

	_, err := clt.CreatePullRequest(context.Background(), &CreatePRRequest{
		Title:        "bump left-pad",
		SourceBranch: "drover/npm_and_yarn/left-pad-1.3.0",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target branch")
}

func TestBranchRefConversion(t *testing.T) {
	assert.Equal(t, "refs/heads/main", branchToRef("main"))
	assert.Equal(t, "refs/heads/main", branchToRef("refs/heads/main"))
	assert.Equal(t, "main", refToBranch("refs/heads/main"))
	assert.Equal(t, "main", refToBranch("main"))
}

func TestPropertiesFromAPI(t *testing.T) {
	raw := map[string]interface{}{
		"count": float64(2),
		"value": map[string]interface{}{
			"Drover.PackageManager": map[string]interface{}{
				"$type":  "System.String",
				"$value": "npm_and_yarn",
			},
			"Drover.DirectoryKey": map[string]interface{}{
				"$type":  "System.String",
				"$value": "npm::/",
			},
		},
	}

	props := propertiesFromAPI(raw)
	assert.Equal(t, map[string]string{
		"Drover.PackageManager": "npm_and_yarn",
		"Drover.DirectoryKey":   "npm::/",
	}, props)
}

func TestPropertiesFromAPIToleratesUnexpectedShape(t *testing.T) {
	assert.Empty(t, propertiesFromAPI(nil))
	assert.Empty(t, propertiesFromAPI("not a map"))
	assert.Empty(t, propertiesFromAPI(map[string]interface{}{"value": 42}))
}
