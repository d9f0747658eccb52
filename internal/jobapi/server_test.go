package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/drover/internal/credentials"
	"github.com/simplesurance/drover/internal/jobs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*Server, *Store) {
	t.Helper()

	zap.ReplaceGlobals(zaptest.NewLogger(t))

	store := NewStore()
	server := NewServer(store)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(server.Stop)
	t.Cleanup(http.DefaultClient.CloseIdleConnections)

	return server, store
}

func registerJob(t *testing.T, store *Store, id int, creds []credentials.Credential) (*credentials.Tokens, <-chan *Record) {
	t.Helper()

	tokens := credentials.Tokens{
		JobToken:         fmt.Sprintf("job-token-%d", id),
		CredentialsToken: fmt.Sprintf("credentials-token-%d", id),
	}

	records, err := store.Register(
		&jobs.Definition{
			ID:                id,
			Kind:              jobs.KindUpdateAll,
			Ecosystem:         jobs.EcosystemNpm,
			Directories:       []string{"/"},
			CommitAuthorName:  "drover[bot]",
			CommitAuthorEmail: "drover@example.com",
			SecurityAdvisories: []jobs.SecurityAdvisory{
				{PackageName: "left-pad", Severity: "HIGH", VulnerableVersionRange: "< 1.3.0"},
			},
		},
		&tokens,
		func(context.Context) ([]credentials.Credential, error) { return creds, nil },
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Deregister(id) })

	return &tokens, records
}

func doRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestJobDetails(t *testing.T) {
	server, store := newTestServer(t)
	tokens, _ := registerJob(t, store, 1, nil)

	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/jobs/1", server.Addr()), tokens.JobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Job map[string]any `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "npm", body.Job["package-ecosystem"])
	assert.Equal(t, "update_all", body.Job["kind"])
	assert.Equal(t, "drover[bot]", body.Job["commit-author-name"])
	assert.Equal(t, "drover@example.com", body.Job["commit-author-email"])

	advisories, ok := body.Job["security-advisories"].([]any)
	require.True(t, ok)
	require.Len(t, advisories, 1)
	advisory, ok := advisories[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "left-pad", advisory["dependency-name"])
	assert.Equal(t, "HIGH", advisory["severity"])
}

func TestCrossJobTokenIsRejected(t *testing.T) {
	server, store := newTestServer(t)
	tokensA, _ := registerJob(t, store, 1, nil)
	_, _ = registerJob(t, store, 2, nil)

	// job A's token must not authorize access to job B's resources
	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/jobs/2", server.Addr()), tokensA.JobToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	record := []byte(`{"data":{}}`)
	resp = doRequest(t, http.MethodPost, fmt.Sprintf("http://%s/jobs/2/mark_as_processed", server.Addr()), tokensA.JobToken, record)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownJobIDFailsClosed(t *testing.T) {
	server, store := newTestServer(t)
	tokens, _ := registerJob(t, store, 1, nil)

	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/jobs/99", server.Addr()), tokens.JobToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCredentialsRequireCredentialsToken(t *testing.T) {
	server, store := newTestServer(t)
	tokens, _ := registerJob(t, store, 1, []credentials.Credential{
		{Type: "git_source", Host: "dev.azure.com", Password: "s3cret"},
	})

	url := fmt.Sprintf("http://%s/jobs/1/credentials", server.Addr())

	// the job token does not authorize fetching credentials
	resp := doRequest(t, http.MethodGet, url, tokens.JobToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, url, tokens.CredentialsToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Credentials []credentials.Credential `json:"credentials"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Credentials, 1)
	assert.Equal(t, "s3cret", body.Credentials[0].Password)
}

func TestRecordsAreDeliveredInOrder(t *testing.T) {
	server, store := newTestServer(t)
	tokens, records := registerJob(t, store, 1, nil)

	post := func(recordType string, data string) *http.Response {
		return doRequest(
			t, http.MethodPost,
			fmt.Sprintf("http://%s/jobs/1/%s", server.Addr(), recordType),
			tokens.JobToken,
			[]byte(fmt.Sprintf(`{"data":%s}`, data)),
		)
	}

	resp := post(RecordTypeCreatePullRequest, `{"pr-title":"bump left-pad","dependencies":[{"dependency-name":"left-pad","dependency-version":"1.3.0"}]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(RecordTypeMarkAsProcessed, `{}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// records after the terminal record are rejected
	resp = post(RecordTypeClosePullRequest, `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	first := <-records
	require.Equal(t, RecordTypeCreatePullRequest, first.Type)

	var createData CreatePullRequestData
	require.NoError(t, first.DecodeData(&createData))
	assert.Equal(t, "bump left-pad", createData.PRTitle)
	require.Len(t, createData.Dependencies, 1)
	assert.Equal(t, "left-pad", createData.Dependencies[0].Name)

	second := <-records
	require.Equal(t, RecordTypeMarkAsProcessed, second.Type)
	assert.True(t, second.IsTerminal())

	_, open := <-records
	assert.False(t, open, "record channel must be closed after the terminal record")
}

func TestDeregisterClosesRecordChannel(t *testing.T) {
	_, store := newTestServer(t)
	_, records := registerJob(t, store, 1, nil)

	store.Deregister(1)

	_, open := <-records
	assert.False(t, open)
}
