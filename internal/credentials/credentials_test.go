package credentials

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/updatecfg"
)

type mapSecretLookup map[string]string

func (m mapSecretLookup) SecretValue(_ context.Context, name string) (string, error) {
	val, exist := m[name]
	if !exist {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}

	return val, nil
}

func TestNewTokensAreFreshAndDistinct(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))

	p := New(mapSecretLookup{}, "dev.azure.com", "git-token", "")

	tokens1, err := p.NewTokens()
	require.NoError(t, err)
	tokens2, err := p.NewTokens()
	require.NoError(t, err)

	assert.NotEmpty(t, tokens1.JobToken)
	assert.NotEqual(t, tokens1.JobToken, tokens1.CredentialsToken)
	assert.NotEqual(t, tokens1.JobToken, tokens2.JobToken)
}

func TestTokenGeneratorOverride(t *testing.T) {
	var cnt int

	p := New(mapSecretLookup{}, "dev.azure.com", "git-token", "",
		WithTokenGenerator(func() (string, error) {
			cnt++
			return fmt.Sprintf("static-%d", cnt), nil
		}),
	)

	tokens, err := p.NewTokens()
	require.NoError(t, err)
	assert.Equal(t, "static-1", tokens.JobToken)
	assert.Equal(t, "static-2", tokens.CredentialsToken)
}

func TestResolveIncludesGitHostCredential(t *testing.T) {
	p := New(mapSecretLookup{}, "dev.azure.com", "git-token", "gh-token")

	creds, err := p.Resolve(context.Background(), &jobs.Definition{})
	require.NoError(t, err)

	require.Len(t, creds, 2)
	assert.Equal(t, "git_source", creds[0].Type)
	assert.Equal(t, "dev.azure.com", creds[0].Host)
	assert.Equal(t, "git-token", creds[0].Password)
	assert.Equal(t, "github.com", creds[1].Host)
	assert.Equal(t, "gh-token", creds[1].Password)
}

func TestResolveExpandsRegistrySecrets(t *testing.T) {
	p := New(
		mapSecretLookup{"NPM_FEED_TOKEN": "s3cret"},
		"dev.azure.com", "git-token", "",
	)

	job := jobs.Definition{
		Registries: []updatecfg.NamedRegistry{
			{
				Name: "private-npm",
				Registry: &updatecfg.Registry{
					Type:  "npm-registry",
					URL:   "https://feed.example.com/npm/registry/",
					Token: "${{ NPM_FEED_TOKEN }}",
				},
			},
		},
	}

	creds, err := p.Resolve(context.Background(), &job)
	require.NoError(t, err)

	require.Len(t, creds, 2)
	assert.Equal(t, "npm-registry", creds[1].Type)
	assert.Equal(t, "s3cret", creds[1].Token)
	assert.Equal(t, "private-npm", creds[1].Registry)
}

func TestResolveFailsOnMissingSecret(t *testing.T) {
	p := New(mapSecretLookup{}, "dev.azure.com", "git-token", "")

	job := jobs.Definition{
		Registries: []updatecfg.NamedRegistry{
			{
				Name: "private-npm",
				Registry: &updatecfg.Registry{
					Type:  "npm-registry",
					Token: "${{ MISSING }}",
				},
			},
		},
	}

	_, err := p.Resolve(context.Background(), &job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
