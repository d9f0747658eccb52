// Package credentials provisions the short-lived tokens and the credential
// set of one update job.
//
// Secrets are resolved lazily, only when the containerized updater requests
// them through the job API with a matching credentials token. They are never
// placed in the container's environment or image layers.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/updatecfg"
)

// ErrSecretNotFound is returned by SecretLookup implementations when no
// secret with the requested name exists.
var ErrSecretNotFound = errors.New("secret not found")

// SecretLookup resolves a secret name to its value.
type SecretLookup interface {
	SecretValue(ctx context.Context, name string) (string, error)
}

// EnvSecretLookup resolves secrets from environment variables.
// Secret names are converted to env var format: npm-feed-token becomes
// NPM_FEED_TOKEN, an optional prefix is prepended.
type EnvSecretLookup struct {
	Prefix string
}

func (l *EnvSecretLookup) SecretValue(_ context.Context, name string) (string, error) {
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if l.Prefix != "" {
		envName = l.Prefix + envName
	}

	val, exist := os.LookupEnv(envName)
	if !exist {
		return "", fmt.Errorf("environment variable %s: %w", envName, ErrSecretNotFound)
	}

	return val, nil
}

// Tokens are the opaque secrets authenticating one containerized updater to
// the job API server. Their lifetime is one job execution.
type Tokens struct {
	// JobToken authorizes reporting output records for the job.
	JobToken string
	// CredentialsToken authorizes fetching the job's credential set.
	CredentialsToken string
}

// Credential is one resolved credential tuple passed to the updater through
// the job API.
type Credential struct {
	Type         string `json:"type"`
	Host         string `json:"host,omitempty"`
	URL          string `json:"url,omitempty"`
	Registry     string `json:"registry,omitempty"`
	Token        string `json:"token,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ReplacesBase bool   `json:"replaces-base,omitempty"`
}

// Provisioner assembles tokens and credential sets scoped to one job.
type Provisioner struct {
	secrets     SecretLookup
	gitHost     string
	gitToken    string
	githubToken string

	// tokenGenerator is replaced in tests to get deterministic tokens
	tokenGenerator func() (string, error)

	logger *zap.Logger
}

type Option func(*Provisioner)

// WithTokenGenerator overrides the random token source, for test harnesses.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(p *Provisioner) {
		p.tokenGenerator = fn
	}
}

// New returns a Provisioner.
// gitHost is the host of the source-control organisation, gitToken the token
// used for git and provider API access. githubToken is optional and only
// used for fetching from github.com (e.g. the updater images' helper
// downloads and security advisories).
func New(secrets SecretLookup, gitHost, gitToken, githubToken string, opts ...Option) *Provisioner {
	p := Provisioner{
		secrets:        secrets,
		gitHost:        gitHost,
		gitToken:       gitToken,
		githubToken:    githubToken,
		tokenGenerator: randomToken,
		logger:         zap.L().Named("credentials"),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes failed: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// NewTokens generates a fresh token pair for one job.
func (p *Provisioner) NewTokens() (*Tokens, error) {
	jobToken, err := p.tokenGenerator()
	if err != nil {
		return nil, err
	}

	credentialsToken, err := p.tokenGenerator()
	if err != nil {
		return nil, err
	}

	return &Tokens{JobToken: jobToken, CredentialsToken: credentialsToken}, nil
}

// Resolve assembles the credential set of the job: the git host token,
// optionally a github.com token and one credential per registry the job's
// directive references. Registry secrets referenced via `${{ name }}`
// placeholders are fetched through the secret lookup.
func (p *Provisioner) Resolve(ctx context.Context, job *jobs.Definition) ([]Credential, error) {
	result := []Credential{
		{
			Type:     "git_source",
			Host:     p.gitHost,
			Username: "x-access-token",
			Password: p.gitToken,
		},
	}

	if p.githubToken != "" {
		result = append(result, Credential{
			Type:     "git_source",
			Host:     "github.com",
			Username: "x-access-token",
			Password: p.githubToken,
		})
	}

	for _, registry := range job.Registries {
		credential, err := p.resolveRegistry(ctx, registry)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials for registry %q failed: %w", registry.Name, err)
		}

		result = append(result, *credential)
	}

	return result, nil
}

func (p *Provisioner) resolveRegistry(ctx context.Context, registry updatecfg.NamedRegistry) (*Credential, error) {
	token, err := p.expandSecrets(ctx, registry.Token)
	if err != nil {
		return nil, err
	}

	username, err := p.expandSecrets(ctx, registry.Username)
	if err != nil {
		return nil, err
	}

	password, err := p.expandSecrets(ctx, registry.Password)
	if err != nil {
		return nil, err
	}

	return &Credential{
		Type:         registry.Type,
		URL:          registry.URL,
		Registry:     registry.Name,
		Token:        token,
		Username:     username,
		Password:     password,
		ReplacesBase: registry.ReplacesBase,
	}, nil
}

// expandSecrets resolves `${{ name }}` placeholders in val through the
// secret lookup. An unresolvable placeholder is an error, a credential with
// a dangling placeholder must never reach an updater.
func (p *Provisioner) expandSecrets(ctx context.Context, val string) (string, error) {
	if val == "" {
		return "", nil
	}

	return updatecfg.ExpandPlaceholdersFunc(val, func(name string) (string, error) {
		return p.secrets.SecretValue(ctx, name)
	})
}
