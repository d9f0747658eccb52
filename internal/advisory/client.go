// Package advisory queries the GitHub Advisory Database for known
// vulnerabilities of a package ecosystem.
// The data decides if a repository with a disabled open-pull-request limit
// still gets security-only update jobs.
package advisory

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/drover/internal/droverr"
	"github.com/simplesurance/drover/internal/jobs"
	"github.com/simplesurance/drover/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "advisory_client"

// New returns a client for the GitHub Advisory Database.
// The apiToken must be a GitHub token with read access to public data.
func New(apiToken string) *Client {
	httpClient := newHTTPClient(apiToken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client queries the GitHub Advisory Database.
// Methods return a droverr.RetryableError when an operation can be retried,
// e.g. when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Vulnerability is a known vulnerability of a package.
type Vulnerability struct {
	PackageName            string
	Severity               string
	VulnerableVersionRange string
	GHSAID                 string
	Summary                string
}

// advisoryEcosystems maps package ecosystems to the ecosystem enum values of
// the GitHub Advisory Database.
// Ecosystems the database has no data for are absent.
var advisoryEcosystems = map[jobs.Ecosystem]string{
	jobs.EcosystemBundler:       "RUBYGEMS",
	jobs.EcosystemCargo:         "RUST",
	jobs.EcosystemComposer:      "COMPOSER",
	jobs.EcosystemGithubActions: "ACTIONS",
	jobs.EcosystemGoModules:     "GO",
	jobs.EcosystemGradle:        "MAVEN",
	jobs.EcosystemMaven:         "MAVEN",
	jobs.EcosystemMix:           "ERLANG",
	jobs.EcosystemNpm:           "NPM",
	jobs.EcosystemNuget:         "NUGET",
	jobs.EcosystemPip:           "PIP",
	jobs.EcosystemPub:           "PUB",
	jobs.EcosystemSwift:         "SWIFT",
}

// SupportsEcosystem returns true if the GitHub Advisory Database has
// vulnerability data for the ecosystem.
func SupportsEcosystem(eco jobs.Ecosystem) bool {
	_, exist := advisoryEcosystems[eco]
	return exist
}

// CheckAccess verifies that the API token is accepted by GitHub.
func (clt *Client) CheckAccess(ctx context.Context) error {
	_, _, err := clt.restClt.Users.Get(ctx, "")
	return clt.wrapRetryableErrors(err)
}

type vulnerabilityQuery struct {
	SecurityVulnerabilities struct {
		Nodes []struct {
			Package struct {
				Name string
			}
			Severity               string
			VulnerableVersionRange string
			Advisory               struct {
				GhsaID  string `graphql:"ghsaId"`
				Summary string
			}
		}
		PageInfo struct {
			EndCursor   githubv4.String
			HasNextPage bool
		}
	} `graphql:"securityVulnerabilities(ecosystem: $ecosystem, first: 100, after: $cursor)"`
}

// Vulnerabilities returns the known vulnerabilities for the packages of the
// given names in the ecosystem.
// When the ecosystem is not covered by the advisory database, an empty result
// is returned.
func (clt *Client) Vulnerabilities(ctx context.Context, eco jobs.Ecosystem, packageNames []string) ([]*Vulnerability, error) {
	apiEcosystem, exist := advisoryEcosystems[eco]
	if !exist {
		clt.logger.Debug(
			"ecosystem is not covered by the advisory database",
			logfields.Event("advisory_ecosystem_unsupported"),
			logfields.Ecosystem(eco.String()),
		)

		return nil, nil
	}

	wanted := make(map[string]struct{}, len(packageNames))
	for _, name := range packageNames {
		wanted[name] = struct{}{}
	}

	var result []*Vulnerability

	variables := map[string]any{
		"ecosystem": githubv4.SecurityAdvisoryEcosystem(apiEcosystem),
		"cursor":    (*githubv4.String)(nil),
	}

	for {
		var query vulnerabilityQuery

		err := clt.graphQLClt.Query(ctx, &query, variables)
		if err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		for _, node := range query.SecurityVulnerabilities.Nodes {
			if len(wanted) > 0 {
				if _, ok := wanted[node.Package.Name]; !ok {
					continue
				}
			}

			result = append(result, &Vulnerability{
				PackageName:            node.Package.Name,
				Severity:               node.Severity,
				VulnerableVersionRange: node.VulnerableVersionRange,
				GHSAID:                 node.Advisory.GhsaID,
				Summary:                node.Advisory.Summary,
			})
		}

		if !query.SecurityVulnerabilities.PageInfo.HasNextPage {
			break
		}

		variables["cursor"] = githubv4.NewString(query.SecurityVulnerabilities.PageInfo.EndCursor)
	}

	clt.logger.Debug(
		"vulnerabilities fetched from advisory database",
		logfields.Event("advisory_vulnerabilities_fetched"),
		logfields.Ecosystem(eco.String()),
		zap.Int("vulnerability_count", len(result)),
	)

	return result, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return droverr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return droverr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return droverr.NewRetryableAnytimeError(err)
	}

	return err
}
