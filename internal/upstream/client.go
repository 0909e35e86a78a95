// Package upstream provides access to the tracked upstream repository.
package upstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/forksyncd/internal/fserr"
	"github.com/simplesurance/forksyncd/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "upstream_client"

// New returns a new client for the upstream hosting API.
func New(oauthAPItoken string) *Client {
	return &Client{
		restClt: github.NewClient(newHTTPClient(oauthAPItoken)),
		logger:  zap.L().Named(loggerName),
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

// Client resolves refs of the upstream repository via the GitHub API.
// All methods return a fserr.RetryableError when an operation can be
// retried, e.g. when the API ratelimit is exceeded or upstream is
// unreachable.
type Client struct {
	restClt *github.Client
	logger  *zap.Logger
}

// HeadCommit returns the commit ID the branch of the upstream repository
// currently points to.
func (clt *Client) HeadCommit(ctx context.Context, owner, repo, branch string) (string, error) {
	br, _, err := clt.restClt.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	sha := br.GetCommit().GetSHA()
	if sha == "" {
		return "", errors.New("github returned a branch object with an empty head commit")
	}

	return sha, nil
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

		return fserr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return fserr.NewRetryableAnytimeError(err)
		}

	default:
		var netErr interface{ Temporary() bool }
		if errors.As(err, &netErr) && netErr.Temporary() {
			return fserr.NewRetryableAnytimeError(err)
		}
	}

	return err
}
