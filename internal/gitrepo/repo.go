// Package gitrepo implements the local side of the fork synchronization:
// resolving refs, fetching the upstream history and attempting automatic
// three-way merges.
package gitrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/fserr"
	"github.com/simplesurance/forksyncd/internal/logfields"
)

const loggerName = "gitrepo"

const upstreamRemoteName = "upstream"

// StagingBranch is where clean merge commits are staged until the rest of
// the pipeline succeeded.
const StagingBranch = "sync-staging"

// Repo wraps the local fork repository.
type Repo struct {
	repo   *git.Repository
	path   string
	branch string

	upstreamBranch string
	auth           *githttp.BasicAuth

	logger *zap.Logger
}

// Open opens the local repository and ensures the upstream remote is
// configured with the given URL.
func Open(path, branch, upstreamURL, upstreamBranch, apiToken string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening git repository %q failed: %w", path, err)
	}

	r := Repo{
		repo:           repo,
		path:           path,
		branch:         branch,
		upstreamBranch: upstreamBranch,
		logger:         zap.L().Named(loggerName),
	}

	if apiToken != "" {
		r.auth = &githttp.BasicAuth{
			Username: "x-access-token",
			Password: apiToken,
		}
	}

	if err := r.ensureUpstreamRemote(upstreamURL); err != nil {
		return nil, err
	}

	return &r, nil
}

func (r *Repo) Path() string {
	return r.path
}

func (r *Repo) ensureUpstreamRemote(url string) error {
	remote, err := r.repo.Remote(upstreamRemoteName)
	if err == nil {
		urls := remote.Config().URLs
		if len(urls) > 0 && urls[0] == url {
			return nil
		}

		if err := r.repo.DeleteRemote(upstreamRemoteName); err != nil {
			return fmt.Errorf("removing outdated upstream remote failed: %w", err)
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return err
	}

	_, err = r.repo.CreateRemote(&config.RemoteConfig{
		Name: upstreamRemoteName,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("configuring upstream remote failed: %w", err)
	}

	r.logger.Debug(
		"upstream remote configured",
		logfields.Event("upstream_remote_configured"),
		zap.String("git.remote_url", url),
	)

	return nil
}

// FetchUpstream fetches the tracked upstream branch.
// Network failures are returned as fserr.RetryableError, the caller retries
// them with backoff.
func (r *Repo) FetchUpstream(ctx context.Context) error {
	refSpec := config.RefSpec(fmt.Sprintf(
		"+refs/heads/%s:refs/remotes/%s/%s",
		r.upstreamBranch, upstreamRemoteName, r.upstreamBranch,
	))

	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: upstreamRemoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       r.authMethod(),
		Force:      true,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fserr.NewRetryableAnytimeError(
			fmt.Errorf("fetching upstream failed: %w", err),
		)
	}

	return nil
}

// LocalHead resolves the head commit of the local baseline branch.
func (r *Repo) LocalHead() (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(r.branch), true)
	if err != nil {
		return "", fmt.Errorf("resolving local branch %q failed: %w", r.branch, err)
	}

	return ref.Hash().String(), nil
}

// UpstreamHead resolves the fetched head commit of the tracked upstream
// branch.
func (r *Repo) UpstreamHead() (string, error) {
	refName := plumbing.NewRemoteReferenceName(upstreamRemoteName, r.upstreamBranch)

	ref, err := r.repo.Reference(refName, true)
	if err != nil {
		return "", fmt.Errorf("resolving upstream ref %q failed: %w", refName, err)
	}

	return ref.Hash().String(), nil
}

// TreeHash returns the hash of the source tree of the given commit.
// It identifies the exact content state an image is built from.
func (r *Repo) TreeHash(commitID string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitID))
	if err != nil {
		return "", fmt.Errorf("resolving commit %q failed: %w", commitID, err)
	}

	return commit.TreeHash.String(), nil
}

// authMethod returns the configured authentication as an untyped nil when
// no token is set, a typed nil would make go-git attempt an empty login.
func (r *Repo) authMethod() transport.AuthMethod {
	if r.auth == nil {
		return nil
	}

	return r.auth
}
