package upstream

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// Resolver resolves the head commit of the tracked upstream branch.
type Resolver struct {
	clt        *Client
	owner      string
	repository string
	branch     string
	logger     *zap.Logger
}

func NewResolver(clt *Client, owner, repository, branch string) *Resolver {
	return &Resolver{
		clt:        clt,
		owner:      owner,
		repository: repository,
		branch:     branch,
		logger:     zap.L().Named(loggerName),
	}
}

// Head returns the current head commit SHA of the tracked branch.
func (r *Resolver) Head(ctx context.Context) (string, error) {
	commit, err := r.clt.HeadCommit(ctx, r.owner, r.repository, r.branch)
	if err != nil {
		return "", err
	}

	r.logger.Debug(
		"upstream head resolved",
		logfields.Event("upstream_head_resolved"),
		logfields.UpstreamRef(commit),
		logfields.Repository(r.repository),
		logfields.Branch(r.branch),
	)

	return commit, nil
}
