// Package pipeline sequences the synchronization stages.
//
// A run resolves the upstream head, merges it into the local fork,
// reconciles the dependency manifest, builds the container image and
// promotes it. Every stage outcome is persisted to the state store
// before the next stage begins, an interrupted run can be resumed or
// repeated safely.
//
// All triggers (timer, webhook, manual) converge on Run. A trigger that
// arrives while a run is in progress coalesces into it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/deploy"
	"github.com/simplesurance/forksyncd/internal/depsync"
	"github.com/simplesurance/forksyncd/internal/gitrepo"
	"github.com/simplesurance/forksyncd/internal/imagebuild"
	"github.com/simplesurance/forksyncd/internal/logfields"
	"github.com/simplesurance/forksyncd/internal/state"
)

const loggerName = "pipeline"

// A shutdown aborts a run only between stages. The build and the
// promotion run detached from the run context, bounded by their own
// deadline, a signal must not leave a half-built image or a candidate
// container behind.
const (
	buildStageTimeout  = 30 * time.Minute
	deployStageTimeout = 15 * time.Minute
)

// ErrBlocked is returned when a run is refused because a previous
// conflict or repeated failures require manual resolution.
var ErrBlocked = errors.New("pipeline is blocked, manual resolution required")

// SyncConflictError is returned when upstream changes overlap local
// modifications and cannot be merged automatically.
type SyncConflictError struct {
	ConflictingPaths []string
}

func (e *SyncConflictError) Error() string {
	if len(e.ConflictingPaths) == 0 {
		return "merge conflict: histories have no common ancestor"
	}

	return fmt.Sprintf("merge conflict in: %s", strings.Join(e.ConflictingPaths, ", "))
}

// HeadResolver resolves the upstream head commit.
type HeadResolver interface {
	Head(ctx context.Context) (string, error)
}

// Pipeline owns the stage sequencing and the durable run state.
type Pipeline struct {
	resolver   HeadResolver
	repo       *gitrepo.Repo
	reconciler *depsync.Reconciler
	builder    *imagebuild.Builder
	deployer   *deploy.Deployer
	store      *state.Store
	retryer    *Retryer

	manifestPath     string
	blockedThreshold int

	logger *zap.Logger
}

func New(
	resolver HeadResolver,
	repo *gitrepo.Repo,
	reconciler *depsync.Reconciler,
	builder *imagebuild.Builder,
	deployer *deploy.Deployer,
	store *state.Store,
	manifestPath string,
	blockedThreshold int,
) *Pipeline {
	return &Pipeline{
		resolver:         resolver,
		repo:             repo,
		reconciler:       reconciler,
		builder:          builder,
		deployer:         deployer,
		store:            store,
		retryer:          NewRetryer(),
		manifestPath:     manifestPath,
		blockedThreshold: blockedThreshold,
		logger:           zap.L().Named(loggerName),
	}
}

// Stop aborts waiting retries of a running pipeline pass.
func (p *Pipeline) Stop() {
	p.retryer.Stop()
}

// Run executes one full pipeline pass.
// When a run is already in progress the call returns nil immediately,
// the trigger is coalesced. force re-runs build and deploy also when
// the artifact exists and unblocks a blocked pipeline.
func (p *Pipeline) Run(ctx context.Context, force bool) error {
	if err := p.store.AcquireLease(); err != nil {
		if errors.Is(err, state.ErrLeaseHeld) {
			p.logger.Info(
				"run already in progress, trigger coalesced",
				logfields.Event("pipeline_trigger_coalesced"),
			)

			return nil
		}

		return err
	}

	defer p.store.ReleaseLease()

	err := p.run(ctx, force)
	metrics.SetPhase(string(p.store.Get().Phase))

	return err
}

func (p *Pipeline) run(ctx context.Context, force bool) error {
	st := p.store.Get()

	if st.Phase == state.PhaseBlocked {
		if !force {
			p.logger.Warn(
				"pipeline is blocked, run refused",
				logfields.Event("pipeline_run_refused"),
				zap.String("last_error", st.LastError),
			)

			return ErrBlocked
		}

		if err := p.unblock(); err != nil {
			return err
		}

		st = p.store.Get()
	}

	if st.Phase != state.PhaseIdle {
		// an earlier run was interrupted mid-phase, discard its staged
		// work and start over
		p.logger.Warn(
			"state file contains an in-progress phase, resetting",
			logfields.Event("pipeline_stale_phase_reset"),
			logfields.Phase(string(st.Phase)),
		)

		if err := p.repo.AbortSync(); err != nil {
			return err
		}

		err := p.store.Set(func(s *state.SyncState) {
			s.Phase = state.PhaseIdle
		})
		if err != nil {
			return err
		}

		st = p.store.Get()
	}

	var upstreamRef string

	err := p.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		upstreamRef, err = p.resolver.Head(ctx)
		return err
	}, []zap.Field{logfields.Event("resolving_upstream_head")})
	if err != nil {
		return p.failRun(fmt.Errorf("resolving upstream head failed: %w", err))
	}

	if upstreamRef == st.LastSyncedUpstreamRef && !force {
		p.logger.Info(
			"upstream unchanged, nothing to do",
			logfields.Event("pipeline_run_nochange"),
			logfields.UpstreamRef(upstreamRef),
		)

		metrics.RunsInc(resultLabelNoChangeVal)
		return nil
	}

	mergeResult, err := p.merge(ctx, upstreamRef, st.LastSyncedUpstreamRef)
	if err != nil {
		var conflictErr *SyncConflictError
		if errors.As(err, &conflictErr) {
			return err
		}

		return p.failRun(err)
	}

	if mergeResult.Outcome == gitrepo.MergeNoChange {
		err := p.store.Transition(state.PhaseMerging, func(s *state.SyncState) {
			s.Phase = state.PhaseIdle
			s.LastSyncedUpstreamRef = upstreamRef
			s.LastError = ""
		})
		if err != nil {
			return err
		}

		if !force {
			metrics.RunsInc(resultLabelNoChangeVal)
			return nil
		}

		// forced runs rebuild and redeploy the current baseline
		local, err := p.repo.LocalHead()
		if err != nil {
			return p.failRun(err)
		}

		mergeResult = &gitrepo.MergeResult{
			Outcome: gitrepo.MergeClean,
			NewRef:  local,
		}

		err = p.store.Transition(state.PhaseIdle, func(s *state.SyncState) {
			s.Phase = state.PhaseMerging
		})
		if err != nil {
			return err
		}
	}

	newRef := mergeResult.NewRef

	// a cancellation during a stage takes effect here, the interrupted
	// phase is left persisted and the next run resets it
	if err := ctx.Err(); err != nil {
		return err
	}

	err = p.store.Transition(state.PhaseMerging, func(s *state.SyncState) {
		s.Phase = state.PhaseReconciling
	})
	if err != nil {
		return err
	}

	lock, err := p.resolveLock(ctx, &st, newRef)
	if err != nil {
		return p.failRun(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err = p.store.Transition(state.PhaseReconciling, func(s *state.SyncState) {
		s.Phase = state.PhaseBuilding
	})
	if err != nil {
		return err
	}

	artifact, err := p.build(ctx, newRef, lock, force)
	if err != nil {
		return p.failRun(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err = p.store.Transition(state.PhaseBuilding, func(s *state.SyncState) {
		s.Phase = state.PhaseDeploying
	})
	if err != nil {
		return err
	}

	deployCtx, cancelDeploy := context.WithTimeout(context.WithoutCancel(ctx), deployStageTimeout)
	err = p.deployer.Promote(deployCtx, artifact.ImmutableTag)
	cancelDeploy()
	if err != nil {
		metrics.DeploysInc(resultLabelFailureVal)
		return p.failRun(err)
	}

	metrics.DeploysInc(resultLabelSuccessVal)

	if err := p.repo.FinalizeSync(newRef); err != nil {
		return p.failRun(err)
	}

	err = p.store.Transition(state.PhaseDeploying, func(s *state.SyncState) {
		s.Phase = state.PhaseIdle
		s.LastSyncedUpstreamRef = upstreamRef
		s.LastLocalRef = newRef
		s.LastLock = string(lock)
		s.LastError = ""
		s.ConflictingPaths = nil
		s.ConsecutiveFailures = 0
	})
	if err != nil {
		return err
	}

	p.logger.Info(
		"pipeline run succeeded",
		logfields.Event("pipeline_run_succeeded"),
		logfields.UpstreamRef(upstreamRef),
		logfields.LocalRef(newRef),
		logfields.ImageTag(artifact.ImmutableTag),
	)

	metrics.RunsInc(resultLabelSuccessVal)
	return nil
}

// merge fetches upstream and stages the merge commit.
// A conflict is persisted as phase Blocked, it needs manual resolution.
func (p *Pipeline) merge(ctx context.Context, upstreamRef, lastSynced string) (*gitrepo.MergeResult, error) {
	err := p.store.Transition(state.PhaseIdle, func(s *state.SyncState) {
		s.Phase = state.PhaseMerging
	})
	if err != nil {
		return nil, err
	}

	err = p.retryer.Run(ctx, p.repo.FetchUpstream,
		[]zap.Field{logfields.Event("fetching_upstream")})
	if err != nil {
		return nil, fmt.Errorf("fetching upstream failed: %w", err)
	}

	localRef, err := p.repo.LocalHead()
	if err != nil {
		return nil, err
	}

	result, err := p.repo.AttemptMerge(localRef, upstreamRef, lastSynced)
	if err != nil {
		return nil, err
	}

	if result.Outcome == gitrepo.MergeConflict {
		conflictErr := &SyncConflictError{ConflictingPaths: result.ConflictingPaths}

		err := p.store.Transition(state.PhaseMerging, func(s *state.SyncState) {
			s.Phase = state.PhaseBlocked
			s.LastError = conflictErr.Error()
			s.ConflictingPaths = result.ConflictingPaths
		})
		if err != nil {
			return nil, err
		}

		p.logger.Error(
			"merge conflict, pipeline blocked until resolved manually",
			logfields.Event("pipeline_blocked"),
			zap.Strings("conflicting_paths", result.ConflictingPaths),
		)

		metrics.RunsInc(resultLabelConflictVal)
		return nil, conflictErr
	}

	return result, nil
}

// resolveLock returns the pinned dependency set for newRef.
// When the merge did not touch the manifest since the last released
// revision the lock persisted with that release is reused, the package
// index is only queried again for manifest changes.
func (p *Pipeline) resolveLock(ctx context.Context, st *state.SyncState, newRef string) (depsync.LockArtifact, error) {
	if st.LastLocalRef != "" && st.LastLock != "" {
		changed, err := p.repo.ManifestChanged(st.LastLocalRef, newRef, p.manifestPath)
		if err != nil {
			p.logger.Warn(
				"manifest change detection failed, repinning dependencies",
				logfields.Event("manifest_change_detection_failed"),
				zap.Error(err),
			)
		} else if !changed {
			lock := depsync.LockArtifact(st.LastLock)

			// the build context still needs the lock file
			if err := os.WriteFile(p.lockPath(), lock, 0o644); err != nil {
				return nil, fmt.Errorf("writing lock file failed: %w", err)
			}

			p.logger.Info(
				"manifest unchanged, reusing pinned dependencies",
				logfields.Event("dependency_lock_reused"),
				zap.String("lock_checksum", lock.Sum()),
			)

			return lock, nil
		}
	}

	return p.reconcile(ctx)
}

// reconcile parses the manifest from the staged checkout, pins all
// requirements and writes the lock file into the build context.
func (p *Pipeline) reconcile(ctx context.Context) (depsync.LockArtifact, error) {
	manifestFile := filepath.Join(p.repo.Path(), p.manifestPath)

	data, err := os.ReadFile(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("reading dependency manifest failed: %w", err)
	}

	manifest, err := depsync.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing dependency manifest failed: %w", err)
	}

	var lock depsync.LockArtifact

	err = p.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		lock, err = p.reconciler.Reconcile(ctx, manifest)
		return err
	}, []zap.Field{logfields.Event("reconciling_dependencies")})
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(p.lockPath(), lock, 0o644); err != nil {
		return nil, fmt.Errorf("writing lock file failed: %w", err)
	}

	p.logger.Info(
		"dependencies pinned",
		logfields.Event("dependencies_pinned"),
		zap.String("lock_checksum", lock.Sum()),
	)

	return lock, nil
}

func (p *Pipeline) lockPath() string {
	base := strings.TrimSuffix(p.manifestPath, filepath.Ext(p.manifestPath))
	return filepath.Join(p.repo.Path(), base+".lock")
}

func (p *Pipeline) build(ctx context.Context, newRef string, lock depsync.LockArtifact, force bool) (*imagebuild.Artifact, error) {
	// detached from the run context, a shutdown must not kill the build
	// tool mid-run
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildStageTimeout)
	defer cancel()

	treeHash, err := p.repo.TreeHash(newRef)
	if err != nil {
		return nil, err
	}

	artifact, err := p.builder.Build(ctx, p.repo.Path(), treeHash, lock, force)
	if err != nil {
		return nil, err
	}

	metrics.BuildsInc()

	err = p.retryer.Run(ctx, func(ctx context.Context) error {
		return p.builder.Push(ctx, artifact)
	}, []zap.Field{logfields.Event("pushing_image")})
	if err != nil {
		return nil, err
	}

	return artifact, nil
}

// failRun discards staged work and persists the failure.
// Repeated consecutive failures beyond the threshold block the
// pipeline.
func (p *Pipeline) failRun(runErr error) error {
	if err := p.repo.AbortSync(); err != nil {
		p.logger.Error(
			"discarding staged merge failed",
			logfields.Event("sync_abort_failed"),
			zap.Error(err),
		)
	}

	err := p.store.Set(func(s *state.SyncState) {
		s.ConsecutiveFailures++
		s.LastError = runErr.Error()

		if p.blockedThreshold > 0 && s.ConsecutiveFailures >= p.blockedThreshold {
			s.Phase = state.PhaseBlocked
		} else {
			s.Phase = state.PhaseIdle
		}
	})
	if err != nil {
		p.logger.Error(
			"persisting run failure failed",
			logfields.Event("state_persist_failed"),
			zap.Error(err),
		)
	}

	p.logger.Error(
		"pipeline run failed",
		logfields.Event("pipeline_run_failed"),
		zap.Error(runErr),
	)

	metrics.RunsInc(resultLabelFailureVal)
	return runErr
}

// unblock resets a blocked pipeline for a forced run.
func (p *Pipeline) unblock() error {
	if err := p.repo.AbortSync(); err != nil {
		return err
	}

	p.logger.Info(
		"blocked pipeline reset by forced run",
		logfields.Event("pipeline_unblocked"),
	)

	return p.store.Set(func(s *state.SyncState) {
		s.Phase = state.PhaseIdle
		s.LastError = ""
		s.ConflictingPaths = nil
		s.ConsecutiveFailures = 0
	})
}
