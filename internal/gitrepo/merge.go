package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

// fileState describes one side's version of a path after its change.
type fileState struct {
	exists     bool
	content    string
	executable bool
}

// AttemptMerge attempts an automatic three-way merge of the upstream head
// into the local baseline.
//
// When upstream contains nothing new, MergeNoChange is returned and the
// working tree stays untouched.
// A clean merge is committed on the staging branch, the baseline ref only
// advances via FinalizeSync after the remaining pipeline stages succeeded.
// Overlapping edits result in MergeConflict and leave the repository
// unmodified, resolving them is a manual action.
// Histories without a common ancestor are reported as MergeConflict, local
// changes are never discarded by a forced overwrite.
func (r *Repo) AttemptMerge(localRef, upstreamRef, lastSyncedUpstreamRef string) (*MergeResult, error) {
	logger := r.logger.With(
		logfields.LocalRef(localRef),
		logfields.UpstreamRef(upstreamRef),
	)

	if upstreamRef == lastSyncedUpstreamRef {
		logger.Debug("upstream unchanged since last sync", logfields.Event("merge_noop"))
		return &MergeResult{Outcome: MergeNoChange}, nil
	}

	localCommit, err := r.repo.CommitObject(plumbing.NewHash(localRef))
	if err != nil {
		return nil, fmt.Errorf("resolving local commit failed: %w", err)
	}

	upstreamCommit, err := r.repo.CommitObject(plumbing.NewHash(upstreamRef))
	if err != nil {
		return nil, fmt.Errorf("resolving upstream commit failed: %w", err)
	}

	bases, err := localCommit.MergeBase(upstreamCommit)
	if err != nil {
		return nil, fmt.Errorf("finding merge base failed: %w", err)
	}

	if len(bases) == 0 {
		// upstream history was rewritten, never force-overwrite local
		// changes
		logger.Warn(
			"histories have no common ancestor",
			logfields.Event("merge_histories_diverged"),
		)

		return &MergeResult{Outcome: MergeConflict}, nil
	}

	base := bases[0]

	if base.Hash == upstreamCommit.Hash {
		logger.Debug(
			"local baseline already contains upstream head",
			logfields.Event("merge_noop"),
		)

		return &MergeResult{Outcome: MergeNoChange}, nil
	}

	if base.Hash == localCommit.Hash {
		// fast-forward, the merged state is the upstream head itself
		if err := r.stageRef(upstreamCommit.Hash); err != nil {
			return nil, err
		}

		logger.Info(
			"staged fast-forward to upstream head",
			logfields.Event("merge_fast_forward"),
		)

		return &MergeResult{Outcome: MergeClean, NewRef: upstreamRef}, nil
	}

	merged, conflicts, err := r.mergeTrees(base, localCommit, upstreamCommit)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		logger.Info(
			"merge has conflicting paths",
			logfields.Event("merge_conflict"),
			zap.Strings("git.conflicting_paths", conflicts),
		)

		return &MergeResult{Outcome: MergeConflict, ConflictingPaths: conflicts}, nil
	}

	newRef, err := r.commitStagedMerge(localCommit, upstreamCommit, merged)
	if err != nil {
		return nil, err
	}

	logger.Info(
		"merge commit staged",
		logfields.Event("merge_staged"),
		logfields.Commit(newRef),
	)

	return &MergeResult{Outcome: MergeClean, NewRef: newRef}, nil
}

// mergeTrees computes the merged file states for all paths upstream changed
// relative to the merge base, without touching the working tree.
func (r *Repo) mergeTrees(base, local, upstream *object.Commit) (map[string]fileState, []string, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, nil, err
	}

	localTree, err := local.Tree()
	if err != nil {
		return nil, nil, err
	}

	upstreamTree, err := upstream.Tree()
	if err != nil {
		return nil, nil, err
	}

	upstreamChanges, err := object.DiffTree(baseTree, upstreamTree)
	if err != nil {
		return nil, nil, fmt.Errorf("diffing base against upstream failed: %w", err)
	}

	localChanges, err := object.DiffTree(baseTree, localTree)
	if err != nil {
		return nil, nil, fmt.Errorf("diffing base against local failed: %w", err)
	}

	locallyTouched := map[string]struct{}{}
	for _, change := range localChanges {
		locallyTouched[changePath(change)] = struct{}{}
	}

	merged := map[string]fileState{}
	var conflicts []string

	for _, change := range upstreamChanges {
		path := changePath(change)

		upstreamState, err := treeFileState(upstreamTree, path)
		if err != nil {
			return nil, nil, err
		}

		if _, touched := locallyTouched[path]; !touched {
			merged[path] = upstreamState
			continue
		}

		localState, err := treeFileState(localTree, path)
		if err != nil {
			return nil, nil, err
		}

		// both sides made the identical change
		if localState.exists == upstreamState.exists &&
			localState.content == upstreamState.content {
			continue
		}

		baseState, err := treeFileState(baseTree, path)
		if err != nil {
			return nil, nil, err
		}

		if !baseState.exists || !localState.exists || !upstreamState.exists {
			// delete vs. modify or both sides added different
			// content
			conflicts = append(conflicts, path)
			continue
		}

		mergedLines, conflict := merge3(
			splitLines(baseState.content),
			splitLines(localState.content),
			splitLines(upstreamState.content),
		)
		if conflict {
			conflicts = append(conflicts, path)
			continue
		}

		merged[path] = fileState{
			exists:     true,
			content:    strings.Join(mergedLines, ""),
			executable: localState.executable || upstreamState.executable,
		}
	}

	return merged, conflicts, nil
}

// commitStagedMerge materializes the merged file states on the staging
// branch and commits them with both heads as parents.
func (r *Repo) commitStagedMerge(local, upstream *object.Commit, merged map[string]fileState) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", err
	}

	if err := r.checkoutStaging(wt, local.Hash); err != nil {
		return "", err
	}

	for path, state := range merged {
		if !state.exists {
			if _, err := wt.Remove(path); err != nil {
				return "", fmt.Errorf("staging removal of %q failed: %w", path, err)
			}

			continue
		}

		mode := os.FileMode(0o644)
		if state.executable {
			mode = 0o755
		}

		abs := filepath.Join(r.path, path)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", err
		}

		if err := os.WriteFile(abs, []byte(state.content), mode); err != nil {
			return "", fmt.Errorf("writing %q failed: %w", path, err)
		}

		if _, err := wt.Add(path); err != nil {
			return "", fmt.Errorf("staging %q failed: %w", path, err)
		}
	}

	sig := &object.Signature{
		Name:  "forksyncd",
		Email: "forksyncd@localhost",
		When:  time.Now(),
	}

	commit, err := wt.Commit(
		fmt.Sprintf("merge upstream %s", upstream.Hash),
		&git.CommitOptions{
			Parents:   []plumbing.Hash{local.Hash, upstream.Hash},
			Author:    sig,
			Committer: sig,
		},
	)
	if err != nil {
		return "", fmt.Errorf("committing merge failed: %w", err)
	}

	return commit.String(), nil
}

// stageRef points the staging branch at the given commit and checks it out.
func (r *Repo) stageRef(hash plumbing.Hash) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}

	return r.checkoutStaging(wt, hash)
}

func (r *Repo) checkoutStaging(wt *git.Worktree, hash plumbing.Hash) error {
	stagingRef := plumbing.NewBranchReferenceName(StagingBranch)

	// a leftover staging ref from an aborted run is discarded
	if _, err := r.repo.Reference(stagingRef, false); err == nil {
		if err := r.repo.Storer.RemoveReference(stagingRef); err != nil {
			return fmt.Errorf("removing stale staging ref failed: %w", err)
		}
	}

	err := wt.Checkout(&git.CheckoutOptions{
		Hash:   hash,
		Branch: stagingRef,
		Create: true,
		Force:  true,
	})
	if err != nil {
		return fmt.Errorf("checking out staging branch failed: %w", err)
	}

	return nil
}

// FinalizeSync advances the baseline branch to the staged merge commit and
// checks it out. It is only called after the artifact was deployed
// successfully, the last synced state is therefore always deployable.
func (r *Repo) FinalizeSync(newRef string) error {
	branchRef := plumbing.NewBranchReferenceName(r.branch)

	err := r.repo.Storer.SetReference(
		plumbing.NewHashReference(branchRef, plumbing.NewHash(newRef)),
	)
	if err != nil {
		return fmt.Errorf("advancing baseline branch failed: %w", err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}

	err = wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true})
	if err != nil {
		return fmt.Errorf("checking out baseline branch failed: %w", err)
	}

	if err := r.removeStagingRef(); err != nil {
		return err
	}

	r.logger.Info(
		"baseline branch advanced to merged commit",
		logfields.Event("sync_finalized"),
		logfields.Commit(newRef),
	)

	return nil
}

// AbortSync discards a staged merge and restores the baseline checkout.
func (r *Repo) AbortSync() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(r.branch),
		Force:  true,
	})
	if err != nil {
		return fmt.Errorf("restoring baseline checkout failed: %w", err)
	}

	return r.removeStagingRef()
}

func (r *Repo) removeStagingRef() error {
	stagingRef := plumbing.NewBranchReferenceName(StagingBranch)

	if _, err := r.repo.Reference(stagingRef, false); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil
		}

		return err
	}

	if err := r.repo.Storer.RemoveReference(stagingRef); err != nil {
		return fmt.Errorf("removing staging ref failed: %w", err)
	}

	return nil
}

func changePath(change *object.Change) string {
	if change.To.Name != "" {
		return change.To.Name
	}

	return change.From.Name
}

func treeFileState(tree *object.Tree, path string) (fileState, error) {
	file, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return fileState{}, nil
		}

		return fileState{}, fmt.Errorf("reading %q from tree failed: %w", path, err)
	}

	content, err := file.Contents()
	if err != nil {
		return fileState{}, fmt.Errorf("reading contents of %q failed: %w", path, err)
	}

	return fileState{
		exists:     true,
		content:    content,
		executable: file.Mode == filemode.Executable,
	}, nil
}

// splitLines splits s into lines that keep their trailing newline, joining
// them again reproduces s byte-identically.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}

	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

// ManifestChanged reports whether the dependency manifest differs between
// the two commits.
func (r *Repo) ManifestChanged(oldRef, newRef, manifestPath string) (bool, error) {
	oldCommit, err := r.repo.CommitObject(plumbing.NewHash(oldRef))
	if err != nil {
		return false, err
	}

	newCommit, err := r.repo.CommitObject(plumbing.NewHash(newRef))
	if err != nil {
		return false, err
	}

	oldTree, err := oldCommit.Tree()
	if err != nil {
		return false, err
	}

	newTree, err := newCommit.Tree()
	if err != nil {
		return false, err
	}

	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return false, err
	}

	for _, change := range changes {
		if changePath(change) == manifestPath {
			return true, nil
		}
	}

	return false, nil
}
