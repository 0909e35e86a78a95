package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testBranch = "master"

func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) string {
	t.Helper()

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for path, content := range files {
		abs := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))

		_, err := wt.Add(path)
		require.NoError(t, err)
	}

	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}

	commit, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	return commit.String()
}

// newRepoPair creates an upstream repository with a base commit and a local
// clone of it.
func newRepoPair(t *testing.T, baseFiles map[string]string) (upstreamDir, localDir string, upstreamRepo *git.Repository, base string) {
	t.Helper()

	upstreamDir = t.TempDir()
	localDir = t.TempDir()

	upstreamRepo, err := git.PlainInit(upstreamDir, false)
	require.NoError(t, err)

	base = commitFiles(t, upstreamRepo, upstreamDir, baseFiles, "base")

	_, err = git.PlainClone(localDir, false, &git.CloneOptions{URL: upstreamDir})
	require.NoError(t, err)

	return upstreamDir, localDir, upstreamRepo, base
}

func openTestRepo(t *testing.T, localDir, upstreamDir string) *Repo {
	t.Helper()

	repo, err := Open(localDir, testBranch, upstreamDir, testBranch, "")
	require.NoError(t, err)

	return repo
}

func TestAttemptMergeNoChangeWhenAlreadySynced(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, _, base := newRepoPair(t, map[string]string{"a.txt": "a\n"})
	repo := openTestRepo(t, localDir, upstreamDir)

	local, err := repo.LocalHead()
	require.NoError(t, err)

	result, err := repo.AttemptMerge(local, base, base)
	require.NoError(t, err)

	assert.Equal(t, MergeNoChange, result.Outcome)
}

func TestAttemptMergeFastForward(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t,
		map[string]string{"a.txt": "a\n"})

	newHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"a.txt": "a\nb\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	upstreamHead, err := repo.UpstreamHead()
	require.NoError(t, err)
	require.Equal(t, newHead, upstreamHead)

	local, err := repo.LocalHead()
	require.NoError(t, err)

	result, err := repo.AttemptMerge(local, upstreamHead, base)
	require.NoError(t, err)

	assert.Equal(t, MergeClean, result.Outcome)
	assert.Equal(t, newHead, result.NewRef)

	// the baseline branch must not move before FinalizeSync
	localAfter, err := repo.LocalHead()
	require.NoError(t, err)
	assert.Equal(t, local, localAfter)
}

func TestAttemptMergeDisjointEdits(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t, map[string]string{
		"a.txt": "a1\na2\n",
		"b.txt": "b1\nb2\n",
	})

	localRepo, err := git.PlainOpen(localDir)
	require.NoError(t, err)

	localHead := commitFiles(t, localRepo, localDir,
		map[string]string{"a.txt": "a1 local\na2\n"}, "local change")

	upstreamHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"b.txt": "b1\nb2 upstream\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	result, err := repo.AttemptMerge(localHead, upstreamHead, base)
	require.NoError(t, err)

	require.Equal(t, MergeClean, result.Outcome)
	require.NotEmpty(t, result.NewRef)

	mergeCommit, err := localRepo.CommitObject(plumbing.NewHash(result.NewRef))
	require.NoError(t, err)
	require.Len(t, mergeCommit.ParentHashes, 2)

	tree, err := mergeCommit.Tree()
	require.NoError(t, err)

	aFile, err := tree.File("a.txt")
	require.NoError(t, err)
	aContent, err := aFile.Contents()
	require.NoError(t, err)
	assert.Equal(t, "a1 local\na2\n", aContent)

	bFile, err := tree.File("b.txt")
	require.NoError(t, err)
	bContent, err := bFile.Contents()
	require.NoError(t, err)
	assert.Equal(t, "b1\nb2 upstream\n", bContent)
}

func TestAttemptMergeSameFileDifferentLines(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t, map[string]string{
		"a.txt": "l1\nl2\nl3\nl4\nl5\n",
	})

	localRepo, err := git.PlainOpen(localDir)
	require.NoError(t, err)

	localHead := commitFiles(t, localRepo, localDir,
		map[string]string{"a.txt": "l1 local\nl2\nl3\nl4\nl5\n"}, "local change")

	upstreamHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"a.txt": "l1\nl2\nl3\nl4\nl5 upstream\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	result, err := repo.AttemptMerge(localHead, upstreamHead, base)
	require.NoError(t, err)

	require.Equal(t, MergeClean, result.Outcome)

	mergeCommit, err := localRepo.CommitObject(plumbing.NewHash(result.NewRef))
	require.NoError(t, err)

	tree, err := mergeCommit.Tree()
	require.NoError(t, err)

	file, err := tree.File("a.txt")
	require.NoError(t, err)
	content, err := file.Contents()
	require.NoError(t, err)
	assert.Equal(t, "l1 local\nl2\nl3\nl4\nl5 upstream\n", content)
}

func TestAttemptMergeConflict(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t, map[string]string{
		"a.txt": "line\n",
	})

	localRepo, err := git.PlainOpen(localDir)
	require.NoError(t, err)

	localHead := commitFiles(t, localRepo, localDir,
		map[string]string{"a.txt": "line local\n"}, "local change")

	upstreamHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"a.txt": "line upstream\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	result, err := repo.AttemptMerge(localHead, upstreamHead, base)
	require.NoError(t, err)

	assert.Equal(t, MergeConflict, result.Outcome)
	assert.Equal(t, []string{"a.txt"}, result.ConflictingPaths)

	// a conflict must not touch the checkout or the baseline branch
	content, err := os.ReadFile(filepath.Join(localDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line local\n", string(content))

	localAfter, err := repo.LocalHead()
	require.NoError(t, err)
	assert.Equal(t, localHead, localAfter)
}

func TestAttemptMergeNoCommonAncestor(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	_, localDir, _, base := newRepoPair(t, map[string]string{"a.txt": "a\n"})

	// replace the upstream repository with an unrelated history
	rewrittenDir := t.TempDir()
	rewrittenRepo, err := git.PlainInit(rewrittenDir, false)
	require.NoError(t, err)
	rewrittenHead := commitFiles(t, rewrittenRepo, rewrittenDir,
		map[string]string{"other.txt": "x\n"}, "rewritten")

	repo := openTestRepo(t, localDir, rewrittenDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	local, err := repo.LocalHead()
	require.NoError(t, err)

	result, err := repo.AttemptMerge(local, rewrittenHead, base)
	require.NoError(t, err)

	assert.Equal(t, MergeConflict, result.Outcome)
	assert.Empty(t, result.ConflictingPaths)
}

func TestFinalizeSyncAdvancesBaseline(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t,
		map[string]string{"a.txt": "a\n"})

	upstreamHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"a.txt": "a\nb\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	local, err := repo.LocalHead()
	require.NoError(t, err)

	result, err := repo.AttemptMerge(local, upstreamHead, base)
	require.NoError(t, err)
	require.Equal(t, MergeClean, result.Outcome)

	require.NoError(t, repo.FinalizeSync(result.NewRef))

	localAfter, err := repo.LocalHead()
	require.NoError(t, err)
	assert.Equal(t, result.NewRef, localAfter)

	localRepo, err := git.PlainOpen(localDir)
	require.NoError(t, err)
	_, err = localRepo.Reference(plumbing.NewBranchReferenceName(StagingBranch), false)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

func TestAbortSyncRestoresBaseline(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, upstreamRepo, base := newRepoPair(t,
		map[string]string{"a.txt": "a\n"})

	upstreamHead := commitFiles(t, upstreamRepo, upstreamDir,
		map[string]string{"a.txt": "a\nb\n"}, "upstream change")

	repo := openTestRepo(t, localDir, upstreamDir)
	require.NoError(t, repo.FetchUpstream(context.Background()))

	local, err := repo.LocalHead()
	require.NoError(t, err)

	result, err := repo.AttemptMerge(local, upstreamHead, base)
	require.NoError(t, err)
	require.Equal(t, MergeClean, result.Outcome)

	require.NoError(t, repo.AbortSync())

	localAfter, err := repo.LocalHead()
	require.NoError(t, err)
	assert.Equal(t, local, localAfter)

	content, err := os.ReadFile(filepath.Join(localDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(content))
}

func TestManifestChanged(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	upstreamDir, localDir, _, base := newRepoPair(t, map[string]string{
		"requirements.txt": "requests\n",
		"a.txt":            "a\n",
	})

	localRepo, err := git.PlainOpen(localDir)
	require.NoError(t, err)

	unrelated := commitFiles(t, localRepo, localDir,
		map[string]string{"a.txt": "a\nb\n"}, "unrelated change")

	repo := openTestRepo(t, localDir, upstreamDir)

	changed, err := repo.ManifestChanged(base, unrelated, "requirements.txt")
	require.NoError(t, err)
	assert.False(t, changed)

	withDep := commitFiles(t, localRepo, localDir,
		map[string]string{"requirements.txt": "requests\nfeedgen\n"}, "new dependency")

	changed, err = repo.ManifestChanged(base, withDep, "requirements.txt")
	require.NoError(t, err)
	assert.True(t, changed)
}
