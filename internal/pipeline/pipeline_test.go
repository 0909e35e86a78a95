package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/forksyncd/internal/deploy"
	"github.com/simplesurance/forksyncd/internal/depsync"
	"github.com/simplesurance/forksyncd/internal/gitrepo"
	"github.com/simplesurance/forksyncd/internal/imagebuild"
	"github.com/simplesurance/forksyncd/internal/state"
)

const testBranch = "master"

// gitHeadResolver resolves the head of a local test repository, it stands
// in for the GitHub API client.
type gitHeadResolver struct {
	repo *git.Repository
}

func (r *gitHeadResolver) Head(context.Context) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(testBranch), true)
	if err != nil {
		return "", err
	}

	return ref.Hash().String(), nil
}

type fakeIndex struct {
	queries int
}

func (f *fakeIndex) Versions(_ context.Context, name string) ([]depsync.Version, error) {
	f.queries++

	raws, exist := map[string][]string{
		"requests": {"2.25.1", "2.26.0", "3.0.0"},
		"feedgen":  {"0.8.0", "0.9.0"},
	}[name]
	if !exist {
		return nil, depsync.ErrUnknownPackage
	}

	result := make([]depsync.Version, 0, len(raws))
	for _, raw := range raws {
		v, err := depsync.ParseVersion(raw)
		if err != nil {
			return nil, err
		}

		result = append(result, *v)
	}

	return result, nil
}

type fakeBuildBackend struct {
	built   map[string]bool
	builds  int
	onBuild func(ctx context.Context)
}

func (f *fakeBuildBackend) Build(ctx context.Context, _ string, tags []string) (string, error) {
	f.builds++
	for _, tag := range tags {
		f.built[tag] = true
	}

	if f.onBuild != nil {
		f.onBuild(ctx)
	}

	return "", nil
}

func (f *fakeBuildBackend) Push(context.Context, string) error { return nil }

func (f *fakeBuildBackend) Tag(_ context.Context, _, dst string) error {
	f.built[dst] = true
	return nil
}

func (f *fakeBuildBackend) ImageExists(_ context.Context, tag string) (bool, error) {
	return f.built[tag], nil
}

func (f *fakeBuildBackend) Login(context.Context, string, string, string) error { return nil }

type fakeRuntime struct {
	running map[string]string
}

func (f *fakeRuntime) Start(_ context.Context, name, image string) (*deploy.Instance, error) {
	f.running[name] = image
	return &deploy.Instance{ID: name}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, instance *deploy.Instance) error {
	delete(f.running, instance.ID)
	return nil
}

func (f *fakeRuntime) SwitchTraffic(context.Context, *deploy.Instance, *deploy.Instance) error {
	return nil
}

type testEnv struct {
	pipeline     *Pipeline
	store        *state.Store
	records      *deploy.RecordLog
	deployer     *deploy.Deployer
	backend      *fakeBuildBackend
	runtime      *fakeRuntime
	index        *fakeIndex
	healthy      *atomic.Bool
	upstreamDir  string
	upstreamRepo *git.Repository
	localDir     string
}

func commitUpstream(t *testing.T, env *testEnv, files map[string]string, msg string) string {
	t.Helper()

	wt, err := env.upstreamRepo.Worktree()
	require.NoError(t, err)

	for path, content := range files {
		abs := filepath.Join(env.upstreamDir, path)
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))

		_, err := wt.Add(path)
		require.NoError(t, err)
	}

	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}

	commit, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	return commit.String()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		upstreamDir: t.TempDir(),
		localDir:    t.TempDir(),
		backend:     &fakeBuildBackend{built: map[string]bool{}},
		runtime:     &fakeRuntime{running: map[string]string{}},
		index:       &fakeIndex{},
		healthy:     &atomic.Bool{},
	}
	env.healthy.Store(true)

	var err error
	env.upstreamRepo, err = git.PlainInit(env.upstreamDir, false)
	require.NoError(t, err)

	commitUpstream(t, env, map[string]string{
		"bot.py":           "print('listing bot')\n",
		"requirements.txt": "requests>=2.25,<3\n",
	}, "base")

	_, err = git.PlainClone(env.localDir, false, &git.CloneOptions{URL: env.upstreamDir})
	require.NoError(t, err)

	repo, err := gitrepo.Open(env.localDir, testBranch, env.upstreamDir, testBranch, "")
	require.NoError(t, err)

	stateDir := t.TempDir()

	env.store, err = state.NewStore(stateDir)
	require.NoError(t, err)

	env.records, err = deploy.NewRecordLog(stateDir)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(resp http.ResponseWriter, _ *http.Request) {
		if env.healthy.Load() {
			resp.WriteHeader(http.StatusOK)
			return
		}

		resp.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	gate, err := deploy.NewHealthGate(srv.URL, 5*time.Millisecond, 3, "")
	require.NoError(t, err)

	env.deployer = deploy.NewDeployer(env.runtime, env.records, gate, "bot")

	env.pipeline = New(
		&gitHeadResolver{repo: env.upstreamRepo},
		repo,
		depsync.NewReconciler(env.index),
		imagebuild.NewBuilder(env.backend, "bot", ""),
		env.deployer,
		env.store,
		"requirements.txt",
		3,
	)
	t.Cleanup(env.pipeline.Stop)

	return env
}

func currentRecord(t *testing.T, records *deploy.RecordLog) *deploy.DeploymentRecord {
	t.Helper()

	current := records.Current()
	require.NotNil(t, current)

	return current
}

func TestFirstRunSyncsAndDeploys(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	upstreamHead := commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))

	st := env.store.Get()
	assert.Equal(t, state.PhaseIdle, st.Phase)
	assert.Equal(t, upstreamHead, st.LastSyncedUpstreamRef)
	assert.Empty(t, st.LastError)

	assert.Equal(t, 1, env.backend.builds)

	current := currentRecord(t, env.records)
	assert.Equal(t, deploy.HealthHealthy, current.HealthStatus)

	// the lock file was pinned from the manifest
	lock, err := os.ReadFile(filepath.Join(env.localDir, "requirements.lock"))
	require.NoError(t, err)
	assert.Equal(t, "requests==2.26.0\n", string(lock))
}

func TestRepeatedRunsWithoutUpstreamChange(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))

	stAfterSync := env.store.Get()
	recordsAfterSync := len(env.records.Records())

	// three further runs find nothing to do and leave everything
	// untouched
	for i := 0; i < 3; i++ {
		require.NoError(t, env.pipeline.Run(context.Background(), false))

		st := env.store.Get()
		assert.Equal(t, stAfterSync.LastSyncedUpstreamRef, st.LastSyncedUpstreamRef)
		assert.Equal(t, state.PhaseIdle, st.Phase)
	}

	assert.Equal(t, 1, env.backend.builds)
	assert.Len(t, env.records.Records(), recordsAfterSync)
}

func TestNewDependencyEndToEnd(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	firstTag := currentRecord(t, env.records).ArtifactTag

	commitUpstream(t, env, map[string]string{
		"requirements.txt": "requests>=2.25,<3\nfeedgen==0.9.0\n",
	}, "add feed dependency")

	require.NoError(t, env.pipeline.Run(context.Background(), false))

	lock, err := os.ReadFile(filepath.Join(env.localDir, "requirements.lock"))
	require.NoError(t, err)
	assert.Equal(t, "requests==2.26.0\nfeedgen==0.9.0\n", string(lock))

	current := currentRecord(t, env.records)
	assert.NotEqual(t, firstTag, current.ArtifactTag)
}

func TestFailingHealthChecksLeavePriorDeploymentCurrent(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))

	goodTag := currentRecord(t, env.records).ArtifactTag
	syncedRef := env.store.Get().LastSyncedUpstreamRef

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('broken')\n"}, "broken change")

	env.healthy.Store(false)

	err := env.pipeline.Run(context.Background(), false)
	require.Error(t, err)

	// the previous deployment still serves
	current := currentRecord(t, env.records)
	assert.Equal(t, goodTag, current.ArtifactTag)

	st := env.store.Get()
	assert.Equal(t, state.PhaseIdle, st.Phase)
	assert.Equal(t, syncedRef, st.LastSyncedUpstreamRef)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	// the failed sync was not finalized, the next healthy run picks the
	// change up again
	env.healthy.Store(true)

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	assert.NotEqual(t, goodTag, currentRecord(t, env.records).ArtifactTag)
}

func TestMergeConflictBlocksPipeline(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	require.NoError(t, env.pipeline.Run(context.Background(), false))

	// conflicting edits of the same line on both sides
	localRepo, err := git.PlainOpen(env.localDir)
	require.NoError(t, err)

	wt, err := localRepo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(
		filepath.Join(env.localDir, "bot.py"), []byte("print('local fork')\n"), 0o644))
	_, err = wt.Add("bot.py")
	require.NoError(t, err)

	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
	_, err = wt.Commit("local change", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('upstream change')\n"}, "upstream change")

	err = env.pipeline.Run(context.Background(), false)

	var conflictErr *SyncConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, []string{"bot.py"}, conflictErr.ConflictingPaths)

	st := env.store.Get()
	assert.Equal(t, state.PhaseBlocked, st.Phase)
	assert.Equal(t, []string{"bot.py"}, st.ConflictingPaths)

	// further runs are refused until resolved
	err = env.pipeline.Run(context.Background(), false)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestUnchangedManifestReusesLock(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	queriesAfterPin := env.index.queries
	require.Greater(t, queriesAfterPin, 0)

	// the next sync does not touch the manifest, the persisted lock is
	// reused and the package index is not queried again
	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v3')\n"}, "code only change")

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	assert.Equal(t, queriesAfterPin, env.index.queries)

	lock, err := os.ReadFile(filepath.Join(env.localDir, "requirements.lock"))
	require.NoError(t, err)
	assert.Equal(t, "requests==2.26.0\n", string(lock))

	// a manifest change pins again
	commitUpstream(t, env, map[string]string{
		"requirements.txt": "requests>=2.25,<3\nfeedgen==0.9.0\n",
	}, "add feed dependency")

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	assert.Greater(t, env.index.queries, queriesAfterPin)
}

func TestShutdownDuringBuildStopsBetweenStages(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	commitUpstream(t, env,
		map[string]string{"bot.py": "print('listing bot v2')\n"}, "upstream change")

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	// the shutdown arrives while the image builds, the build stage must
	// finish undisturbed and the run must end before the promotion
	var buildCtxErr error
	env.backend.onBuild = func(buildCtx context.Context) {
		cancelFn()
		buildCtxErr = buildCtx.Err()
	}

	err := env.pipeline.Run(ctx, false)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, buildCtxErr)
	assert.Equal(t, 1, env.backend.builds)
	assert.Nil(t, env.records.Current())
	assert.Equal(t, state.PhaseBuilding, env.store.Get().Phase)

	// the next run resets the interrupted phase and completes
	env.backend.onBuild = nil

	require.NoError(t, env.pipeline.Run(context.Background(), false))
	assert.NotNil(t, env.records.Current())
	assert.Equal(t, state.PhaseIdle, env.store.Get().Phase)
}

func TestTriggerDuringRunCoalesces(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	env := newTestEnv(t)

	require.NoError(t, env.store.AcquireLease())
	defer env.store.ReleaseLease()

	// a run while the lease is held is a no-op, not an error
	require.NoError(t, env.pipeline.Run(context.Background(), false))
	assert.Equal(t, 0, env.backend.builds)
}
