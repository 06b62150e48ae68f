package orchestrator_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/require"

	"github.com/aosc-dev/abbsmeta/internal/config"
	"github.com/aosc-dev/abbsmeta/internal/orchestrator"
	"github.com/aosc-dev/abbsmeta/internal/store/commitdb"
	"github.com/aosc-dev/abbsmeta/internal/store/metadb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// fixture is a throwaway abbs-layout repository with a branch literally
// named "stable", matching every tree the orchestrator is configured with.
type fixture struct {
	dir  string
	repo *git2go.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &fixture{dir: dir, repo: repo}
}

func (f *fixture) writeFiles(t *testing.T, files map[string]string) {
	t.Helper()

	for name, content := range files {
		full := filepath.Join(f.dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func (f *fixture) commit(t *testing.T, message string) git2go.Oid {
	t.Helper()

	index, err := f.repo.Index()
	require.NoError(t, err)
	defer index.Free()

	require.NoError(t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(t, index.Write())

	treeOid, err := index.WriteTree()
	require.NoError(t, err)

	tree, err := f.repo.LookupTree(treeOid)
	require.NoError(t, err)
	defer tree.Free()

	sig := &git2go.Signature{Name: "Test User", Email: "test@example.com", When: time.Unix(1700000000, 0)}

	var parents []*git2go.Commit

	if head, err := f.repo.Head(); err == nil {
		defer head.Free()

		parentCommit, err := f.repo.LookupCommit(head.Target())
		require.NoError(t, err)

		defer parentCommit.Free()

		parents = append(parents, parentCommit)
	}

	oid, err := f.repo.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	require.NoError(t, err)

	return *oid
}

func (f *fixture) ensureStableBranch(t *testing.T) {
	t.Helper()

	head, err := f.repo.Head()
	require.NoError(t, err)
	defer head.Free()

	headCommit, err := f.repo.LookupCommit(head.Target())
	require.NoError(t, err)
	defer headCommit.Free()

	if existing, err := f.repo.LookupBranch("stable", git2go.BranchLocal); err == nil {
		defer existing.Free()

		_, err := existing.SetTarget(*head.Target(), "move stable")
		require.NoError(t, err)
	} else {
		branch, err := f.repo.CreateBranch("stable", headCommit, true)
		require.NoError(t, err)

		defer branch.Free()
	}

	require.NoError(t, f.repo.SetHead("refs/heads/stable"))
}

func jadeFiles(version string) map[string]string {
	return map[string]string{
		"extra-doc/jade/spec":              "VER=" + version + "\n",
		"extra-doc/jade/autobuild/defines": "PKGNAME=jade\nPKGSEC=doc\n",
	}
}

func TestRunnerRunFirstScanDefersMetadata(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeFiles(t, jadeFiles("1.0"))
	fx.commit(t, "add jade")
	fx.ensureStableBranch(t)

	ctx := context.Background()

	commitsDB, err := commitdb.Open(ctx, filepath.Join(t.TempDir(), "commits.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { commitsDB.Close() })

	metaDB, err := metadb.Open(ctx, filepath.Join(t.TempDir(), "abbs.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { metaDB.Close() })

	runner := orchestrator.NewRunner(commitsDB, metaDB, nil, discardLogger())

	repos := []config.RepoConfig{
		{RepoPath: fx.dir, Branch: "stable", Priority: 1, Category: "system", Name: "aosc-os-abbs"},
	}

	require.NoError(t, runner.Run(ctx, config.GlobalConfig{}, repos))

	changes, err := commitsDB.GetPackageChanges(ctx, "jade")
	require.NoError(t, err)
	require.Len(t, changes, 1)
}

func TestRunnerRunSecondScanPopulatesMetadata(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.writeFiles(t, jadeFiles("1.0"))
	fx.commit(t, "add jade")
	fx.ensureStableBranch(t)

	ctx := context.Background()

	commitsDB, err := commitdb.Open(ctx, filepath.Join(t.TempDir(), "commits.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { commitsDB.Close() })

	metaDB, err := metadb.Open(ctx, filepath.Join(t.TempDir(), "abbs.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { metaDB.Close() })

	runner := orchestrator.NewRunner(commitsDB, metaDB, nil, discardLogger())

	repos := []config.RepoConfig{
		{RepoPath: fx.dir, Branch: "stable", Priority: 1, Category: "system", Name: "aosc-os-abbs"},
	}

	require.NoError(t, runner.Run(ctx, config.GlobalConfig{}, repos))

	fx.writeFiles(t, jadeFiles("1.1"))
	fx.commit(t, "bump jade")
	fx.ensureStableBranch(t)

	require.NoError(t, runner.Run(ctx, config.GlobalConfig{}, repos))
}
