package gitlib_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/require"

	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// testRepo is a throwaway on-disk repository used by package tests that need
// a real libgit2 backing store rather than a mock.
type testRepo struct {
	t       *testing.T
	path    string
	native  *git2go.Repository
	cleanup func()
}

// newTestRepo initializes a fresh non-bare repository in a temp directory.
func newTestRepo(t *testing.T) *testRepo {
	t.Helper()

	dir := t.TempDir()

	native, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	return &testRepo{
		t:      t,
		path:   dir,
		native: native,
		cleanup: func() {
			native.Free()
		},
	}
}

// createFile writes content to a path relative to the repo root, creating
// parent directories as needed.
func (tr *testRepo) createFile(name, content string) {
	tr.t.Helper()

	full := filepath.Join(tr.path, name)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(tr.t, os.WriteFile(full, []byte(content), 0o644))
}

// deleteFile removes a path relative to the repo root.
func (tr *testRepo) deleteFile(name string) {
	tr.t.Helper()

	require.NoError(tr.t, os.Remove(filepath.Join(tr.path, name)))
}

// commit stages everything in the working tree and creates a commit on HEAD,
// returning its hash.
func (tr *testRepo) commit(message string) gitlib.Hash {
	tr.t.Helper()

	index, err := tr.native.Index()
	require.NoError(tr.t, err)
	defer index.Free()

	require.NoError(tr.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(tr.t, index.Write())

	treeOid, err := index.WriteTree()
	require.NoError(tr.t, err)

	tree, err := tr.native.LookupTree(treeOid)
	require.NoError(tr.t, err)
	defer tree.Free()

	sig := &git2go.Signature{
		Name:  "Test User",
		Email: "test@example.com",
		When:  time.Now(),
	}

	var parents []*git2go.Commit

	if head, err := tr.native.Head(); err == nil {
		defer head.Free()

		parentCommit, err := tr.native.LookupCommit(head.Target())
		require.NoError(tr.t, err)

		defer parentCommit.Free()

		parents = append(parents, parentCommit)
	}

	oid, err := tr.native.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	require.NoError(tr.t, err)

	return gitlib.HashFromOid(oid)
}

func TestOpenRepository(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	defer tr.cleanup()

	tr.createFile("README", "hello")
	tr.commit("initial")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()
}

func TestOpenRepositoryNotFound(t *testing.T) {
	t.Parallel()

	_, err := gitlib.OpenRepository(t.TempDir())
	require.Error(t, err)
}
