package parser_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosc-dev/abbsmeta/internal/parser"
	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

func fixtureRepo(t *testing.T, files map[string]string) (*gitlib.Repository, *gitlib.Tree) {
	t.Helper()

	dir := t.TempDir()

	native, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(native.Free)

	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	index, err := native.Index()
	require.NoError(t, err)
	defer index.Free()

	require.NoError(t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(t, index.Write())

	treeOid, err := index.WriteTree()
	require.NoError(t, err)

	nativeTree, err := native.LookupTree(treeOid)
	require.NoError(t, err)
	defer nativeTree.Free()

	sig := &git2go.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()}
	_, err = native.CreateCommit("HEAD", sig, sig, "initial", nativeTree)
	require.NoError(t, err)

	repo, err := gitlib.OpenRepository(dir)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	head, err := repo.Head()
	require.NoError(t, err)

	commit, err := repo.LookupCommit(context.Background(), head)
	require.NoError(t, err)

	t.Cleanup(commit.Free)

	tree, err := commit.Tree()
	require.NoError(t, err)

	t.Cleanup(tree.Free)

	return repo, tree
}

func TestParseProducesPackage(t *testing.T) {
	t.Parallel()

	repo, tree := fixtureRepo(t, map[string]string{
		"extra-doc/jade/spec":             "VER=1.2\nREL=1\n",
		"extra-doc/jade/autobuild/defines": "PKGNAME=jade\nPKGDES=\"a jade doc\"\n",
	})

	result, err := parser.Parse(repo, tree, "extra-doc/jade/spec", "extra-doc/jade/autobuild/defines")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Empty(t, result.Errors)
	require.NotNil(t, result.Package)

	assert.Equal(t, "jade", result.Package.Name)
	assert.Equal(t, "1.2", result.Package.Version)
	assert.Equal(t, "1", result.Package.Release)
	assert.Nil(t, result.Package.Dependencies)
}

func TestParseMissingSpecIsDropped(t *testing.T) {
	t.Parallel()

	repo, tree := fixtureRepo(t, map[string]string{
		"extra-doc/jade/autobuild/defines": "PKGNAME=jade\n",
	})

	result, err := parser.Parse(repo, tree, "extra-doc/jade/spec", "extra-doc/jade/autobuild/defines")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestParseBuilderFailureProducesPackageError(t *testing.T) {
	t.Parallel()

	repo, tree := fixtureRepo(t, map[string]string{
		"extra-doc/jade/spec":             "VER=1.2\n",
		"extra-doc/jade/autobuild/defines": "PKGDES=\"no name here\"\n",
	})

	result, err := parser.Parse(repo, tree, "extra-doc/jade/spec", "extra-doc/jade/autobuild/defines")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.Package)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, parser.ErrTypePackage, result.Errors[0].Type)
	assert.Equal(t, "extra-doc/jade", result.Errors[0].Path)
}

func TestParseSyntaxErrorIsPositioned(t *testing.T) {
	t.Parallel()

	repo, tree := fixtureRepo(t, map[string]string{
		"extra-doc/jade/spec":             "VER=1.2\n",
		"extra-doc/jade/autobuild/defines": "PKGNAME=jade\nnot valid\nPKGDES=x\n",
	})

	result, err := parser.Parse(repo, tree, "extra-doc/jade/spec", "extra-doc/jade/autobuild/defines")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Package)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, parser.ErrTypeParse, result.Errors[0].Type)
	assert.Equal(t, 2, result.Errors[0].Line)
}
