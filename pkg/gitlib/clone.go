package gitlib

import (
	"fmt"
	"os"

	git2go "github.com/libgit2/git2go/v34"
)

// originRemote is the remote name fetched by FetchAll, matching the
// convention every repo cloned by CloneBare already carries.
const originRemote = "origin"

// CloneBare clones url into path as a bare mirror, used when the
// orchestrator is configured to auto-clone a repo it has not seen before.
// The clone fetches all branches as remote-tracking refs under
// refs/remotes/origin, mirroring what FetchAll later refreshes.
func CloneBare(url, path string) (*Repository, error) {
	opts := &git2go.CloneOptions{
		Bare: true,
		FetchOptions: git2go.FetchOptions{
			DownloadTags: git2go.DownloadTagsAll,
		},
	}

	repo, err := git2go.Clone(url, path, opts)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// RepoExists reports whether a repository is already present at path.
func RepoExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// FetchAll fetches every branch (refs/heads/*) from the origin remote into
// its remote-tracking namespace, used when the orchestrator is configured to
// auto-update a repo before scanning it.
func (r *Repository) FetchAll() error {
	remote, err := r.repo.Remotes.Lookup(originRemote)
	if err != nil {
		return fmt.Errorf("lookup remote %s: %w", originRemote, err)
	}
	defer remote.Free()

	refspecs := []string{"+refs/heads/*:refs/remotes/origin/*"}

	if err := remote.Fetch(refspecs, nil, ""); err != nil {
		return fmt.Errorf("fetch %s: %w", originRemote, err)
	}

	return nil
}
