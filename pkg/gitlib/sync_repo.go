package gitlib

import "fmt"

// SyncRepo is an immutable snapshot of a repository location and the branch
// a worker goroutine should scan. Unlike *Repository, a SyncRepo carries no
// native libgit2 handle, so it is safe to copy across goroutines; each
// worker calls Reopen to get its own *Repository before touching libgit2.
type SyncRepo struct {
	RepoPath string
	Branch   string
	Tree     Hash
}

// Reopen opens a fresh *Repository for this snapshot's path. The caller owns
// the returned handle and must call Free when done.
func (s SyncRepo) Reopen() (*Repository, error) {
	repo, err := OpenRepository(s.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("reopen %s: %w", s.RepoPath, err)
	}

	return repo, nil
}
