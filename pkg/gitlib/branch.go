package gitlib

import (
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrBranchNotFound is returned when a named branch does not exist locally or remotely.
var ErrBranchNotFound = errors.New("branch not found")

// Branch describes a local or remote-tracking branch reference.
type Branch struct {
	Name   string
	Remote bool
	Hash   Hash
}

// Branches lists local and remote-tracking branches. Remote branch names are
// returned without the remote prefix stripped, matching `git branch -a`.
func (r *Repository) Branches() ([]Branch, error) {
	iter, err := r.repo.NewBranchIterator(git2go.BranchAll)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Free()

	var branches []Branch

	iterErr := iter.ForEach(func(b *git2go.Branch, branchType git2go.BranchType) error {
		name, nameErr := b.Name()
		if nameErr != nil {
			return nil
		}

		target := b.Target()
		if target == nil {
			return nil
		}

		branches = append(branches, Branch{
			Name:   name,
			Remote: branchType == git2go.BranchRemote,
			Hash:   HashFromOid(target),
		})

		return nil
	})
	if iterErr != nil {
		return nil, fmt.Errorf("iterate branches: %w", iterErr)
	}

	return branches, nil
}

// ResolveBranch looks up a branch by name, preferring a local branch and
// falling back to the equivalent remote-tracking branch (origin/<name>).
func (r *Repository) ResolveBranch(name string) (Hash, error) {
	if branch, err := r.repo.LookupBranch(name, git2go.BranchLocal); err == nil {
		defer branch.Free()

		if target := branch.Target(); target != nil {
			return HashFromOid(target), nil
		}
	}

	if branch, err := r.repo.LookupBranch("origin/"+name, git2go.BranchRemote); err == nil {
		defer branch.Free()

		if target := branch.Target(); target != nil {
			return HashFromOid(target), nil
		}
	}

	return Hash{}, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
}
