// Package classify maps a changed file path in an abbs tree to the set of
// "defines" files describing the packages a change to that path affects.
package classify

import (
	"fmt"
	"path"

	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// FileStatus is the three-valued classification of a changed path used by
// the commit-walk stage. Unsupported paths never reach the classifier.
type FileStatus int

const (
	// Added means the path did not exist in the parent tree.
	Added FileStatus = iota
	// Deleted means the path no longer exists in the tree.
	Deleted
	// Modified means the path exists in both trees with different content.
	Modified
	// Unsupported covers delta kinds the pipeline does not index (renames
	// handled as modify, type changes, unmerged paths).
	Unsupported
)

// String renders the status for logging.
func (s FileStatus) String() string {
	switch s {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	default:
		return "unsupported"
	}
}

// StatusFromChange maps a gitlib.ChangeAction to a FileStatus.
func StatusFromChange(action gitlib.ChangeAction) FileStatus {
	switch action {
	case gitlib.Insert:
		return Added
	case gitlib.Delete:
		return Deleted
	case gitlib.Modify:
		return Modified
	default:
		return Unsupported
	}
}

const definesBasename = "defines"
const specBasename = "spec"

// Classify answers which `defines` paths are affected by a change to p,
// inspecting tree (the commit's tree for Added/Modified, the parent
// commit's tree for Deleted). Returns nil, nil when no rule matches the
// path — callers should skip the path in that case.
func Classify(repo *gitlib.Repository, tree *gitlib.Tree, p string) ([]string, error) {
	switch path.Base(p) {
	case definesBasename:
		return []string{p}, nil
	case specBasename:
		return definesUnder(repo, tree, path.Dir(p))
	default:
		return ascendForDefines(tree, p)
	}
}

// definesUnder walks dir's subtree recursively and returns the path of every
// descendant entry named "defines". dir may be "." for the tree root.
func definesUnder(repo *gitlib.Repository, tree *gitlib.Tree, dir string) ([]string, error) {
	var found []string

	if dir == "." || dir == "" {
		if err := walkDefines(repo, tree, "", &found); err != nil {
			return nil, fmt.Errorf("walk root for defines files: %w", err)
		}

		return found, nil
	}

	entry, err := tree.EntryByPath(dir)
	if err != nil {
		return nil, nil // missing directory: no affected packages, not a failure
	}

	subtree, err := repo.LookupTree(entry.Hash())
	if err != nil {
		return nil, nil // unreadable directory: nothing to report
	}
	defer subtree.Free()

	if err := walkDefines(repo, subtree, dir, &found); err != nil {
		return nil, fmt.Errorf("walk %s for defines files: %w", dir, err)
	}

	return found, nil
}

func walkDefines(repo *gitlib.Repository, tree *gitlib.Tree, prefix string, found *[]string) error {
	count := tree.EntryCount()

	for i := range count {
		entry := tree.EntryByIndex(i)
		if entry == nil {
			continue
		}

		entryPath := joinPath(prefix, entry.Name())

		if entry.IsBlob() {
			if entry.Name() == definesBasename {
				*found = append(*found, entryPath)
			}

			continue
		}

		subtree, err := repo.LookupTree(entry.Hash())
		if err != nil {
			continue // unreadable subtree: skip rather than fail the whole walk
		}

		err = walkDefines(repo, subtree, entryPath, found)
		subtree.Free()

		if err != nil {
			return err
		}
	}

	return nil
}

// ascendForDefines climbs p's ancestor directories looking for the first one
// that directly contains a "defines" file.
func ascendForDefines(tree *gitlib.Tree, p string) ([]string, error) {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		candidate := joinPath(dir, definesBasename)

		if _, err := tree.EntryByPath(candidate); err == nil {
			return []string{candidate}, nil
		}

		if dir == "." || dir == "/" {
			return nil, nil
		}
	}
}

func joinPath(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}

	return dir + "/" + name
}
