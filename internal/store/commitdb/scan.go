package commitdb

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/aosc-dev/abbsmeta/internal/classify"
	"github.com/aosc-dev/abbsmeta/internal/parser"
	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// maxParents bounds the parent arity add_commits will diff; anything wider
// is an unsupported octopus merge and the commit is skipped.
const maxParents = 2

// maxMainbranchWalk caps how far update_testing_branch's mainbranch ordinal
// map reaches back, per the spec's "up to 1000 commits" rule.
const maxMainbranchWalk = 1000

// ScanCommits walks commitIDs in a bounded worker pool, each worker holding
// its own *gitlib.Repository reopened from snapshot, classifying and parsing the
// packages each commit's delta touches. The returned rows are not yet
// deduplicated or written — callers pass them to AddCommits.
func ScanCommits(ctx context.Context, snapshot gitlib.SyncRepo, tree, branch string, commitIDs []gitlib.Hash) ([]CommitRow, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}

	workers := runtime.NumCPU()
	if workers > len(commitIDs) {
		workers = len(commitIDs)
	}

	jobs := make(chan gitlib.Hash)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allRows []CommitRow
		firstErr error
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			repo, err := snapshot.Reopen()
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()

				return
			}
			defer repo.Free()

			for hash := range jobs {
				rows, err := scanOneCommit(ctx, repo, tree, branch, hash)
				if err != nil {
					continue // per-commit best-effort: the commit is skipped and its error is not logged
				}

				mu.Lock()
				allRows = append(allRows, rows...)
				mu.Unlock()
			}
		}()
	}

	for _, h := range commitIDs {
		jobs <- h
	}

	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	return allRows, nil
}

// scanOneCommit implements the per-commit scan step of add_commits: select
// the diff base against the commit's parent, classify each delta path, and
// run PackageParser at the appropriate side of the diff.
func scanOneCommit(ctx context.Context, repo *gitlib.Repository, tree, branch string, hash gitlib.Hash) ([]CommitRow, error) {
	commit, err := repo.LookupCommit(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", hash, err)
	}
	defer commit.Free()

	if commit.NumParents() > maxParents {
		return nil, nil // unsupported octopus merge: skipped without logging
	}

	commitTree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", hash, err)
	}
	defer commitTree.Free()

	var parentTree *gitlib.Tree

	if commit.NumParents() >= 1 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("parent of %s: %w", hash, err)
		}
		defer parent.Free()

		parentTree, err = parent.Tree()
		if err != nil {
			return nil, fmt.Errorf("parent tree of %s: %w", hash, err)
		}
		defer parentTree.Free()
	}

	diff, err := gitlib.TreeDiff(repo, parentTree, commitTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", hash, err)
	}

	commitTime := commit.Committer().When

	var rows []CommitRow

	for _, delta := range diff {
		status := classify.StatusFromChange(delta.Action)

		p, baseTree := deltaTarget(delta, status, commitTree, parentTree)
		if p == "" || baseTree == nil {
			continue
		}

		definesPaths, err := classify.Classify(repo, baseTree, p)
		if err != nil || len(definesPaths) == 0 {
			continue
		}

		for _, definesPath := range definesPaths {
			specPath := path.Dir(path.Dir(definesPath)) + "/spec"

			result, err := parser.Parse(repo, baseTree, specPath, definesPath)
			if err != nil || result == nil || result.Package == nil {
				continue
			}

			rows = append(rows, CommitRow{
				PkgName:     result.Package.Name,
				PkgVersion:  result.Package.Version,
				Tree:        tree,
				Branch:      branch,
				CommitID:    hash.String(),
				CommitTime:  commitTime,
				SpecPath:    specPath,
				DefinesPath: definesPath,
				Status:      status,
			})
		}
	}

	return rows, nil
}

// deltaTarget picks the changed path and the tree it should be classified
// against: the commit's own tree for Added/Modified, the parent's tree for
// Deleted (the file only exists on that side).
func deltaTarget(delta *gitlib.Change, status classify.FileStatus, commitTree, parentTree *gitlib.Tree) (string, *gitlib.Tree) {
	switch status {
	case classify.Deleted:
		return delta.From.Name, parentTree
	case classify.Added:
		return delta.To.Name, commitTree
	case classify.Modified:
		if delta.To.Name != "" {
			return delta.To.Name, commitTree
		}

		return delta.From.Name, commitTree
	default:
		return "", nil
	}
}

// UpdateBranch reads the latest history tip for (tree, branch), resolves
// branch to its current tip, scans every commit in (from, to], writes the
// resulting rows, and appends a new history tip.
func (db *DB) UpdateBranch(ctx context.Context, repo *gitlib.Repository, snapshot gitlib.SyncRepo, tree, branch string) error {
	to, err := repo.ResolveBranch(branch)
	if err != nil {
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	from, found, err := db.LatestHistory(ctx, tree, branch)
	if err != nil {
		return err
	}

	commits, err := walkRange(repo, to, from, found)
	if err != nil {
		return fmt.Errorf("walk %s: %w", branch, err)
	}

	rows, err := ScanCommits(ctx, snapshot, tree, branch, commits)
	if err != nil {
		return fmt.Errorf("scan commits for %s: %w", branch, err)
	}

	if err := db.AddCommits(ctx, rows); err != nil {
		return err
	}

	return db.AppendHistory(ctx, tree, branch, to.String(), time.Now())
}

// walkRange returns the commits reachable from to but not from fromHex (or
// all commits reachable from to, if fromHex is absent), newest-first.
func walkRange(repo *gitlib.Repository, to gitlib.Hash, fromHex string, fromPresent bool) ([]gitlib.Hash, error) {
	walk, err := repo.Walk()
	if err != nil {
		return nil, err
	}
	defer walk.Free()

	if err := walk.Push(to); err != nil {
		return nil, err
	}

	if fromPresent {
		fromHash, hashErr := hashFromHex(fromHex)
		if hashErr == nil {
			if err := walk.Hide(fromHash); err != nil {
				return nil, err
			}
		}
	}

	var hashes []gitlib.Hash

	for {
		h, err := walk.Next()
		if err != nil {
			break
		}

		hashes = append(hashes, h)
	}

	return hashes, nil
}

func hashFromHex(hex string) (gitlib.Hash, error) {
	if len(hex) != gitlib.HashHexSize {
		return gitlib.Hash{}, fmt.Errorf("invalid commit id %q", hex)
	}

	return gitlib.NewHash(hex), nil
}

// excludedTestingBranch reports whether a branch name is excluded from the
// testing-branch scan, per update_package_testing's fixed and user-supplied
// exclude rules.
func excludedTestingBranch(name string, userExclude map[string]struct{}) bool {
	switch {
	case name == "stable", name == "origin/HEAD", name == "origin/stable":
		return true
	case strings.HasPrefix(name, "retro"), strings.HasPrefix(name, "origin/retro"):
		return true
	}

	_, excluded := userExclude[name]

	return excluded
}

// UpdatePackageTesting scans every non-excluded testing branch for commits
// ahead of history and not already reachable from stable, writing rows and
// appending history for each. The returned map holds only branches that
// produced at least one row.
func (db *DB) UpdatePackageTesting(ctx context.Context, repo *gitlib.Repository, snapshot gitlib.SyncRepo, tree string, exclude []string) (map[string][]CommitRow, error) {
	userExclude := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		userExclude[e] = struct{}{}
	}

	branches, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	stableSet, err := reachableSet(repo, "stable")
	if err != nil {
		stableSet = map[string]struct{}{} // no stable branch yet: nothing to subtract
	}

	result := make(map[string][]CommitRow)

	for _, b := range branches {
		if excludedTestingBranch(b.Name, userExclude) {
			continue
		}

		from, found, err := db.LatestHistory(ctx, tree, b.Name)
		if err != nil {
			return nil, err
		}

		testingCommits, err := walkRange(repo, b.Hash, from, found)
		if err != nil {
			continue // per-branch best-effort: unreadable branch tip
		}

		ahead := make([]gitlib.Hash, 0, len(testingCommits))

		for _, h := range testingCommits {
			if _, inStable := stableSet[h.String()]; !inStable {
				ahead = append(ahead, h)
			}
		}

		if len(ahead) == 0 {
			continue
		}

		rows, err := ScanCommits(ctx, snapshot, tree, b.Name, ahead)
		if err != nil {
			return nil, fmt.Errorf("scan testing branch %s: %w", b.Name, err)
		}

		if err := db.AddCommits(ctx, rows); err != nil {
			return nil, err
		}

		if err := db.AppendHistory(ctx, tree, b.Name, b.Hash.String(), time.Now()); err != nil {
			return nil, err
		}

		if len(rows) > 0 {
			result[b.Name] = rows
		}
	}

	return result, nil
}

// reachableSet walks every commit reachable from the named branch's tip into
// a set of hex commit ids, used to subtract stable's history from a testing
// branch's ahead-set.
func reachableSet(repo *gitlib.Repository, branchName string) (map[string]struct{}, error) {
	tip, err := repo.ResolveBranch(branchName)
	if err != nil {
		return nil, err
	}

	walk, err := repo.Walk()
	if err != nil {
		return nil, err
	}
	defer walk.Free()

	if err := walk.Push(tip); err != nil {
		return nil, err
	}

	set := map[string]struct{}{}

	for {
		h, err := walk.Next()
		if err != nil {
			break
		}

		set[h.String()] = struct{}{}
	}

	return set, nil
}

// MainbranchOrder walks up to maxMainbranchWalk commits from the mainbranch
// tip into a commit→ordinal map, newest commit at ordinal 0, for
// update_testing_branch's divergence calculation.
func MainbranchOrder(repo *gitlib.Repository, mainBranch string) (map[string]int, error) {
	tip, err := repo.ResolveBranch(mainBranch)
	if err != nil {
		return nil, fmt.Errorf("resolve mainbranch %s: %w", mainBranch, err)
	}

	return orderFrom(repo, tip, maxMainbranchWalk)
}

// TestingOrder walks a testing branch tip's full history into a
// commit→ordinal map, newest at 0.
func TestingOrder(repo *gitlib.Repository, tip gitlib.Hash) (map[string]int, error) {
	return orderFrom(repo, tip, -1)
}

func orderFrom(repo *gitlib.Repository, tip gitlib.Hash, limit int) (map[string]int, error) {
	walk, err := repo.Walk()
	if err != nil {
		return nil, err
	}
	defer walk.Free()

	if err := walk.Push(tip); err != nil {
		return nil, err
	}

	// DivergencePoint trusts these ordinals to reflect ancestry depth from
	// tip, not commit timestamps, so the walk must be topological.
	walk.SortTopological()

	order := map[string]int{}

	for i := 0; limit < 0 || i < limit; i++ {
		h, err := walk.Next()
		if err != nil {
			break
		}

		order[h.String()] = i
	}

	return order, nil
}

// DivergencePoint returns the highest ordinal shared by mainOrder and
// testingOrder, or -1 if the two maps share no commit at all — the
// orchestrator uses -1 to mark a testing branch "outdated" before calling
// metadb.ApplyTestingBranch.
func DivergencePoint(mainOrder, testingOrder map[string]int) int {
	last := -1

	for commit, mo := range mainOrder {
		to, ok := testingOrder[commit]
		if !ok {
			continue
		}

		candidate := mo
		if to > candidate {
			candidate = to
		}

		if candidate > last {
			last = candidate
		}
	}

	return last
}

// UpdatedPackage is one (spec, defines) pair classified out of a tree-to-tree
// diff, already parsed at the appropriate side.
type UpdatedPackage struct {
	Result      *parser.Result
	SpecPath    string
	DefinesPath string
	Status      classify.FileStatus
}

// GetUpdatedPackages fetches the two most recent history tips for
// (tree, branch), diffs their trees, classifies every delta path, and
// reparses each affected package: deleted packages at the older tip,
// added/modified packages at the newer tip.
func (db *DB) GetUpdatedPackages(ctx context.Context, repo *gitlib.Repository, tree, branch string) (deleted, updated []UpdatedPackage, err error) {
	toHex, fromHex, found, err := db.TwoLatestHistories(ctx, tree, branch)
	if err != nil {
		return nil, nil, err
	}

	if !found {
		return nil, nil, ErrNoHistory
	}

	to, err := hashFromHex(toHex)
	if err != nil {
		return nil, nil, err
	}

	from, err := hashFromHex(fromHex)
	if err != nil {
		return nil, nil, err
	}

	toCommit, err := repo.LookupCommit(ctx, to)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup history tip %s: %w", toHex, err)
	}
	defer toCommit.Free()

	fromCommit, err := repo.LookupCommit(ctx, from)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup history tip %s: %w", fromHex, err)
	}
	defer fromCommit.Free()

	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, nil, err
	}
	defer toTree.Free()

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, nil, err
	}
	defer fromTree.Free()

	diff, err := gitlib.TreeDiff(repo, fromTree, toTree)
	if err != nil {
		return nil, nil, fmt.Errorf("diff history tips: %w", err)
	}

	for _, delta := range diff {
		status := classify.StatusFromChange(delta.Action)

		p, baseTree := deltaTarget(delta, status, toTree, fromTree)
		if p == "" || baseTree == nil {
			continue
		}

		definesPaths, err := classify.Classify(repo, baseTree, p)
		if err != nil || len(definesPaths) == 0 {
			continue
		}

		for _, definesPath := range definesPaths {
			specPath := path.Dir(path.Dir(definesPath)) + "/spec"

			var result *parser.Result

			if status == classify.Deleted {
				result, err = parser.Parse(repo, fromTree, specPath, definesPath)
			} else {
				result, err = parser.Parse(repo, toTree, specPath, definesPath)
			}

			if err != nil || result == nil {
				continue
			}

			up := UpdatedPackage{Result: result, SpecPath: specPath, DefinesPath: definesPath, Status: status}

			if status == classify.Deleted {
				deleted = append(deleted, up)
			} else {
				updated = append(updated, up)
			}
		}
	}

	return deleted, updated, nil
}
