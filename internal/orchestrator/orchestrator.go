// Package orchestrator drives the three-stage pipeline — commit-walk,
// package-parse, database-synthesis — across every configured repo: it
// optionally clones or fetches, updates the commit index and the testing
// view, diffs the two most recent history tips, and reconciles the
// metadata store with whatever changed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aosc-dev/abbsmeta/internal/config"
	"github.com/aosc-dev/abbsmeta/internal/observability"
	"github.com/aosc-dev/abbsmeta/internal/store/commitdb"
	"github.com/aosc-dev/abbsmeta/internal/store/metadb"
	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// testingExclude lists branches excludedTestingBranch's fixed rules don't
// already cover but this deployment never wants in the testing view.
var testingExclude []string

// tracer spans one run_repo call per configured tree. No SDK tracer
// provider is installed by this package, so every span is a noop until the
// process sets a global one — otel's own documented default behavior.
var tracer = otel.Tracer("github.com/aosc-dev/abbsmeta/internal/orchestrator")

// Runner holds the two database handles and observability hooks shared
// across every configured repo in one invocation.
type Runner struct {
	Commits *commitdb.DB
	Meta    *metadb.DB
	Metrics *observability.PipelineMetrics
	Log     *slog.Logger
}

// NewRunner builds a Runner from already-opened stores.
func NewRunner(commits *commitdb.DB, meta *metadb.DB, metrics *observability.PipelineMetrics, log *slog.Logger) *Runner {
	return &Runner{Commits: commits, Meta: meta, Metrics: metrics, Log: log}
}

// Run drives every configured repo in turn, logging and continuing past a
// single repo's fatal error so the rest of the batch still makes progress.
func (r *Runner) Run(ctx context.Context, global config.GlobalConfig, repos []config.RepoConfig) error {
	var lastErr error

	for _, repo := range repos {
		if err := r.runRepo(ctx, global, repo); err != nil {
			r.Log.Error("repo run failed", slog.String("tree", repo.Name), slog.Any("err", err))

			lastErr = err

			continue
		}
	}

	return lastErr
}

func (r *Runner) runRepo(ctx context.Context, global config.GlobalConfig, rc config.RepoConfig) (err error) {
	ctx, span := tracer.Start(ctx, "run_repo", trace.WithAttributes(attribute.String("tree", rc.Name)))

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	start := time.Now()

	if global.AutoCloneRepo && !gitlib.RepoExists(rc.RepoPath) {
		cloned, err := gitlib.CloneBare(rc.URL, rc.RepoPath)
		if err != nil {
			return fmt.Errorf("clone %s: %w", rc.Name, err)
		}

		cloned.Free()
	}

	repoHandle, err := gitlib.OpenRepository(rc.RepoPath)
	if err != nil {
		return fmt.Errorf("open repo %s: %w", rc.Name, err)
	}
	defer repoHandle.Free()

	if global.AutoUpdateRepo {
		if err := repoHandle.FetchAll(); err != nil {
			return fmt.Errorf("fetch %s: %w", rc.Name, err)
		}
	}

	if err := r.Meta.UpsertTree(ctx, metadb.Tree{
		ID:         rc.Priority,
		Name:       rc.Name,
		Category:   rc.Category,
		URL:        rc.URL,
		MainBranch: rc.Branch,
	}, rc.Branch, &rc.Priority); err != nil {
		return fmt.Errorf("upsert tree %s: %w", rc.Name, err)
	}

	snapshot := gitlib.SyncRepo{RepoPath: rc.RepoPath, Branch: rc.Branch}

	if err := r.updateTestingBranch(ctx, repoHandle, snapshot, rc); err != nil {
		return fmt.Errorf("update testing branch for %s: %w", rc.Name, err)
	}

	if err := r.Commits.UpdateBranch(ctx, repoHandle, snapshot, rc.Name, rc.Branch); err != nil {
		return fmt.Errorf("update branch %s/%s: %w", rc.Name, rc.Branch, err)
	}

	r.Metrics.RecordStageDuration(ctx, rc.Name, "commit_walk", time.Since(start))

	parseStart := time.Now()

	deleted, updated, err := r.Commits.GetUpdatedPackages(ctx, repoHandle, rc.Name, rc.Branch)
	if errors.Is(err, commitdb.ErrNoHistory) {
		// First ever scan of this tree: update_branch just wrote the only
		// history tip, so there is no (from, to] pair to diff yet. The
		// metadata store populates on the tree's next scheduled run.
		r.Log.Info("no prior history, metadata deferred to next run", slog.String("tree", rc.Name))

		return nil
	}

	if err != nil {
		return fmt.Errorf("get updated packages for %s: %w", rc.Name, err)
	}

	for _, d := range deleted {
		if d.Result.Package == nil {
			continue // builder failed on the pre-deletion tree: nothing to key the delete on
		}

		if err := r.Meta.DeletePackage(ctx, d.Result.Package.Name, rc.Name, rc.Branch); err != nil {
			r.Log.Error("delete package failed",
				slog.String("tree", rc.Name), slog.String("package", d.Result.Package.Name), slog.Any("err", err))
		}
	}

	total := len(updated)
	written := int64(0)

	for i, u := range updated {
		if u.Result.Package == nil {
			continue // per-package recoverable: builder failed, nothing to sync
		}

		r.Log.Info(fmt.Sprintf("%d/%d %s", i+1, total, u.Result.Package.Name))

		if err := r.syncPackage(ctx, repoHandle, rc, u); err != nil {
			r.Log.Error("sync package failed",
				slog.String("tree", rc.Name), slog.String("package", u.Result.Package.Name), slog.Any("err", err))
			r.Metrics.RecordParseOutcome(ctx, rc.Name, false, "sync")

			continue
		}

		r.Metrics.RecordParseOutcome(ctx, rc.Name, true, "")

		written++
	}

	r.Metrics.RecordStageDuration(ctx, rc.Name, "database_synthesis", time.Since(parseStart))
	r.Metrics.RecordPackagesWritten(ctx, rc.Name, written)

	r.Log.Info(fmt.Sprintf("%s: %s packages written in %s", rc.Name,
		humanize.Comma(written), time.Since(start).Round(time.Millisecond)))

	liveBranches, err := repoHandle.Branches()
	if err == nil {
		names := make([]string, 0, len(liveBranches))
		for _, b := range liveBranches {
			names = append(names, b.Name)
		}

		if err := r.Meta.PruneTestingBranches(ctx, rc.Name, names); err != nil {
			r.Log.Error("prune testing branches failed", slog.String("tree", rc.Name), slog.Any("err", err))
		}
	}

	return nil
}

func (r *Runner) syncPackage(ctx context.Context, repo *gitlib.Repository, rc config.RepoConfig, u commitdb.UpdatedPackage) error {
	pkgName := u.Result.Package.Name

	commits, err := r.Commits.GetPackageChanges(ctx, pkgName)
	if err != nil {
		return fmt.Errorf("get package changes for %s: %w", pkgName, err)
	}

	hydrated, err := commitdb.Hydrate(ctx, repo, commits)
	if err != nil {
		return fmt.Errorf("hydrate changes for %s: %w", pkgName, err)
	}

	changes := make([]metadb.Change, 0, len(hydrated))

	for _, h := range hydrated {
		changes = append(changes, metadb.Change{
			GitHash:         h.GitHash,
			Version:         h.Version,
			Branch:          h.Branch,
			Urgency:         h.Urgency,
			Message:         h.Message,
			MaintainerName:  h.MaintainerName,
			MaintainerEmail: h.MaintainerEmail,
			Timestamp:       time.Unix(h.Timestamp, 0).UTC(),
			Tree:            h.Tree,
		})
	}

	meta := metadb.Meta{
		Package: u.Result.Package,
		Context: u.Result.Context,
		Errors:  u.Result.Errors,
	}

	if err := r.Meta.AddPackage(ctx, rc.Name, meta, changes); err != nil {
		return fmt.Errorf("add package %s: %w", pkgName, err)
	}

	return nil
}

// updateTestingBranch implements update_testing_branch: scan every
// non-excluded branch for commits ahead of stable, build ordinal maps for
// the mainbranch and each testing branch, and reconcile PackageTesting
// through the divergence-point algorithm.
func (r *Runner) updateTestingBranch(ctx context.Context, repo *gitlib.Repository, snapshot gitlib.SyncRepo, rc config.RepoConfig) error {
	perBranch, err := r.Commits.UpdatePackageTesting(ctx, repo, snapshot, rc.Name, testingExclude)
	if err != nil {
		return fmt.Errorf("update package testing: %w", err)
	}

	mainOrder, err := commitdb.MainbranchOrder(repo, rc.Branch)
	if err != nil {
		return fmt.Errorf("mainbranch order: %w", err)
	}

	for branch, rows := range perBranch {
		tip, resolveErr := repo.ResolveBranch(branch)
		if resolveErr != nil {
			continue // branch disappeared between the scan and here: best-effort skip
		}

		testingOrder, orderErr := commitdb.TestingOrder(repo, tip)
		if orderErr != nil {
			continue
		}

		outdated := commitdb.DivergencePoint(mainOrder, testingOrder) == -1

		candidates := make([]metadb.TestingCandidate, 0, len(rows))

		for _, row := range rows {
			candidates = append(candidates, metadb.TestingCandidate{
				PkgName:     row.PkgName,
				Version:     row.PkgVersion,
				SpecPath:    row.SpecPath,
				DefinesPath: row.DefinesPath,
				Commit:      row.CommitID,
			})
		}

		if err := r.Meta.ApplyTestingBranch(ctx, rc.Name, branch, candidates, mainOrder, testingOrder, outdated); err != nil {
			return fmt.Errorf("apply testing branch %s: %w", branch, err)
		}
	}

	return nil
}
