// Package commitdb persists the commit index: which package revisions were
// touched by which commits, and a per-(tree,branch) history of scanned
// tips. It owns its own SQLite connection, opened in rwc mode.
package commitdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aosc-dev/abbsmeta/internal/classify"
)

// chunkSize bounds how many rows AddCommits hands to one upsertChunk call.
// Each chunk reuses one prepared single-row upsert statement, so every
// statement execution writes one row; rows are not batched into multi-row
// statements.
const chunkSize = 2048

// ErrNoHistory is returned by GetUpdatedPackages when fewer than two history
// tips exist yet for a (tree, branch) pair.
var ErrNoHistory = errors.New("no history recorded for tree/branch")

// CommitRow is one touched package revision at one commit.
type CommitRow struct {
	PkgName     string
	PkgVersion  string
	Tree        string
	Branch      string
	CommitID    string
	CommitTime  time.Time
	SpecPath    string
	DefinesPath string
	Status      classify.FileStatus
}

// DB wraps the commit-index SQLite connection.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
}

// Open opens (creating if necessary) the commit-index database at path and
// ensures its schema exists.
func Open(ctx context.Context, path string, log *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=rwc&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open commit db: %w", err)
	}

	db := &DB{conn: conn, log: log}

	if err := db.migrate(ctx); err != nil {
		conn.Close()

		return nil, err
	}

	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS commits (
	pkg_name     TEXT NOT NULL,
	pkg_version  TEXT NOT NULL,
	tree         TEXT NOT NULL,
	branch       TEXT NOT NULL,
	commit_id    TEXT NOT NULL,
	commit_time  INTEGER NOT NULL,
	spec_path    TEXT NOT NULL,
	defines_path TEXT NOT NULL,
	status       TEXT NOT NULL,
	PRIMARY KEY (pkg_name, pkg_version, tree, branch, commit_id)
);

CREATE INDEX IF NOT EXISTS idx_commits_tree_branch ON commits (tree, branch);
CREATE INDEX IF NOT EXISTS idx_commits_pkg_name ON commits (pkg_name);

CREATE TABLE IF NOT EXISTS histories (
	tree      TEXT NOT NULL,
	branch    TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_histories_tree_branch ON histories (tree, branch, timestamp DESC);
`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate commit db: %w", err)
	}

	return nil
}

// AddCommits writes rows, deduplicated on (pkg_name, pkg_version, commit_id),
// in chunks of up to chunkSize inside a single transaction.
func (db *DB) AddCommits(ctx context.Context, rows []CommitRow) error {
	if len(rows) == 0 {
		return nil
	}

	deduped := dedupeRows(rows)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add_commits tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-ops after commit

	for start := 0; start < len(deduped); start += chunkSize {
		end := min(start+chunkSize, len(deduped))

		if err := upsertChunk(ctx, tx, deduped[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add_commits tx: %w", err)
	}

	return nil
}

func dedupeRows(rows []CommitRow) []CommitRow {
	type key struct{ name, version, commit string }

	seen := make(map[key]struct{}, len(rows))
	out := make([]CommitRow, 0, len(rows))

	for _, r := range rows {
		k := key{r.PkgName, r.PkgVersion, r.CommitID}
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, r)
	}

	return out
}

func upsertChunk(ctx context.Context, tx *sql.Tx, rows []CommitRow) error {
	const stmt = `
INSERT INTO commits (pkg_name, pkg_version, tree, branch, commit_id, commit_time, spec_path, defines_path, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (pkg_name, pkg_version, tree, branch, commit_id)
DO UPDATE SET commit_time = excluded.commit_time, spec_path = excluded.spec_path,
	defines_path = excluded.defines_path, status = excluded.status`

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer prepared.Close()

	for _, r := range rows {
		_, err := prepared.ExecContext(ctx, r.PkgName, r.PkgVersion, r.Tree, r.Branch, r.CommitID,
			r.CommitTime.Unix(), r.SpecPath, r.DefinesPath, r.Status.String())
		if err != nil {
			return fmt.Errorf("upsert commit row %s/%s@%s: %w", r.PkgName, r.PkgVersion, r.CommitID, err)
		}
	}

	return nil
}

// AppendHistory records a new history tip for (tree, branch). Called after
// the commit-writing transaction has committed, as a separate statement —
// a crash between the two leaves history lagging, which self-corrects on
// the next run.
func (db *DB) AppendHistory(ctx context.Context, tree, branch, commitID string, when time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO histories (tree, branch, commit_id, timestamp) VALUES (?, ?, ?, ?)`,
		tree, branch, commitID, when.Unix())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	return nil
}

// LatestHistory returns the most recent history row for (tree, branch), if
// any.
func (db *DB) LatestHistory(ctx context.Context, tree, branch string) (commitID string, found bool, err error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT commit_id FROM histories WHERE tree = ? AND branch = ? ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
		tree, branch)

	err = row.Scan(&commitID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("latest history: %w", err)
	}

	return commitID, true, nil
}

// TwoLatestHistories returns the two most recent history tips for
// (tree, branch), newest first. found is false if fewer than two exist.
func (db *DB) TwoLatestHistories(ctx context.Context, tree, branch string) (to, from string, found bool, err error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT commit_id FROM histories WHERE tree = ? AND branch = ? ORDER BY timestamp DESC, rowid DESC LIMIT 2`,
		tree, branch)
	if err != nil {
		return "", "", false, fmt.Errorf("two latest histories: %w", err)
	}
	defer rows.Close()

	var tips []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", "", false, fmt.Errorf("scan history tip: %w", err)
		}

		tips = append(tips, id)
	}

	if len(tips) < 2 {
		return "", "", false, nil
	}

	return tips[0], tips[1], true, nil
}

// PackageCommit is one row of a package's commit history, joined with the
// commit itself for maintainer/message lookup by the caller.
type PackageCommit struct {
	CommitID   string
	PkgVersion string
	Tree       string
	Branch     string
	Status     classify.FileStatus
	CommitTime time.Time
}

// GetPackageChanges loads all commit rows for pkg, newest-first by
// commit_time, without git-hydrated maintainer/message data — see Hydrate.
func (db *DB) GetPackageChanges(ctx context.Context, pkgName string) ([]PackageCommit, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT commit_id, pkg_version, tree, branch, status, commit_time FROM commits
		 WHERE pkg_name = ? ORDER BY commit_time DESC`, pkgName)
	if err != nil {
		return nil, fmt.Errorf("get package changes: %w", err)
	}
	defer rows.Close()

	var out []PackageCommit

	for rows.Next() {
		var (
			pc         PackageCommit
			statusText string
			ts         int64
		)

		if err := rows.Scan(&pc.CommitID, &pc.PkgVersion, &pc.Tree, &pc.Branch, &statusText, &ts); err != nil {
			return nil, fmt.Errorf("scan package change: %w", err)
		}

		pc.Status = statusFromString(statusText)
		pc.CommitTime = time.Unix(ts, 0).UTC()
		out = append(out, pc)
	}

	return out, nil
}

func statusFromString(s string) classify.FileStatus {
	switch s {
	case classify.Added.String():
		return classify.Added
	case classify.Deleted.String():
		return classify.Deleted
	case classify.Modified.String():
		return classify.Modified
	default:
		return classify.Unsupported
	}
}
