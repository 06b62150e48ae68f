// Package metadb persists the package metadata store: current package
// snapshot, versions, spec fields, dependencies, duplicates, parse errors,
// a full-text index, and the per-branch testing view.
package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aosc-dev/abbsmeta/internal/apml"
	"github.com/aosc-dev/abbsmeta/internal/parser"
	"github.com/aosc-dev/abbsmeta/internal/pkgmodel"
)

// defaultTestingOrder is used as a package's "current order" in the testing
// view when it has no prior PackageTesting row — a value larger than any
// realistic commit order, so any branch advertising a real order is always
// considered "newer".
const defaultTestingOrder = 100000

// ErrNoChanges is returned by AddPackage when the supplied change list is
// empty.
var ErrNoChanges = errors.New("cannot find changes of package, please update commit database")

// Tree identifies a repository family, upserted once per orchestrator run.
type Tree struct {
	ID         int
	Name       string
	Category   string
	URL        string
	MainBranch string
}

// Change is one row destined for PackageChanges, carrying the commit and
// maintainer data the orchestrator pulled from the Git commit object.
type Change struct {
	GitHash         string
	Version         string
	Branch          string
	Urgency         string
	Message         string
	MaintainerName  string
	MaintainerEmail string
	Timestamp       time.Time
	Tree            string
}

// Meta bundles a parsed package with the context and errors PackageParser
// produced for it, ready for AddPackage.
type Meta struct {
	Package *pkgmodel.Package
	Context apml.Context
	Errors  []parser.PackageError
}

// DB wraps the package metadata SQLite connection.
type DB struct {
	conn *sql.DB
	log  *slog.Logger
}

// Open opens (creating if necessary) the metadata database at path and
// ensures its schema, including the FTS5 virtual table and v_packages view.
func Open(ctx context.Context, path string, log *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=rwc&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open meta db: %w", err)
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
CREATE TABLE IF NOT EXISTS trees (
	tid         INTEGER UNIQUE,
	name        TEXT PRIMARY KEY,
	category    TEXT,
	url         TEXT,
	mainbranch  TEXT
);

CREATE TABLE IF NOT EXISTS tree_branches (
	tree     TEXT NOT NULL,
	branch   TEXT NOT NULL,
	name     TEXT NOT NULL,
	priority INTEGER,
	PRIMARY KEY (tree, branch)
);

CREATE TABLE IF NOT EXISTS packages (
	name        TEXT PRIMARY KEY,
	tree        TEXT NOT NULL,
	category    TEXT,
	section     TEXT,
	pkg_section TEXT,
	directory   TEXT,
	description TEXT,
	spec_path   TEXT
);

CREATE TABLE IF NOT EXISTS package_duplicates (
	name      TEXT NOT NULL,
	tree      TEXT NOT NULL,
	category  TEXT,
	section   TEXT,
	directory TEXT,
	PRIMARY KEY (name, tree, category, section, directory)
);

CREATE TABLE IF NOT EXISTS package_versions (
	package      TEXT NOT NULL,
	branch       TEXT NOT NULL,
	architecture TEXT NOT NULL DEFAULT '',
	version      TEXT NOT NULL,
	release      TEXT,
	epoch        TEXT,
	commit_time  INTEGER,
	committer    TEXT,
	githash      TEXT,
	PRIMARY KEY (package, branch, architecture)
);

CREATE TABLE IF NOT EXISTS package_specs (
	package TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT,
	PRIMARY KEY (package, key)
);

CREATE TABLE IF NOT EXISTS package_dependencies (
	package      TEXT NOT NULL,
	dependency   TEXT NOT NULL,
	architecture TEXT NOT NULL DEFAULT '',
	relationship TEXT NOT NULL,
	relop        TEXT,
	version      TEXT,
	PRIMARY KEY (package, dependency, architecture, relationship)
);

CREATE TABLE IF NOT EXISTS package_errors (
	package  TEXT NOT NULL,
	tree     TEXT NOT NULL,
	branch   TEXT NOT NULL,
	path     TEXT,
	err_type TEXT NOT NULL,
	message  TEXT,
	line     INTEGER,
	col      INTEGER
);

CREATE TABLE IF NOT EXISTS package_changes (
	package          TEXT NOT NULL,
	githash          TEXT NOT NULL,
	version          TEXT,
	branch           TEXT NOT NULL,
	urgency          TEXT,
	message          TEXT,
	maintainer_name  TEXT,
	maintainer_email TEXT,
	timestamp        INTEGER,
	tree             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS package_testing (
	package      TEXT NOT NULL,
	tree         TEXT NOT NULL,
	branch       TEXT NOT NULL,
	version      TEXT,
	spec_path    TEXT,
	defines_path TEXT,
	commit       TEXT,
	testing_order INTEGER,
	PRIMARY KEY (package, tree, branch)
);

CREATE VIRTUAL TABLE IF NOT EXISTS fts_packages USING fts5(name, description, tokenize = 'porter');

CREATE VIEW IF NOT EXISTS v_packages AS
SELECT
	p.name AS name,
	p.tree AS tree,
	t.category AS tree_category,
	pv.branch AS branch,
	p.category AS category,
	p.section AS section,
	p.pkg_section AS pkg_section,
	p.directory AS directory,
	p.description AS description,
	pv.version AS version,
	p.spec_path AS spec_path,
	(CASE WHEN pv.epoch IS NOT NULL AND pv.epoch <> '' THEN pv.epoch || ':' ELSE '' END) ||
		pv.version ||
		(CASE WHEN pv.release IS NOT NULL AND pv.release <> '' AND pv.release <> '0' THEN '-' || pv.release ELSE '' END)
		AS full_version,
	pv.commit_time AS commit_time,
	pv.committer AS committer
FROM packages p
JOIN trees t ON t.name = p.tree
LEFT JOIN package_versions pv ON pv.package = p.name AND pv.branch = t.mainbranch;
`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate meta db: %w", err)
	}

	return nil
}

// UpsertTree writes the Tree and a matching TreeBranch row for the
// configured (priority, name, category, url, branch), called once per
// orchestrator open.
func (db *DB) UpsertTree(ctx context.Context, tree Tree, trackedBranch string, branchPriority *int) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO trees (tid, name, category, url, mainbranch) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET tid = excluded.tid, category = excluded.category,
			url = excluded.url, mainbranch = excluded.mainbranch`,
		tree.ID, tree.Name, tree.Category, tree.URL, tree.MainBranch)
	if err != nil {
		return fmt.Errorf("upsert tree: %w", err)
	}

	displayName := tree.Name + "/" + trackedBranch

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO tree_branches (tree, branch, name, priority) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tree, branch) DO UPDATE SET name = excluded.name, priority = excluded.priority`,
		tree.Name, trackedBranch, displayName, branchPriority)
	if err != nil {
		return fmt.Errorf("upsert tree branch: %w", err)
	}

	return nil
}

// AddPackage performs the full transactional single-package update
// described by the spec's eight-step add_package sequence.
func (db *DB) AddPackage(ctx context.Context, tree string, meta Meta, changes []Change) error {
	if len(changes) == 0 {
		return ErrNoChanges
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add_package tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	pkg := meta.Package
	if pkg == nil {
		return fmt.Errorf("add_package called with nil package for %q changes", changes[0].GitHash)
	}

	if err := recordDuplicates(ctx, tx, tree, pkg); err != nil {
		return err
	}

	if err := upsertPackageRow(ctx, tx, tree, pkg); err != nil {
		return err
	}

	if err := maintainFTSRow(ctx, tx, pkg); err != nil {
		return err
	}

	if err := replacePackageChanges(ctx, tx, pkg.Name, changes); err != nil {
		return err
	}

	if err := upsertPackageVersion(ctx, tx, pkg, changes[0]); err != nil {
		return err
	}

	if err := replacePackageSpecs(ctx, tx, pkg.Name, meta.Context); err != nil {
		return err
	}

	if err := replacePackageDependencies(ctx, tx, pkg); err != nil {
		return err
	}

	if err := replacePackageErrors(ctx, tx, pkg.Name, tree, changes[0].Branch, meta.Errors); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add_package tx: %w", err)
	}

	return nil
}

func recordDuplicates(ctx context.Context, tx *sql.Tx, tree string, pkg *pkgmodel.Package) error {
	var existingTree, existingCategory, existingSection, existingDirectory string

	row := tx.QueryRowContext(ctx, `SELECT tree, category, section, directory FROM packages WHERE name = ?`, pkg.Name)

	err := row.Scan(&existingTree, &existingCategory, &existingSection, &existingDirectory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("lookup existing package %s: %w", pkg.Name, err)
	}

	locationChanged := existingTree != tree ||
		existingCategory != pkg.Category || existingSection != pkg.Section || existingDirectory != pkg.Directory

	if !locationChanged {
		return nil
	}

	for _, loc := range [][5]string{
		{pkg.Name, existingTree, existingCategory, existingSection, existingDirectory},
		{pkg.Name, tree, pkg.Category, pkg.Section, pkg.Directory},
	} {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO package_duplicates (name, tree, category, section, directory) VALUES (?, ?, ?, ?, ?)`,
			loc[0], loc[1], loc[2], loc[3], loc[4])
		if err != nil {
			return fmt.Errorf("insert package duplicate for %s: %w", pkg.Name, err)
		}
	}

	return nil
}

func upsertPackageRow(ctx context.Context, tx *sql.Tx, tree string, pkg *pkgmodel.Package) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO packages (name, tree, category, section, pkg_section, directory, description, spec_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET tree = excluded.tree, category = excluded.category,
			section = excluded.section, pkg_section = excluded.pkg_section, directory = excluded.directory,
			description = excluded.description, spec_path = excluded.spec_path`,
		pkg.Name, tree, pkg.Category, pkg.Section, pkg.PkgSection, pkg.Directory, pkg.Description, pkg.SpecPath)
	if err != nil {
		return fmt.Errorf("upsert package %s: %w", pkg.Name, err)
	}

	return nil
}

func maintainFTSRow(ctx context.Context, tx *sql.Tx, pkg *pkgmodel.Package) error {
	var existingDesc string

	row := tx.QueryRowContext(ctx, `SELECT description FROM fts_packages WHERE name = ?`, pkg.Name)

	err := row.Scan(&existingDesc)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `INSERT INTO fts_packages (name, description) VALUES (?, ?)`, pkg.Name, pkg.Description)
	case err != nil:
		return fmt.Errorf("lookup fts row for %s: %w", pkg.Name, err)
	case existingDesc != pkg.Description:
		if _, delErr := tx.ExecContext(ctx, `DELETE FROM fts_packages WHERE name = ?`, pkg.Name); delErr != nil {
			return fmt.Errorf("delete stale fts row for %s: %w", pkg.Name, delErr)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO fts_packages (name, description) VALUES (?, ?)`, pkg.Name, pkg.Description)
	default:
		return nil
	}

	if err != nil {
		return fmt.Errorf("maintain fts row for %s: %w", pkg.Name, err)
	}

	return nil
}

func replacePackageChanges(ctx context.Context, tx *sql.Tx, pkgName string, changes []Change) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_changes WHERE package = ?`, pkgName); err != nil {
		return fmt.Errorf("clear package changes for %s: %w", pkgName, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO package_changes (package, githash, version, branch, urgency, message, maintainer_name,
			maintainer_email, timestamp, tree) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert package change: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		_, err := stmt.ExecContext(ctx, pkgName, c.GitHash, c.Version, c.Branch, c.Urgency, c.Message,
			c.MaintainerName, c.MaintainerEmail, c.Timestamp.Unix(), c.Tree)
		if err != nil {
			return fmt.Errorf("insert package change %s@%s: %w", pkgName, c.GitHash, err)
		}
	}

	return nil
}

func upsertPackageVersion(ctx context.Context, tx *sql.Tx, pkg *pkgmodel.Package, newest Change) error {
	committer := newest.MaintainerName + " <" + newest.MaintainerEmail + ">"

	release := nullIfZeroOrEmpty(pkg.Release)
	epoch := nullIfZeroOrEmpty(pkg.Epoch)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO package_versions (package, branch, architecture, version, release, epoch, commit_time, committer, githash)
		 VALUES (?, ?, '', ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (package, branch, architecture) DO UPDATE SET version = excluded.version,
			release = excluded.release, epoch = excluded.epoch, commit_time = excluded.commit_time,
			committer = excluded.committer, githash = excluded.githash`,
		pkg.Name, newest.Branch, pkg.Version, release, epoch, newest.Timestamp.Unix(), committer, newest.GitHash)
	if err != nil {
		return fmt.Errorf("upsert package version for %s: %w", pkg.Name, err)
	}

	return nil
}

func nullIfZeroOrEmpty(v string) any {
	if v == "" || v == "0" {
		return nil
	}

	if n, err := strconv.Atoi(v); err == nil && n <= 0 {
		return nil
	}

	return v
}

func replacePackageSpecs(ctx context.Context, tx *sql.Tx, pkgName string, fields apml.Context) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_specs WHERE package = ?`, pkgName); err != nil {
		return fmt.Errorf("clear package specs for %s: %w", pkgName, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO package_specs (package, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert package spec: %w", err)
	}
	defer stmt.Close()

	for k, v := range fields {
		if _, err := stmt.ExecContext(ctx, pkgName, k, v); err != nil {
			return fmt.Errorf("insert package spec %s.%s: %w", pkgName, k, err)
		}
	}

	return nil
}

func replacePackageDependencies(ctx context.Context, tx *sql.Tx, pkg *pkgmodel.Package) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_dependencies WHERE package = ?`, pkg.Name); err != nil {
		return fmt.Errorf("clear package dependencies for %s: %w", pkg.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO package_dependencies (package, dependency, architecture, relationship, relop, version)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert package dependency: %w", err)
	}
	defer stmt.Close()

	for _, d := range pkg.Dependencies {
		arch := d.Architecture
		if arch == "default" {
			arch = ""
		}

		if _, err := stmt.ExecContext(ctx, pkg.Name, d.Name, arch, string(d.Relationship), d.Relop, d.Version); err != nil {
			return fmt.Errorf("insert package dependency %s -> %s: %w", pkg.Name, d.Name, err)
		}
	}

	return nil
}

func replacePackageErrors(ctx context.Context, tx *sql.Tx, pkgName, tree, branch string, errs []parser.PackageError) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_errors WHERE package = ? AND tree = ? AND branch = ?`,
		pkgName, tree, branch); err != nil {
		return fmt.Errorf("clear package errors for %s: %w", pkgName, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO package_errors (package, tree, branch, path, err_type, message, line, col)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert package error: %w", err)
	}
	defer stmt.Close()

	for _, e := range errs {
		var line, col any
		if e.HasPos {
			line, col = e.Line, e.Col
		}

		if _, err := stmt.ExecContext(ctx, pkgName, tree, branch, e.Path, string(e.Type), e.Message, line, col); err != nil {
			return fmt.Errorf("insert package error for %s: %w", pkgName, err)
		}
	}

	return nil
}

// DeletePackage cascades the removal of a package's rows: version (this
// branch), spec (all), dependency (all), the package row (this tree),
// FTS, parse errors (this tree+branch), and testing rows (this tree+branch).
func (db *DB) DeletePackage(ctx context.Context, name, tree, branch string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete_package tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM package_versions WHERE package = ? AND branch = ?`, []any{name, branch}},
		{`DELETE FROM package_specs WHERE package = ?`, []any{name}},
		{`DELETE FROM package_dependencies WHERE package = ?`, []any{name}},
		{`DELETE FROM packages WHERE name = ? AND tree = ?`, []any{name, tree}},
		{`DELETE FROM fts_packages WHERE name = ?`, []any{name}},
		{`DELETE FROM package_errors WHERE package = ? AND tree = ? AND branch = ?`, []any{name, tree, branch}},
		{`DELETE FROM package_testing WHERE package = ? AND tree = ? AND branch = ?`, []any{name, tree, branch}},
	}

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("delete_package %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete_package tx: %w", err)
	}

	return nil
}

// TestingCandidate is one package info surfaced by the commit index's
// update_package_testing pass, for a single testing branch.
type TestingCandidate struct {
	PkgName     string
	Version     string
	SpecPath    string
	DefinesPath string
	Commit      string
}

// ApplyTestingBranch reconciles PackageTesting rows for one branch against
// a main-order and testing-order commit map, per the divergence algorithm
// in the spec's update_testing_branch step 4-6.
func (db *DB) ApplyTestingBranch(
	ctx context.Context,
	tree, branch string,
	candidates []TestingCandidate,
	mainOrder, testingOrder map[string]int,
	outdated bool,
) error {
	if outdated {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM package_testing WHERE tree = ? AND branch = ?`, tree, branch)
		if err != nil {
			return fmt.Errorf("delete outdated testing rows for %s/%s: %w", tree, branch, err)
		}

		return nil
	}

	last := divergencePoint(mainOrder, testingOrder)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin testing branch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range candidates {
		newOrder, ok := testingOrder[c.Commit]
		if !ok {
			continue
		}

		dbCurrent, err := currentTestingOrder(ctx, tx, c.PkgName, tree, branch)
		if err != nil {
			return err
		}

		switch {
		case newOrder < dbCurrent && newOrder <= last:
			if err := upsertTesting(ctx, tx, c, tree, branch, newOrder); err != nil {
				return err
			}
		case newOrder > last && dbCurrent > last:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM package_testing WHERE package = ? AND tree = ? AND branch = ?`, c.PkgName, tree, branch); err != nil {
				return fmt.Errorf("delete stale testing row for %s: %w", c.PkgName, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit testing branch tx: %w", err)
	}

	return nil
}

func currentTestingOrder(ctx context.Context, tx *sql.Tx, pkgName, tree, branch string) (int, error) {
	var order sql.NullInt64

	row := tx.QueryRowContext(ctx,
		`SELECT testing_order FROM package_testing WHERE package = ? AND tree = ? AND branch = ?`, pkgName, tree, branch)

	err := row.Scan(&order)
	if errors.Is(err, sql.ErrNoRows) || !order.Valid {
		return defaultTestingOrder, nil
	}

	if err != nil {
		return 0, fmt.Errorf("lookup current testing order for %s: %w", pkgName, err)
	}

	return int(order.Int64), nil
}

func upsertTesting(ctx context.Context, tx *sql.Tx, c TestingCandidate, tree, branch string, order int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO package_testing (package, tree, branch, version, spec_path, defines_path, commit, testing_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (package, tree, branch) DO UPDATE SET version = excluded.version, spec_path = excluded.spec_path,
			defines_path = excluded.defines_path, commit = excluded.commit, testing_order = excluded.testing_order`,
		c.PkgName, tree, branch, c.Version, c.SpecPath, c.DefinesPath, c.Commit, order)
	if err != nil {
		return fmt.Errorf("upsert testing row for %s: %w", c.PkgName, err)
	}

	return nil
}

// divergencePoint returns the maximum of (mainOrder[c], testingOrder[c])
// over every commit common to both maps, or -1 if they share nothing.
func divergencePoint(mainOrder, testingOrder map[string]int) int {
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

// PruneTestingBranches deletes PackageTesting rows for branches no longer
// present in the repository's current branch list.
func (db *DB) PruneTestingBranches(ctx context.Context, tree string, liveBranches []string) error {
	live := make(map[string]struct{}, len(liveBranches))
	for _, b := range liveBranches {
		live[b] = struct{}{}
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT branch FROM package_testing WHERE tree = ?`, tree)
	if err != nil {
		return fmt.Errorf("list testing branches for %s: %w", tree, err)
	}

	var stale []string

	for rows.Next() {
		var branch string
		if err := rows.Scan(&branch); err != nil {
			rows.Close()

			return fmt.Errorf("scan testing branch: %w", err)
		}

		if _, ok := live[branch]; !ok {
			stale = append(stale, branch)
		}
	}

	rows.Close()

	for _, branch := range stale {
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM package_testing WHERE tree = ? AND branch = ?`, tree, branch); err != nil {
			return fmt.Errorf("prune testing branch %s: %w", branch, err)
		}
	}

	return nil
}
