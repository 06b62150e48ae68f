// Package parser implements PackageParser: given a repository snapshot and
// the spec+defines paths PathClassifier surfaced for a changed path, it
// reads both blobs, runs the two-phase apml expansion, and hands the result
// to the pkgmodel field extractor, capturing structured errors along the
// way instead of failing the whole scan.
package parser

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/aosc-dev/abbsmeta/internal/apml"
	"github.com/aosc-dev/abbsmeta/internal/pkgmodel"
	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// ErrType tags the two kinds of per-package error this stage can produce.
type ErrType string

const (
	// ErrTypeParse marks an apml assignment error.
	ErrTypeParse ErrType = "parse"
	// ErrTypePackage marks a pkgmodel.From builder failure.
	ErrTypePackage ErrType = "package"
)

// PackageError is a structured failure attached to a package, persisted as
// a PackageError row.
type PackageError struct {
	PackageName string
	Path        string
	Type        ErrType
	Message     string
	Line        int
	Col         int
	HasPos      bool
}

// Result is the outcome of parsing one spec+defines pair: either a
// successfully built Package (Errors may still hold non-fatal parse
// warnings), or, if the builder failed, a nil Package with Errors holding
// any parse errors followed by the builder failure.
type Result struct {
	Package *pkgmodel.Package
	Context apml.Context
	Errors  []PackageError
}

// Parse reads specPath and definesPath at tree, runs the two-phase
// expansion, and builds a Package. A nil Result with a nil error means
// either path was missing or not valid UTF-8 — the caller drops the
// record entirely, per the spec's "no package and no errors" rule.
func Parse(repo *gitlib.Repository, tree *gitlib.Tree, specPath, definesPath string) (*Result, error) {
	specSource, ok, err := readUTF8File(repo, tree, specPath)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", specPath, err)
	}

	if !ok {
		return nil, nil
	}

	definesSource, ok, err := readUTF8File(repo, tree, definesPath)
	if err != nil {
		return nil, fmt.Errorf("read defines %s: %w", definesPath, err)
	}

	if !ok {
		return nil, nil
	}

	ctx := apml.Context{}

	var errs []PackageError

	for _, e := range apml.Parse(specSource, ctx) {
		errs = append(errs, PackageError{Path: specPath, Type: ErrTypeParse, Message: e.Message, Line: e.Line, Col: e.Col, HasPos: true})
	}

	decorateSpecToDefines(ctx)

	for _, e := range apml.Parse(definesSource, ctx) {
		errs = append(errs, PackageError{Path: definesPath, Type: ErrTypeParse, Message: e.Message, Line: e.Line, Col: e.Col, HasPos: true})
	}

	pkg, buildErr := pkgmodel.From(ctx, specPath)
	if buildErr != nil {
		dir, name := definesGrandparent(definesPath)
		errs = append(errs, PackageError{
			PackageName: name,
			Path:        dir,
			Type:        ErrTypePackage,
			Message:     buildErr.Error(),
		})

		return &Result{Context: ctx, Errors: errs}, nil
	}

	return &Result{Package: pkg, Context: ctx, Errors: errs}, nil
}

// decorateSpecToDefines renames VER/REL to PKGVER/PKGREL between the spec
// and defines parsing passes, per the spec-to-defines handoff.
func decorateSpecToDefines(ctx apml.Context) {
	if ver, ok := ctx["VER"]; ok {
		ctx["PKGVER"] = ver
		delete(ctx, "VER")
	}

	if rel, ok := ctx["REL"]; ok {
		ctx["PKGREL"] = rel
		delete(ctx, "REL")
	}
}

// definesGrandparent returns the package directory (defines path's
// grandparent) and the defines path's second-from-last segment, used to
// label a builder-failure PackageError.
func definesGrandparent(definesPath string) (dir, name string) {
	dir = path.Dir(path.Dir(definesPath))

	segments := strings.Split(definesPath, "/")
	if len(segments) >= 2 {
		name = segments[len(segments)-2]
	}

	return dir, name
}

// readUTF8File reads the blob at p in tree. ok is false (with nil error)
// when the path is missing or the blob is not valid UTF-8.
func readUTF8File(repo *gitlib.Repository, tree *gitlib.Tree, p string) (source string, ok bool, err error) {
	entry, err := tree.EntryByPath(p)
	if err != nil {
		return "", false, nil
	}

	blob, err := repo.LookupBlob(context.Background(), entry.Hash())
	if err != nil {
		return "", false, nil
	}
	defer blob.Free()

	contents := blob.Contents()
	if !utf8.Valid(contents) {
		return "", false, nil
	}

	return string(contents), true, nil
}
