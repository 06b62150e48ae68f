// Package pkgmodel builds a normalized Package record out of the flat
// key/value context produced by the apml parser, implementing the
// "Package::from(ctx, spec_path)" field-extraction contract.
package pkgmodel

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/aosc-dev/abbsmeta/internal/apml"
)

// Relationship names the eight dependency relationship kinds a defines file
// can declare.
type Relationship string

const (
	PkgDep    Relationship = "PKGDEP"
	BuildDep  Relationship = "BUILDDEP"
	PkgSug    Relationship = "PKGSUG"
	PkgProv   Relationship = "PKGPROV"
	PkgRecom  Relationship = "PKGRECOM"
	PkgRep    Relationship = "PKGREP"
	PkgBreak  Relationship = "PKGBREAK"
	PkgConfig Relationship = "PKGCONFIG"
)

// relationships lists every relationship kind in the fixed order the spec
// enumerates them, used to drive extraction deterministically.
var relationships = []Relationship{
	PkgDep, BuildDep, PkgSug, PkgProv, PkgRecom, PkgRep, PkgBreak, PkgConfig,
}

// Dependency is one row of PackageDependency: a named relationship to
// another package, optionally version-constrained, scoped to an
// architecture ("" means all architectures).
type Dependency struct {
	Name         string
	Relop        string
	Version      string
	Architecture string
	Relationship Relationship
}

// Package is the normalized record extracted from a parsed spec+defines
// context, ready for MetaStore reconciliation.
type Package struct {
	Name         string
	Version      string
	Release      string
	Epoch        string
	Category     string
	Section      string
	PkgSection   string
	Directory    string
	Description  string
	SpecPath     string
	Dependencies []Dependency
}

// ErrMissingName is returned when the context has no PKGNAME field.
var ErrMissingName = errors.New("context has no PKGNAME")

// archSuffix matches a field name's architecture-specific suffix, e.g.
// PKGDEP__X86_64, capturing the base field and the architecture.
var archSuffix = regexp.MustCompile(`^([A-Z]+)__([A-Z0-9_]+)$`)

// From builds a Package from a fully-expanded context and the path of the
// spec file that seeded it. Category, section, and directory are derived
// from specPath's position in the abbs tree layout
// "{category}-{section}/{package}/spec".
func From(ctx apml.Context, specPath string) (*Package, error) {
	name := ctx["PKGNAME"]
	if name == "" {
		return nil, ErrMissingName
	}

	category, section, directory := locationFromSpecPath(specPath)

	pkg := &Package{
		Name:        name,
		Version:     ctx["PKGVER"],
		Release:     normalizeRelease(ctx["PKGREL"]),
		Epoch:       ctx["PKGEPOCH"],
		Category:    category,
		Section:     section,
		PkgSection:  ctx["PKGSEC"],
		Directory:   directory,
		Description: ctx["PKGDES"],
		SpecPath:    specPath,
	}

	pkg.Dependencies = extractDependencies(ctx)

	return pkg, nil
}

// normalizeRelease treats a release of "0" the same as absent, per the
// full_version suppression rule in the data model.
func normalizeRelease(rel string) string {
	if rel == "0" {
		return ""
	}

	return rel
}

// locationFromSpecPath splits "{category}-{section}/{package}/spec" into
// its three components. Paths that don't fit the layout yield empty
// category/section and the spec's parent directory name.
func locationFromSpecPath(specPath string) (category, section, directory string) {
	pkgDir := path.Dir(specPath)
	directory = path.Base(pkgDir)

	locDir := path.Base(path.Dir(pkgDir))

	dash := strings.IndexByte(locDir, '-')
	if dash < 0 {
		return "", "", directory
	}

	return locDir[:dash], locDir[dash+1:], directory
}

// extractDependencies scans ctx for each of the eight relationship fields,
// including architecture-suffixed variants, and flattens each field's
// comma-separated entries into Dependency rows.
func extractDependencies(ctx apml.Context) []Dependency {
	var deps []Dependency

	for _, rel := range relationships {
		base := string(rel)

		if v, ok := ctx[base]; ok && v != "" {
			deps = append(deps, parseDependencyList(v, "", rel)...)
		}
	}

	for key, value := range ctx {
		if value == "" {
			continue
		}

		match := archSuffix.FindStringSubmatch(key)
		if match == nil {
			continue
		}

		rel, arch := Relationship(match[1]), match[2]
		if !isRelationship(rel) {
			continue
		}

		if strings.EqualFold(arch, "default") {
			arch = ""
		}

		deps = append(deps, parseDependencyList(value, arch, rel)...)
	}

	return deps
}

func isRelationship(rel Relationship) bool {
	for _, r := range relationships {
		if r == rel {
			return true
		}
	}

	return false
}

// depEntry matches one dependency entry within a comma- or space-separated
// list: "name" or "name (relop version)", e.g. "foo (>= 1.0)".
var depEntry = regexp.MustCompile(`([^\s,()]+)(?:\s*\(([<>=!]+)\s*([^)]+)\))?`)

func parseDependencyList(raw, arch string, rel Relationship) []Dependency {
	var deps []Dependency

	for _, match := range depEntry.FindAllStringSubmatch(raw, -1) {
		deps = append(deps, Dependency{
			Name:         match[1],
			Relop:        match[2],
			Version:      strings.TrimSpace(match[3]),
			Architecture: arch,
			Relationship: rel,
		})
	}

	return deps
}

// Error wraps a builder failure with enough context to become a
// PackageError row (err_type=package).
type Error struct {
	PackageDir string
	Message    string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.PackageDir, e.Message)
}
