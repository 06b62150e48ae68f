package apml_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosc-dev/abbsmeta/internal/apml"
)

func TestParseSimpleAssignment(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("VER=1.2.3\nREL=1\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "1.2.3", ctx["VER"])
	assert.Equal(t, "1", ctx["REL"])
}

func TestParseLowercaseKeyIsUppercased(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("ver=2.0\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "2.0", ctx["VER"])
}

func TestParseQuotedValues(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("PKGDES='a package'\nPKGSEC=\"utils\"\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "a package", ctx["PKGDES"])
	assert.Equal(t, "utils", ctx["PKGSEC"])
}

func TestParseVariableExpansion(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("VER=1.0\nPKGVER=${VER}\nSRCTBL=\"pkg-$VER.tar.gz\"\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "1.0", ctx["PKGVER"])
	assert.Equal(t, "pkg-1.0.tar.gz", ctx["SRCTBL"])
}

func TestParseArrayLiteralIsSpaceJoined(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("PKGDEP=(foo bar baz)\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "foo bar baz", ctx["PKGDEP"])
}

func TestParseCommentsAndBlankLinesIgnored(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("# a comment\n\nVER=1.0 # trailing comment\n", ctx)

	require.Empty(t, errs)
	assert.Equal(t, "1.0", ctx["VER"])
}

func TestParseMalformedLineProducesPositionedError(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("not an assignment\nVER=1.0\n", ctx)

	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Line)
	assert.Equal(t, "1.0", ctx["VER"])
}

func TestParseInvalidKeyProducesError(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	errs := apml.Parse("1BAD=x\n", ctx)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "invalid assignment key")
}

func TestParseSecondPhaseSeesFirstPhaseValues(t *testing.T) {
	t.Parallel()

	ctx := apml.Context{}
	require.Empty(t, apml.Parse("VER=1.0\n", ctx))

	ctx["PKGVER"] = ctx["VER"]
	delete(ctx, "VER")

	errs := apml.Parse("PKGDEP=\"lib$PKGVER\"\n", ctx)
	require.Empty(t, errs)
	assert.Equal(t, "lib1.0", ctx["PKGDEP"])
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := apml.Error{Line: 3, Col: 5, Message: "boom"}
	assert.Equal(t, "3:5: boom", err.Error())
}
