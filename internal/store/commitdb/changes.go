package commitdb

import (
	"context"
	"strings"

	"github.com/aosc-dev/abbsmeta/pkg/gitlib"
)

// securityMarker is the case-sensitive substring that promotes a change's
// urgency from medium to high.
const securityMarker = "security"

// Change is one package revision's commit metadata, ready for MetaStore's
// PackageChanges rows.
type Change struct {
	GitHash         string
	Version         string
	Tree            string
	Branch          string
	Urgency         string
	Message         string
	MaintainerName  string
	MaintainerEmail string
	Timestamp       int64
}

// Hydrate re-opens the Git commit behind each PackageCommit row to pull
// maintainer name/email and message, deriving urgency and stripping a
// leading "origin/" from branch names, implementing get_package_changes.
func Hydrate(ctx context.Context, repo *gitlib.Repository, rows []PackageCommit) ([]Change, error) {
	out := make([]Change, 0, len(rows))

	for _, pc := range rows {
		hash, err := hashFromHex(pc.CommitID)
		if err != nil {
			continue
		}

		commit, err := repo.LookupCommit(ctx, hash)
		if err != nil {
			continue // commit no longer reachable: best-effort skip
		}

		author := commit.Author()
		message := commit.Message()

		out = append(out, Change{
			GitHash:         pc.CommitID,
			Version:         pc.PkgVersion,
			Tree:            pc.Tree,
			Branch:          strings.TrimPrefix(pc.Branch, "origin/"),
			Urgency:         urgencyOf(message),
			Message:         message,
			MaintainerName:  author.Name,
			MaintainerEmail: author.Email,
			Timestamp:       pc.CommitTime.Unix(),
		})

		commit.Free()
	}

	return out, nil
}

func urgencyOf(message string) string {
	if strings.Contains(message, securityMarker) {
		return "high"
	}

	return "medium"
}
