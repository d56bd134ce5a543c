package deploy

import (
	"fmt"
	"path"
	"strings"
)

// NormalizeTeamName lowercases the team name, drops leading and trailing
// whitespace, and replaces each inner whitespace run with a single dash. The result is used as the container name, the image
// repository component, and the primary network alias.
func NormalizeTeamName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// imageRef is the canonical mutable build reference for a team.
func imageRef(teamName string) string {
	return NormalizeTeamName(teamName) + ":latest"
}

// repoSlug extracts the final path component of a repository URL, without a
// trailing ".git".
func repoSlug(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	slug := path.Base(trimmed)
	if slug == "." || slug == "/" || slug == "" {
		return "repo"
	}
	return slug
}

// cloneDirName builds the unique per-attempt clone directory name.
func cloneDirName(epochMillis int64, repoURL string) string {
	return fmt.Sprintf("project-%d-%s", epochMillis, repoSlug(repoURL))
}
