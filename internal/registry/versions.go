package registry

import (
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// SortVersions orders versions newest first. Strings that are not semantic
// versions sort after every valid one.
func SortVersions(versions []VersionInfo) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi := normalizeSemver(versions[i].Version)
		vj := normalizeSemver(versions[j].Version)
		switch {
		case vi == "" && vj == "":
			return versions[i].Version > versions[j].Version
		case vi == "":
			return false
		case vj == "":
			return true
		}
		return semver.Compare(vi, vj) > 0
	})
}

// LatestVersion returns the highest semantic version in versions.
func LatestVersion(versions []VersionInfo) string {
	if len(versions) == 0 {
		return ""
	}
	sorted := append([]VersionInfo(nil), versions...)
	SortVersions(sorted)
	return sorted[0].Version
}

func normalizeSemver(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
