package versions

import (
	"fmt"
	"regexp"
	"strconv"
)

// Versioned paths address staged and historical file copies directly:
// /_ver/123/some/file is the copy of /some/file in changeset 123.

var versionedPathRegexp = regexp.MustCompile(`^/_ver/([0-9]+)`)

const versionedPathFormat = "/_ver/%d%s"

// MakeVersionedPath returns the versioned form of path in changeset num.
func MakeVersionedPath(path string, num int64) string {
	return fmt.Sprintf(versionedPathFormat, num, path)
}

// MakeVersionedPaths returns versioned forms of paths in changeset num,
// preserving order and multiplicity.
func MakeVersionedPaths(paths []string, num int64) []string {
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		result = append(result, MakeVersionedPath(p, num))
	}
	return result
}

// StripVersionedPath splits a versioned path into the changeset number and
// the plain path. For a path without the versioned prefix it returns ok false.
func StripVersionedPath(versionedPath string) (int64, string, bool) {
	match := versionedPathRegexp.FindStringSubmatch(versionedPath)
	if match == nil {
		return 0, versionedPath, false
	}
	num, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, versionedPath, false
	}
	return num, versionedPath[len(match[0]):], true
}
