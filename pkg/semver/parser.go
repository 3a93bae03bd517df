// Package semver gates peers on the version they announce: remote callers
// send a protocol version, the renderer sends its UI version.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const logPrefix = "semver:parser"

var (
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// IsMajorOnly checks if a range is a major-only specifier (e.g., "1").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "1.2.0").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	major, err := strconv.Atoi(rangeStr)
	if err != nil {
		return -1
	}
	return major
}

// NormalizeConstraint turns the shorthand forms accepted in configuration
// into a range expression:
//   - ""        (no constraint)
//   - 1         (major only: >=1.0.0, <2.0.0)
//   - 1.2.0     (exact version)
//   - ^1.2.0, ~1.2.0, >=1.0.0 <3.0.0 (passed through)
func NormalizeConstraint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", nil
	case IsMajorOnly(raw):
		major := ExtractMajorFromRange(raw)
		if major < 0 {
			return "", fmt.Errorf("%s - invalid major version %q", logPrefix, raw)
		}
		return fmt.Sprintf(">=%d.0.0, <%d.0.0", major, major+1), nil
	case IsExactVersion(raw):
		return "=" + raw, nil
	default:
		return raw, nil
	}
}
