package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// Semver is a MAJOR.MINOR.PATCH version without pre-release or build parts.
type Semver struct {
	Major, Minor, Patch int
}

func ParseSemver(value string) (Semver, error) {
	m := semverPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return Semver{}, fmt.Errorf("%w: %q (want MAJOR.MINOR.PATCH)", ErrInvalidVersion, value)
	}
	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Semver{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, value, err)
		}
		parts[i] = n
	}
	return Semver{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

func (s Semver) Less(other Semver) bool {
	if s.Major != other.Major {
		return s.Major < other.Major
	}
	if s.Minor != other.Minor {
		return s.Minor < other.Minor
	}
	return s.Patch < other.Patch
}

// Bump returns the next version for kind (major, minor or patch).
func (s Semver) Bump(kind string) (Semver, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "major":
		return Semver{Major: s.Major + 1}, nil
	case "minor":
		return Semver{Major: s.Major, Minor: s.Minor + 1}, nil
	case "patch", "":
		return Semver{Major: s.Major, Minor: s.Minor, Patch: s.Patch + 1}, nil
	default:
		return Semver{}, fmt.Errorf("bump must be one of major, minor, patch (got %q)", kind)
	}
}

// NextVersion bumps current by kind.
func NextVersion(current, kind string) (string, error) {
	parsed, err := ParseSemver(current)
	if err != nil {
		return "", err
	}
	next, err := parsed.Bump(kind)
	if err != nil {
		return "", err
	}
	return next.String(), nil
}
