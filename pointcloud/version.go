package pointcloud

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dataset format version such as "1.4" or "2.0".
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses "major[.minor]". A missing or unparsable minor is 0, and an unparsable major
// is 0 as well, so the oldest decoding rules apply.
func ParseVersion(s string) Version {
	majorStr, minorStr, _ := strings.Cut(strings.TrimSpace(s), ".")
	major, _ := strconv.Atoi(majorStr)
	minor, _ := strconv.Atoi(minorStr)
	return Version{Major: major, Minor: minor}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v Version) compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return v.Major - o.Major
	default:
		return v.Minor - o.Minor
	}
}

// NewerThan reports whether v is strictly after s.
func (v Version) NewerThan(s string) bool {
	return v.compare(ParseVersion(s)) > 0
}

// EqualOrHigher reports whether v is s or later.
func (v Version) EqualOrHigher(s string) bool {
	return v.compare(ParseVersion(s)) >= 0
}

// UpTo reports whether v is s or earlier.
func (v Version) UpTo(s string) bool {
	return !v.NewerThan(s)
}
