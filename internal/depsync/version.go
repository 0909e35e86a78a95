package depsync

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted release version, e.g. "1.2.3".
// Missing segments compare as zero, "1.2" equals "1.2.0".
type Version struct {
	segments []int
	raw      string
}

func ParseVersion(s string) (*Version, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version string")
	}

	parts := strings.Split(s, ".")
	segments := make([]int, 0, len(parts))

	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("can not parse version %q: segment %q is not numeric", s, part)
		}

		if n < 0 {
			return nil, fmt.Errorf("can not parse version %q: negative segment", s)
		}

		segments = append(segments, n)
	}

	return &Version{segments: segments, raw: s}, nil
}

func (v *Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1 if v is older, equal or newer than other.
func (v *Version) Compare(other *Version) int {
	l := len(v.segments)
	if len(other.segments) > l {
		l = len(other.segments)
	}

	for i := 0; i < l; i++ {
		a, b := 0, 0
		if i < len(v.segments) {
			a = v.segments[i]
		}
		if i < len(other.segments) {
			b = other.segments[i]
		}

		if a != b {
			if a < b {
				return -1
			}

			return 1
		}
	}

	return 0
}
