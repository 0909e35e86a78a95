package depsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompare(t *testing.T) {
	testcases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.2", "1.2.0", 0},
		{"1.2.1", "1.2", 1},
		{"1.2", "1.10", -1},
		{"2", "1.99.99", 1},
		{"0.9", "1", -1},
	}

	for _, tc := range testcases {
		t.Run(tc.a+" vs "+tc.b, func(t *testing.T) {
			a, err := ParseVersion(tc.a)
			require.NoError(t, err)

			b, err := ParseVersion(tc.b)
			require.NoError(t, err)

			assert.Equal(t, tc.want, a.Compare(b))
		})
	}
}

func TestParseVersionRejectsNonNumeric(t *testing.T) {
	for _, s := range []string{"", "1.2rc1", "1.-2", "v1.0"} {
		_, err := ParseVersion(s)
		assert.Errorf(t, err, "version: %q", s)
	}
}
