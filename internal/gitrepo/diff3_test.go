package gitrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lines(ls ...string) []string {
	result := make([]string, 0, len(ls))
	for _, l := range ls {
		result = append(result, l+"\n")
	}

	return result
}

func TestMerge3DisjointEdits(t *testing.T) {
	base := lines("a", "b", "c", "d", "e")
	ours := lines("A", "b", "c", "d", "e")
	theirs := lines("a", "b", "c", "d", "E")

	merged, conflict := merge3(base, ours, theirs)

	assert.False(t, conflict)
	assert.Equal(t, lines("A", "b", "c", "d", "E"), merged)
}

func TestMerge3OnlyOneSideChanged(t *testing.T) {
	base := lines("a", "b", "c")
	theirs := lines("a", "b", "c", "d")

	merged, conflict := merge3(base, base, theirs)

	assert.False(t, conflict)
	assert.Equal(t, theirs, merged)
}

func TestMerge3OverlappingEditsConflict(t *testing.T) {
	base := lines("a", "b", "c")
	ours := lines("a", "B", "c")
	theirs := lines("a", "X", "c")

	_, conflict := merge3(base, ours, theirs)

	assert.True(t, conflict)
}

func TestMerge3IdenticalChangesMerge(t *testing.T) {
	base := lines("a", "b", "c")
	both := lines("a", "B", "c")

	merged, conflict := merge3(base, both, both)

	assert.False(t, conflict)
	assert.Equal(t, both, merged)
}

func TestMerge3InsertionsAtSamePositionConflict(t *testing.T) {
	base := lines("a", "b")
	ours := lines("a", "x", "b")
	theirs := lines("a", "y", "b")

	_, conflict := merge3(base, ours, theirs)

	assert.True(t, conflict)
}

func TestMerge3InsertionBeforeOtherSidesEdit(t *testing.T) {
	base := lines("a", "b", "c")
	ours := lines("x", "a", "b", "c")
	theirs := lines("a", "b", "C")

	merged, conflict := merge3(base, ours, theirs)

	assert.False(t, conflict)
	assert.Equal(t, lines("x", "a", "b", "C"), merged)
}

func TestMerge3DeletionAndEdit(t *testing.T) {
	base := lines("a", "b", "c", "d")
	ours := lines("a", "c", "d")
	theirs := lines("a", "b", "c", "D")

	merged, conflict := merge3(base, ours, theirs)

	assert.False(t, conflict)
	assert.Equal(t, lines("a", "c", "D"), merged)
}

func TestSplitLinesRoundtrips(t *testing.T) {
	for _, in := range []string{"", "a\nb\n", "a\nb", "\n", "a"} {
		var joined string
		for _, l := range splitLines(in) {
			joined += l
		}

		assert.Equal(t, in, joined)
	}
}
