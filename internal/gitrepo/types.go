package gitrepo

import (
	"fmt"
	"strings"
)

// MergeOutcome classifies the result of a merge attempt.
type MergeOutcome uint8

const (
	MergeOutcomeUndefined MergeOutcome = iota
	// MergeNoChange means upstream contains nothing that is not already
	// merged, the working tree was not touched.
	MergeNoChange
	// MergeClean means the three-way merge succeeded, the resulting commit
	// is staged on the staging ref.
	MergeClean
	// MergeConflict means overlapping edits exist, resolution is a manual
	// action.
	MergeConflict
)

var mergeOutcomeStrings = [...]string{
	MergeOutcomeUndefined: "undefined",
	MergeNoChange:         "no change",
	MergeClean:            "clean",
	MergeConflict:         "conflict",
}

func (o MergeOutcome) String() string {
	if int(o) > len(mergeOutcomeStrings)-1 {
		return fmt.Sprintf("unsupported MergeOutcome value: %d", o)
	}

	return mergeOutcomeStrings[o]
}

// MergeResult is produced once per sync attempt and immutable afterwards.
type MergeResult struct {
	Outcome MergeOutcome
	// NewRef is the resulting merge commit, only set for MergeClean.
	NewRef string
	// ConflictingPaths enumerates the paths with overlapping edits, only
	// set for MergeConflict. Empty for a MergeConflict means the histories
	// have no common ancestor.
	ConflictingPaths []string
}

func (r *MergeResult) String() string {
	switch r.Outcome {
	case MergeClean:
		return fmt.Sprintf("clean merge: %s", r.NewRef)
	case MergeConflict:
		if len(r.ConflictingPaths) == 0 {
			return "conflict: histories have no common ancestor"
		}

		return fmt.Sprintf("conflict in: %s", strings.Join(r.ConflictingPaths, ", "))
	default:
		return r.Outcome.String()
	}
}
