package gitrepo

import (
	"github.com/pmezard/go-difflib/difflib"
)

// region describes a change of one merge side relative to the common
// ancestor: the ancestor lines [start,end) are replaced by lines.
type region struct {
	start, end int
	lines      []string
}

func sideRegions(base, side []string) []region {
	var result []region

	for _, op := range difflib.NewMatcher(base, side).GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}

		result = append(result, region{
			start: op.I1,
			end:   op.I2,
			lines: side[op.J1:op.J2],
		})
	}

	return result
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// overlaps returns true if the two regions touch the same ancestor lines.
// Two insertions at the same position are overlapping, an insertion directly
// before or after lines the other side changed is not.
func overlaps(a, b region) bool {
	if a.start == a.end && b.start == b.end {
		return a.start == b.start
	}

	return a.start < b.end && b.start < a.end
}

// regionBefore returns true if a must be emitted before b.
// At equal start positions an insertion goes first, it sits before the
// lines the other side changed.
func regionBefore(a, b region) bool {
	if a.start != b.start {
		return a.start < b.start
	}

	return a.start == a.end
}

// merge3 performs a three-way line merge of two descendants of base.
// If ours and theirs changed overlapping ancestor lines differently, the
// merge fails and conflict is true.
func merge3(base, ours, theirs []string) (merged []string, conflict bool) {
	oursRegions := sideRegions(base, ours)
	theirsRegions := sideRegions(base, theirs)

	var out []string
	pos := 0

	oi, ti := 0, 0
	for oi < len(oursRegions) || ti < len(theirsRegions) {
		switch {
		case oi < len(oursRegions) && ti < len(theirsRegions) &&
			overlaps(oursRegions[oi], theirsRegions[ti]):
			o, t := oursRegions[oi], theirsRegions[ti]

			// both sides made the identical change
			if o.start == t.start && o.end == t.end && linesEqual(o.lines, t.lines) {
				out = append(out, base[pos:o.start]...)
				out = append(out, o.lines...)
				pos = o.end
				oi++
				ti++
				continue
			}

			return nil, true

		case ti >= len(theirsRegions) ||
			(oi < len(oursRegions) && regionBefore(oursRegions[oi], theirsRegions[ti])):
			o := oursRegions[oi]
			out = append(out, base[pos:o.start]...)
			out = append(out, o.lines...)
			pos = o.end
			oi++

		default:
			t := theirsRegions[ti]
			out = append(out, base[pos:t.start]...)
			out = append(out, t.lines...)
			pos = t.end
			ti++
		}
	}

	out = append(out, base[pos:]...)

	return out, false
}
