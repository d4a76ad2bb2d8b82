package diff

import (
	"fmt"
	"sort"
)

// Apply reconstructs the target document by replaying the complete change
// list against the source it was computed from.
func Apply(source string, changes []Change) (string, error) {
	return ApplySelected(source, changes, nil)
}

// ApplySelected reconstructs the document that results from taking a subset
// of a change list: taken changes are applied, the rest keep the source text.
// The changes slice must be the complete list the comparison produced, since
// insertion offsets are expressed in the coordinates of the fully applied
// target and skipped entries still anchor the walk. A nil take applies
// everything.
//
// The walk keeps a source cursor and a target cursor in lockstep: between
// change anchors both documents share unchanged text, which is copied
// through. At a consumed source range the cursor jumps past it, emitting the
// original text only when the change was skipped; at an insertion anchor the
// target cursor jumps past the payload, emitting it only when the change was
// taken.
func ApplySelected(source string, changes []Change, take func(i int) bool) (string, error) {
	type removal struct {
		start, end int
		keep       bool
	}
	type insertion struct {
		at   int
		text []rune
		emit bool
	}
	var removals []removal
	var insertions []insertion

	for i, c := range changes {
		if c.SourceEnd < c.SourceStart || c.TargetEnd < c.TargetStart {
			return "", fmt.Errorf("diff: change has inverted range")
		}
		taken := take == nil || take(i)
		if c.SourceEnd > c.SourceStart {
			removals = append(removals, removal{c.SourceStart, c.SourceEnd, !taken})
		}
		if c.After != "" {
			insertions = append(insertions, insertion{c.TargetStart, []rune(c.After), taken})
		}
	}
	sort.SliceStable(removals, func(i, j int) bool { return removals[i].start < removals[j].start })
	sort.SliceStable(insertions, func(i, j int) bool { return insertions[i].at < insertions[j].at })

	src := []rune(source)
	out := make([]rune, 0, len(src))
	s, g := 0, 0

	ri, ii := 0, 0
	for ri < len(removals) || ii < len(insertions) {
		step := -1
		if ri < len(removals) {
			d := removals[ri].start - s
			if d < 0 {
				return "", fmt.Errorf("diff: overlapping change ranges")
			}
			step = d
		}
		if ii < len(insertions) {
			d := insertions[ii].at - g
			if d < 0 {
				return "", fmt.Errorf("diff: insertion offsets out of order at %d", insertions[ii].at)
			}
			if step < 0 || d < step {
				step = d
			}
		}
		if s+step > len(src) {
			return "", fmt.Errorf("diff: change anchors extend past source length %d", len(src))
		}
		out = append(out, src[s:s+step]...)
		s += step
		g += step

		// Removal and insertion can share a stitch point; the consumed
		// source text goes first so a modify reads before-then-after.
		if ri < len(removals) && removals[ri].start == s {
			r := removals[ri]
			ri++
			if r.end > len(src) {
				return "", fmt.Errorf("diff: change range [%d,%d) exceeds source length %d", r.start, r.end, len(src))
			}
			if r.keep {
				out = append(out, src[r.start:r.end]...)
			}
			s = r.end
			continue
		}
		if ii < len(insertions) && insertions[ii].at == g {
			ins := insertions[ii]
			ii++
			if ins.emit {
				out = append(out, ins.text...)
			}
			g += len(ins.text)
		}
	}
	out = append(out, src[s:]...)
	return string(out), nil
}
