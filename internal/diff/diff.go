// Package diff computes a structural comparison between two immutable
// document snapshots. Documents are segmented into coarse units, aligned with
// a longest-common-subsequence pass, and gap regions that look like edits of
// the same clause are refined at token granularity. The result is
// deterministic: identical inputs always produce an identical change list.
package diff

import (
	"errors"
	"unicode/utf8"
)

type ChangeType string

const (
	Insert ChangeType = "insert"
	Delete ChangeType = "delete"
	Modify ChangeType = "modify"
	Move   ChangeType = "move"
)

// ErrInvalidContent reports content the engine cannot segment.
var ErrInvalidContent = errors.New("diff: content is not valid UTF-8")

// Change is one atomic diff item. Offsets are rune offsets; SourceStart ==
// SourceEnd for pure inserts and TargetStart == TargetEnd for pure deletes.
type Change struct {
	Type         ChangeType
	SourceStart  int
	SourceEnd    int
	TargetStart  int
	TargetEnd    int
	Before       string
	After        string
	Category     Category
	Significance float64
}

type Result struct {
	Changes    []Change
	Similarity float64
}

// refineThreshold is the minimum token similarity for a replaced gap to be
// refined into localized sub-changes rather than kept as one modify.
const refineThreshold = 0.4

// Compare diffs source against target. It is a pure function with no side
// effects; callers own persistence and caching.
func Compare(source, target string) (Result, error) {
	if !utf8.ValidString(source) || !utf8.ValidString(target) {
		return Result{}, ErrInvalidContent
	}
	if source == target {
		return Result{Changes: []Change{}, Similarity: 1.0}, nil
	}

	srcUnits := segment(source)
	tgtUnits := segment(target)
	script := align(unitTexts(srcUnits), unitTexts(tgtUnits))

	gaps, moves := collectGaps(script, srcUnits, tgtUnits)

	changes := make([]Change, 0, len(moves)+len(gaps))
	changes = append(changes, moves...)
	for _, gap := range gaps {
		changes = append(changes, gap.changes()...)
	}
	sortChanges(changes)

	for i := range changes {
		changes[i].Category = categorize(changes[i].Before, changes[i].After)
		changes[i].Significance = significance(changes[i])
	}

	return Result{
		Changes:    changes,
		Similarity: similarity(source, target),
	}, nil
}

// unit is one comparable segment of a document: a line with its terminator,
// so the concatenation of units reproduces the document exactly.
type unit struct {
	text  string
	start int // rune offset in the owning document
}

func segment(doc string) []unit {
	units := make([]unit, 0, 16)
	runes := []rune(doc)
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\n' {
			units = append(units, unit{text: string(runes[start : i+1]), start: start})
			start = i + 1
		}
	}
	if start < len(runes) {
		units = append(units, unit{text: string(runes[start:]), start: start})
	}
	return units
}

func unitTexts(units []unit) []string {
	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.text
	}
	return texts
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// gap is a maximal run of unmatched units between two aligned anchors.
type gap struct {
	dels        []unit
	inss        []unit
	srcAnchor   int // source rune offset where the gap sits
	tgtAnchor   int // target rune offset where the gap sits
}

// collectGaps walks the alignment script, extracts displaced identical units
// as moves, and groups the remaining unmatched units into gaps.
func collectGaps(script []alignOp, srcUnits, tgtUnits []unit) ([]gap, []Change) {
	type openGap struct {
		dels, inss []int
		srcAnchor  int
		tgtAnchor  int
	}

	var raw []openGap
	var current *openGap
	srcOff, tgtOff := 0, 0

	flush := func() {
		if current != nil {
			raw = append(raw, *current)
			current = nil
		}
	}
	open := func() {
		if current == nil {
			current = &openGap{srcAnchor: srcOff, tgtAnchor: tgtOff}
		}
	}

	for _, op := range script {
		switch op.kind {
		case alignMatch:
			flush()
			srcOff += runeLen(srcUnits[op.si].text)
			tgtOff += runeLen(tgtUnits[op.ti].text)
		case alignDel:
			open()
			current.dels = append(current.dels, op.si)
			srcOff += runeLen(srcUnits[op.si].text)
		case alignIns:
			open()
			current.inss = append(current.inss, op.ti)
			tgtOff += runeLen(tgtUnits[op.ti].text)
		}
	}
	flush()

	// Displaced identical units become moves. A deleted unit whose exact text
	// reappears among the insertions was relocated, not rewritten.
	delByText := make(map[string][]int)
	for _, g := range raw {
		for _, si := range g.dels {
			delByText[srcUnits[si].text] = append(delByText[srcUnits[si].text], si)
		}
	}
	movedDel := make(map[int]bool)
	movedIns := make(map[int]bool)
	var moves []Change
	for _, g := range raw {
		for _, ti := range g.inss {
			text := tgtUnits[ti].text
			candidates := delByText[text]
			if len(candidates) == 0 || trimmedEmpty(text) {
				continue
			}
			si := candidates[0]
			delByText[text] = candidates[1:]
			movedDel[si] = true
			movedIns[ti] = true
			moves = append(moves, Change{
				Type:        Move,
				SourceStart: srcUnits[si].start,
				SourceEnd:   srcUnits[si].start + runeLen(text),
				TargetStart: tgtUnits[ti].start,
				TargetEnd:   tgtUnits[ti].start + runeLen(text),
				Before:      text,
				After:       text,
			})
		}
	}

	gaps := make([]gap, 0, len(raw))
	for _, g := range raw {
		out := gap{srcAnchor: g.srcAnchor, tgtAnchor: g.tgtAnchor}
		for _, si := range g.dels {
			if !movedDel[si] {
				out.dels = append(out.dels, srcUnits[si])
			}
		}
		for _, ti := range g.inss {
			if !movedIns[ti] {
				out.inss = append(out.inss, tgtUnits[ti])
			}
		}
		if len(out.dels) > 0 || len(out.inss) > 0 {
			if len(out.dels) > 0 {
				out.srcAnchor = out.dels[0].start
			}
			if len(out.inss) > 0 {
				out.tgtAnchor = out.inss[0].start
			}
			gaps = append(gaps, out)
		}
	}
	return gaps, moves
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// changes renders one gap into change records. A gap holding one deleted run
// and one inserted run is a replacement; when the two sides are similar
// enough it is refined at token level, otherwise it stays one whole modify.
// Moves extracted earlier can leave non-contiguous survivors, so each side is
// first split into contiguous runs.
func (g gap) changes() []Change {
	delRuns := contiguousRuns(g.dels)
	insRuns := contiguousRuns(g.inss)

	if len(delRuns) == 1 && len(insRuns) == 1 {
		before := concatUnits(delRuns[0])
		after := concatUnits(insRuns[0])
		srcStart := delRuns[0][0].start
		tgtStart := insRuns[0][0].start

		if tokenSimilarity(before, after) >= refineThreshold {
			return refine(before, after, srcStart, tgtStart)
		}
		return []Change{{
			Type:        Modify,
			SourceStart: srcStart,
			SourceEnd:   srcStart + runeLen(before),
			TargetStart: tgtStart,
			TargetEnd:   tgtStart + runeLen(after),
			Before:      before,
			After:       after,
		}}
	}

	var out []Change
	for _, run := range delRuns {
		before := concatUnits(run)
		out = append(out, Change{
			Type:        Delete,
			SourceStart: run[0].start,
			SourceEnd:   run[0].start + runeLen(before),
			TargetStart: g.tgtAnchor,
			TargetEnd:   g.tgtAnchor,
			Before:      before,
		})
	}
	for _, run := range insRuns {
		after := concatUnits(run)
		out = append(out, Change{
			Type:        Insert,
			SourceStart: g.srcAnchor,
			SourceEnd:   g.srcAnchor,
			TargetStart: run[0].start,
			TargetEnd:   run[0].start + runeLen(after),
			After:       after,
		})
	}
	return out
}

func contiguousRuns(units []unit) [][]unit {
	var runs [][]unit
	for _, u := range units {
		if n := len(runs); n > 0 {
			last := runs[n-1]
			tail := last[len(last)-1]
			if tail.start+runeLen(tail.text) == u.start {
				runs[n-1] = append(last, u)
				continue
			}
		}
		runs = append(runs, []unit{u})
	}
	return runs
}

func concatUnits(units []unit) string {
	var out string
	for _, u := range units {
		out += u.text
	}
	return out
}

func sortChanges(changes []Change) {
	// Stable ordering by target position, then source position.
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0; j-- {
			a, b := changes[j-1], changes[j]
			if b.TargetStart < a.TargetStart || (b.TargetStart == a.TargetStart && b.SourceStart < a.SourceStart) {
				changes[j-1], changes[j] = b, a
			} else {
				break
			}
		}
	}
}

// similarity is 1 - normalized edit distance. Rune-level LCS gives the most
// faithful score; very large inputs fall back to token level to bound the
// quadratic table.
func similarity(source, target string) float64 {
	if source == target {
		return 1.0
	}
	a := []rune(source)
	b := []rune(target)
	if len(a)+len(b) == 0 {
		return 1.0
	}
	if len(a)*len(b) > 4_000_000 {
		ta := tokenTexts(tokenize(source))
		tb := tokenTexts(tokenize(target))
		if len(ta)+len(tb) == 0 {
			return 1.0
		}
		return 2 * float64(lcsLength(ta, tb)) / float64(len(ta)+len(tb))
	}
	sa := make([]string, len(a))
	for i, r := range a {
		sa[i] = string(r)
	}
	sb := make([]string, len(b))
	for i, r := range b {
		sb[i] = string(r)
	}
	return 2 * float64(lcsLength(sa, sb)) / float64(len(a)+len(b))
}
