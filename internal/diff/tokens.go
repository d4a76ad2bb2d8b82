package diff

import "unicode"

// token is a word, a whitespace run, or a single punctuation rune. Keeping
// punctuation separate lets the aligner anchor on sentence structure, so
// "30 days." against "45 days, net of taxes." yields a numeric modify plus a
// clause insert instead of one opaque replacement.
type token struct {
	text  string
	start int // rune offset within the owning string
}

func tokenize(s string) []token {
	runes := []rune(s)
	tokens := make([]token, 0, len(runes)/4+1)
	i := 0
	for i < len(runes) {
		start := i
		r := runes[i]
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) {
				i++
			}
		case unicode.IsSpace(r):
			for i < len(runes) && unicode.IsSpace(runes[i]) {
				i++
			}
		default:
			i++
		}
		tokens = append(tokens, token{text: string(runes[start:i]), start: start})
	}
	return tokens
}

func tokenTexts(tokens []token) []string {
	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = t.text
	}
	return texts
}

type alignKind int

const (
	alignMatch alignKind = iota
	alignDel
	alignIns
)

type alignOp struct {
	kind alignKind
	si   int
	ti   int
}

// align produces an edit script over two string sequences using an LCS table.
// The backtrack prefers deletions before insertions, which keeps the script
// stable for identical inputs.
func align(a, b []string) []alignOp {
	table := lcsTable(a, b)
	script := make([]alignOp, 0, len(a)+len(b))
	i, j := len(a), len(b)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && a[i-1] == b[j-1]:
			script = append(script, alignOp{kind: alignMatch, si: i - 1, ti: j - 1})
			i--
			j--
		case i > 0 && (j == 0 || table[i-1][j] >= table[i][j-1]):
			script = append(script, alignOp{kind: alignDel, si: i - 1})
			i--
		default:
			script = append(script, alignOp{kind: alignIns, ti: j - 1})
			j--
		}
	}
	// Reverse into forward order.
	for l, r := 0, len(script)-1; l < r; l, r = l+1, r-1 {
		script[l], script[r] = script[r], script[l]
	}
	return script
}

func lcsTable(a, b []string) [][]int {
	table := make([][]int, len(a)+1)
	for i := range table {
		table[i] = make([]int, len(b)+1)
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				table[i][j] = table[i-1][j-1] + 1
			} else if table[i-1][j] >= table[i][j-1] {
				table[i][j] = table[i-1][j]
			} else {
				table[i][j] = table[i][j-1]
			}
		}
	}
	return table
}

func lcsLength(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Two-row table; only the length is needed here.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// tokenSimilarity ignores whitespace tokens: shared spacing says nothing
// about whether two clauses are edits of each other.
func tokenSimilarity(a, b string) float64 {
	ta := wordTexts(tokenize(a))
	tb := wordTexts(tokenize(b))
	if len(ta)+len(tb) == 0 {
		return 1.0
	}
	return 2 * float64(lcsLength(ta, tb)) / float64(len(ta)+len(tb))
}

func wordTexts(tokens []token) []string {
	texts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !trimmedEmpty(t.text) {
			texts = append(texts, t.text)
		}
	}
	return texts
}

// refine diffs a replaced region at token granularity, producing localized
// sub-changes with offsets rebased onto the whole documents.
func refine(before, after string, srcBase, tgtBase int) []Change {
	aTokens := tokenize(before)
	bTokens := tokenize(after)
	script := align(tokenTexts(aTokens), tokenTexts(bTokens))

	var out []Change
	var dels, inss []token
	srcOff, tgtOff := 0, 0

	flush := func() {
		if len(dels) == 0 && len(inss) == 0 {
			return
		}
		change := Change{
			SourceStart: srcBase + srcOff,
			SourceEnd:   srcBase + srcOff,
			TargetStart: tgtBase + tgtOff,
			TargetEnd:   tgtBase + tgtOff,
		}
		if len(dels) > 0 {
			change.SourceStart = srcBase + dels[0].start
			change.SourceEnd = srcBase + dels[len(dels)-1].start + runeLen(dels[len(dels)-1].text)
			change.Before = joinTokens(dels)
		}
		if len(inss) > 0 {
			change.TargetStart = tgtBase + inss[0].start
			change.TargetEnd = tgtBase + inss[len(inss)-1].start + runeLen(inss[len(inss)-1].text)
			change.After = joinTokens(inss)
		}
		switch {
		case len(dels) > 0 && len(inss) > 0:
			change.Type = Modify
		case len(dels) > 0:
			change.Type = Delete
		default:
			change.Type = Insert
		}
		out = append(out, change)
		dels = dels[:0]
		inss = inss[:0]
	}

	for _, op := range script {
		switch op.kind {
		case alignMatch:
			flush()
			srcOff = aTokens[op.si].start + runeLen(aTokens[op.si].text)
			tgtOff = bTokens[op.ti].start + runeLen(bTokens[op.ti].text)
		case alignDel:
			dels = append(dels, aTokens[op.si])
		case alignIns:
			inss = append(inss, bTokens[op.ti])
		}
	}
	flush()
	return out
}

func joinTokens(tokens []token) string {
	var out string
	for _, t := range tokens {
		out += t.text
	}
	return out
}
