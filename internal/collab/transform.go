package collab

// Operational-transform rebasing. A newly submitted operation was authored
// against the document state at its ParentSeq; before application it is
// rebased over every operation that entered the log after that point. Deleted
// ranges act as tombstones: a position that falls inside one resolves to the
// start of the deleted range instead of being rejected.

// transformPos rebases a single position over deleted spans (pre-application
// coordinates, ascending). Positions inside a deleted range collapse to the
// range start.
func transformPos(pos int, spans []span) int {
	shift := 0
	for _, s := range spans {
		if pos >= s.end {
			shift += s.len()
			continue
		}
		if pos > s.start {
			return s.start - shift
		}
		break
	}
	return pos - shift
}

// transformInsertPos rebases an insert position over a prior insert. Ties are
// broken by author so both application orders agree on which text comes
// first.
func transformInsertPos(pos int, author string, prior Applied) int {
	if pos < prior.AppliedPos {
		return pos
	}
	if pos == prior.AppliedPos && author < prior.Author {
		return pos
	}
	return pos + len([]rune(prior.Text))
}

// transformSpansOverInsert rebases ranges over a prior insert. An insert
// strictly inside a range splits it: the inserted text was never seen by the
// range's author and must survive.
func transformSpansOverInsert(spans []span, prior Applied) []span {
	length := len([]rune(prior.Text))
	out := make([]span, 0, len(spans)+1)
	for _, s := range spans {
		switch {
		case prior.AppliedPos <= s.start:
			out = append(out, span{s.start + length, s.end + length})
		case prior.AppliedPos >= s.end:
			out = append(out, s)
		default:
			out = append(out, span{s.start, prior.AppliedPos})
			out = append(out, span{prior.AppliedPos + length, s.end + length})
		}
	}
	return out
}

// transformSpansOverDelete rebases ranges over prior deleted spans. Overlap
// with an already-deleted region simply truncates: both ends collapse through
// the tombstone rule and empty results are dropped.
func transformSpansOverDelete(spans []span, prior []span) []span {
	out := make([]span, 0, len(spans))
	for _, s := range spans {
		start := transformPos(s.start, prior)
		end := transformPos(s.end, prior)
		if end > start {
			out = append(out, span{start, end})
		}
	}
	return out
}

// rebase transforms op against one prior log entry.
func rebase(kind string, pos int, spans []span, author string, prior Applied) (int, []span) {
	switch prior.Kind {
	case OpInsert:
		if kind == OpInsert {
			return transformInsertPos(pos, author, prior), nil
		}
		return 0, transformSpansOverInsert(spans, prior)
	case OpDelete:
		if kind == OpInsert {
			return transformPos(pos, prior.AppliedSpans), nil
		}
		return 0, transformSpansOverDelete(spans, prior.AppliedSpans)
	default:
		// Formatting never moves text.
		return pos, spans
	}
}

// liftOver transforms a collected concurrent log entry over one of the
// submitting author's own operations, using the own operation's original
// client fields. The author's local state already contained that operation
// untransformed, so lifting the concurrent entry this way puts both sides in
// the coordinate frame the incoming operation was authored against.
func liftOver(img Applied, own Operation) Applied {
	switch own.Kind {
	case OpInsert:
		ownImage := Applied{Operation: own, AppliedPos: own.Position}
		if img.Kind == OpInsert {
			img.AppliedPos = transformInsertPos(img.AppliedPos, img.Author, ownImage)
		} else {
			img.AppliedSpans = transformSpansOverInsert(img.AppliedSpans, ownImage)
		}
	case OpDelete:
		del := []span{{own.Position, own.Position + own.Length}}
		if img.Kind == OpInsert {
			img.AppliedPos = transformPos(img.AppliedPos, del)
		} else {
			img.AppliedSpans = transformSpansOverDelete(img.AppliedSpans, del)
		}
	}
	return img
}
