package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// mark is one applied formatting span. Effective values are resolved at read
// time: the highest logical timestamp wins per attribute key.
type mark struct {
	span        span
	key, value  string
	logicalTime int64
	author      string
}

type session struct {
	mu         sync.Mutex
	id         string
	doc        []rune
	log        []Applied
	seq        int64
	clientSeqs map[string]int64
	pending    map[string][]Operation
	marks      []mark
	closed     bool
}

// Manager sequences operations for every live session. Each session has its
// own lock, so application is serialized per session while independent
// sessions proceed in parallel.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*session
	broadcaster Broadcaster
	logger      zerolog.Logger
}

func NewManager(broadcaster Broadcaster, logger zerolog.Logger) *Manager {
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &Manager{
		sessions:    make(map[string]*session),
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Open starts tracking a session whose merged document begins as base.
func (m *Manager) Open(sessionID, base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	m.sessions[sessionID] = &session{
		id:         sessionID,
		doc:        []rune(base),
		clientSeqs: make(map[string]int64),
		pending:    make(map[string][]Operation),
	}
}

// Replay rebuilds a session's merged state from its persisted log, e.g. after
// a restart. Operations must be supplied in log order; each is re-transformed
// exactly as it was originally, so the result is identical.
func (m *Manager) Replay(sessionID, base string, ops []Operation) error {
	m.Open(sessionID, base)
	for _, op := range ops {
		if _, err := m.Submit(context.Background(), sessionID, op); err != nil {
			return fmt.Errorf("replay operation %s: %w", op.ID, err)
		}
	}
	return nil
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}
	return sess, nil
}

// Submit validates, sequences, transforms, and applies one operation. When
// the operation fills a per-author gap, buffered successors are drained in
// the same call; every entry of the returned slice was appended to the log
// and broadcast.
func (m *Manager) Submit(ctx context.Context, sessionID string, op Operation) ([]Applied, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return nil, ErrSessionClosed
	}
	if err := validate(op); err != nil {
		return nil, err
	}
	if op.ParentSeq > sess.seq {
		return nil, ErrOutOfOrder
	}
	last := sess.clientSeqs[op.Author]
	if op.ClientSeq <= last {
		return nil, ErrStaleOperation
	}
	if op.ClientSeq > last+1 {
		// Delivery raced ahead of its per-author predecessor; hold it until
		// the gap fills.
		sess.buffer(op)
		return nil, nil
	}

	applied := []Applied{sess.apply(op)}
	applied = append(applied, sess.drain(op.Author)...)

	for _, entry := range applied {
		m.publish(ctx, sess.id, entry)
	}
	return applied, nil
}

func validate(op Operation) error {
	switch op.Kind {
	case OpInsert:
		if op.Text == "" || op.Position < 0 {
			return ErrInvalidOperation
		}
	case OpDelete:
		if op.Length <= 0 || op.Position < 0 {
			return ErrInvalidOperation
		}
	case OpFormat:
		if len(op.Attributes) == 0 || op.Length <= 0 || op.Position < 0 {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	if op.ClientSeq <= 0 || op.ParentSeq < 0 {
		return ErrInvalidOperation
	}
	return nil
}

func (s *session) buffer(op Operation) {
	queue := append(s.pending[op.Author], op)
	sort.Slice(queue, func(i, j int) bool { return queue[i].ClientSeq < queue[j].ClientSeq })
	s.pending[op.Author] = queue
}

func (s *session) drain(author string) []Applied {
	var out []Applied
	for {
		queue := s.pending[author]
		if len(queue) == 0 || queue[0].ClientSeq != s.clientSeqs[author]+1 {
			return out
		}
		next := queue[0]
		s.pending[author] = queue[1:]
		out = append(out, s.apply(next))
	}
}

// apply rebases op over every log entry after its declared predecessor and
// splices the result into the merged document.
func (s *session) apply(op Operation) Applied {
	pos := op.Position
	spans := []span{{op.Position, op.Position + op.Length}}

	// The author's own entries after ParentSeq were already part of the
	// author's local state when op was produced, so op is not rebased over
	// them. Concurrent other-author entries are; each own entry encountered
	// lifts the entries collected so far over its original client fields, so
	// every rebase step happens in the frame op was authored against.
	var concurrent []Applied
	for _, prior := range s.log {
		if prior.Seq <= op.ParentSeq {
			continue
		}
		if prior.Author == op.Author {
			for i := range concurrent {
				concurrent[i] = liftOver(concurrent[i], prior.Operation)
			}
			continue
		}
		concurrent = append(concurrent, prior)
	}
	for _, prior := range concurrent {
		pos, spans = rebaseStep(op.Kind, pos, spans, op.Author, prior)
	}

	s.seq++
	applied := Applied{
		Operation:    op,
		Seq:          s.seq,
		AppliedPos:   pos,
		AppliedSpans: spans,
	}

	switch op.Kind {
	case OpInsert:
		applied.AppliedPos = clamp(pos, len(s.doc))
		s.insert(applied.AppliedPos, op.Text)
	case OpDelete:
		applied.AppliedSpans = clampSpans(spans, len(s.doc))
		s.delete(applied.AppliedSpans)
	case OpFormat:
		applied.AppliedSpans = clampSpans(spans, len(s.doc))
		s.format(applied.AppliedSpans, op)
	}

	s.log = append(s.log, applied)
	s.clientSeqs[op.Author] = op.ClientSeq
	return applied
}

func rebaseStep(kind string, pos int, spans []span, author string, prior Applied) (int, []span) {
	if kind == OpInsert {
		newPos, _ := rebase(kind, pos, nil, author, prior)
		return newPos, spans
	}
	_, newSpans := rebase(kind, pos, spans, author, prior)
	return pos, newSpans
}

func (s *session) insert(pos int, text string) {
	payload := []rune(text)
	s.doc = append(s.doc[:pos], append(append([]rune{}, payload...), s.doc[pos:]...)...)
	for i := range s.marks {
		m := &s.marks[i]
		if m.span.start >= pos {
			m.span.start += len(payload)
			m.span.end += len(payload)
		} else if m.span.end > pos {
			m.span.end += len(payload)
		}
	}
}

func (s *session) delete(spans []span) {
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		s.doc = append(s.doc[:sp.start], s.doc[sp.end:]...)
	}
	for i := range s.marks {
		m := &s.marks[i]
		m.span.start = transformPos(m.span.start, spans)
		m.span.end = transformPos(m.span.end, spans)
	}
}

func (s *session) format(spans []span, op Operation) {
	for _, sp := range spans {
		for key, value := range op.Attributes {
			s.marks = append(s.marks, mark{
				span:        sp,
				key:         key,
				value:       value,
				logicalTime: op.LogicalTime,
				author:      op.Author,
			})
		}
	}
}

func clamp(pos, max int) int {
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}

func clampSpans(spans []span, max int) []span {
	out := make([]span, 0, len(spans))
	for _, sp := range spans {
		start := clamp(sp.start, max)
		end := clamp(sp.end, max)
		if end > start {
			out = append(out, span{start, end})
		}
	}
	return out
}

func (m *Manager) publish(ctx context.Context, sessionID string, entry Applied) {
	length := 0
	for _, sp := range entry.AppliedSpans {
		length += sp.len()
	}
	msg := Message{
		SessionID:  sessionID,
		Seq:        entry.Seq,
		Author:     entry.Author,
		Kind:       entry.Kind,
		Position:   entry.AppliedPos,
		Length:     length,
		Text:       entry.Text,
		Attributes: entry.Attributes,
	}
	if err := m.broadcaster.Publish(ctx, msg); err != nil {
		m.logger.Warn().Err(err).Str("session", sessionID).Int64("seq", entry.Seq).
			Msg("broadcast operation failed")
	}
}

// Snapshot returns the merged document and the sequence it reflects.
func (m *Manager) Snapshot(sessionID string) (string, int64, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return "", 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return string(sess.doc), sess.seq, nil
}

// AttributesAt resolves the effective formatting at one position; the highest
// logical timestamp wins per key, author name breaking exact ties.
func (m *Manager) AttributesAt(sessionID string, pos int) (map[string]string, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	type winner struct {
		value       string
		logicalTime int64
		author      string
	}
	winners := make(map[string]winner)
	for _, mk := range sess.marks {
		if pos < mk.span.start || pos >= mk.span.end {
			continue
		}
		current, ok := winners[mk.key]
		if !ok || mk.logicalTime > current.logicalTime ||
			(mk.logicalTime == current.logicalTime && mk.author > current.author) {
			winners[mk.key] = winner{mk.value, mk.logicalTime, mk.author}
		}
	}
	out := make(map[string]string, len(winners))
	for key, w := range winners {
		out[key] = w.value
	}
	return out, nil
}

// Close freezes the session and returns the final merged document. Every
// later Submit fails with ErrSessionClosed; the status transition in the
// database is the durable barrier, this is the in-memory one.
func (m *Manager) Close(sessionID string) (string, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return "", ErrSessionClosed
	}
	sess.closed = true
	return string(sess.doc), nil
}

// Discard drops a session's in-memory state entirely.
func (m *Manager) Discard(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
