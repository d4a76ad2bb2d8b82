// Package collab owns live redline sessions: the ordered operation log, the
// merged document state, and the transform rules that keep concurrent editors
// convergent. One sequencer per session applies operations in causal order;
// everything else in the process only reads snapshots.
package collab

import (
	"context"
	"errors"
)

// Operation kinds.
const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpFormat = "format"
)

var (
	// ErrSessionClosed rejects log writes after a terminal transition.
	ErrSessionClosed = errors.New("collab: session closed")
	// ErrSessionUnknown reports a session the manager is not tracking.
	ErrSessionUnknown = errors.New("collab: session unknown")
	// ErrOutOfOrder reports an operation whose declared predecessor state is
	// beyond the log; the client must resynchronize from the latest snapshot.
	ErrOutOfOrder = errors.New("collab: operation predecessor unknown")
	// ErrStaleOperation reports a client sequence number already applied.
	ErrStaleOperation = errors.New("collab: operation already applied")
	// ErrInvalidOperation reports a malformed operation payload.
	ErrInvalidOperation = errors.New("collab: invalid operation")
)

// Operation is a client-submitted edit. ParentSeq declares the last
// server-assigned sequence the author had applied locally when producing the
// operation; ClientSeq is the author's own dense counter, used to buffer
// deliveries that arrive ahead of their per-author predecessor.
type Operation struct {
	ID          string
	Author      string
	Kind        string
	Position    int
	Length      int
	Text        string
	Attributes  map[string]string
	ParentSeq   int64
	ClientSeq   int64
	LogicalTime int64
}

// span is a half-open range in document coordinates.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Applied is an operation after transformation, as it entered the log.
// AppliedPos/AppliedSpans are in the coordinates of the document state it
// applied to; the embedded Operation keeps the author's original fields.
type Applied struct {
	Operation
	Seq          int64
	AppliedPos   int
	AppliedSpans []span
}

// Message is the wire schema delivered to other participants through the
// injected broadcaster.
type Message struct {
	SessionID  string            `json:"sessionId"`
	Seq        int64             `json:"seq"`
	Author     string            `json:"author"`
	Kind       string            `json:"kind"`
	Position   int               `json:"position"`
	Length     int               `json:"length"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Broadcaster is the realtime transport capability. Implementations deliver
// applied operations and presence updates; the manager does not care how.
type Broadcaster interface {
	Publish(ctx context.Context, msg Message) error
}

// NopBroadcaster drops every message; useful in tests and single-node dev.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(context.Context, Message) error { return nil }
