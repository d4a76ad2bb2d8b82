// Package util holds small helpers with no domain knowledge.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idEntropy = 16

// NewID returns a random identifier tagged with a short type prefix. The
// service uses "ctr" for contracts, "ver" for versions, "cmp" for
// comparisons, "chg" for changes, "cmt" for comments, "ses" for sessions,
// "prt" for participants, and "usr" for users; an empty prefix yields the
// bare hex string.
func NewID(prefix string) string {
	buf := make([]byte, idEntropy)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
