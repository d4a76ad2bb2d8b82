// Package objstore stores version content bytes outside the database. Blobs
// are content-addressed: the key is the hex SHA-256 of the content, so writes
// are idempotent and a version row only carries the reference.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound reports a reference with no stored blob.
var ErrNotFound = errors.New("objstore: blob not found")

// Store is the content blob capability used by the version service.
type Store interface {
	Put(ctx context.Context, content string) (string, error)
	Get(ctx context.Context, ref string) (string, error)
}

// Ref returns the content-addressed key for a blob.
func Ref(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
