// Package kv abstracts the TTL-backed key-value store the service
// keeps all of its state in: submissions, replay marks, nonces and
// export tokens.
//
// Three implementations are provided: an in-memory store for tests and
// single-node runs, a Redis-backed store for production, and a
// Postgres-backed store for deployments that already run a database.
// The store offers no transactions; the only atomic primitive is
// PutIfAbsent, which the replay guard and nonce tracking rely on.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value interface the service requires from its
// backing store: point reads, TTL writes, an atomic insert-if-absent,
// deletes, and cursor-based key listing.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PutIfAbsent stores value under key only if the key does not
	// exist, atomically where the backend supports it. Returns true
	// if the value was stored.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys starting after cursor, along
	// with the cursor for the next page. An empty cursor starts from
	// the beginning; an empty next cursor means the listing is done.
	List(ctx context.Context, cursor string, limit int) (keys []string, next string, err error)
}
