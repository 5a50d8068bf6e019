// Package cache defines the gateway's collaborator interface onto the
// external message cache (a sorted-set-per-conversation store plus a
// per-user inbox), per SPEC_FULL.md §6's keyspace, and a Redis-backed
// implementation.
package cache

import "context"

// ScoredMember is one entry of a ZRevRangeWithScores result: the stored
// member bytes and the score it was stored under.
type ScoredMember struct {
	Member []byte
	Score  float64
}

// Store is the keyspace the gateway's IO task (C7) speaks to: per-
// conversation sorted sets scored by seqnum and per-user inbox sorted sets
// scored by timestamp, plus a flat key/value space.
type Store interface {
	// ZAdd inserts member into the sorted set at key with the given score
	// (the seqnum for msg:{key}, the timestamp for inbox:{user}), for later
	// ordered retrieval.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error

	// ZRevRangeWithScores returns up to count members of the sorted set at
	// key in descending score order, newest first.
	ZRevRangeWithScores(ctx context.Context, key string, count int64) ([]ScoredMember, error)

	// Set stores value under key.
	Set(ctx context.Context, key string, value []byte) error

	// Get retrieves the value stored under key, or ok=false if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Close() error
}
