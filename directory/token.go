package directory

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// TokenHasher computes a keyed blake2b-256 digest of session auth tokens
// (spec §6 Auth handshake), so neither the registry nor its logs ever
// carry a raw credential, only its digest.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher builds a hasher keyed with key. An empty key still
// produces a valid (unkeyed) blake2b-256 hash.
func NewTokenHasher(key []byte) (*TokenHasher, error) {
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("directory: invalid token hasher key: %w", err)
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &TokenHasher{key: cp}, nil
}

func (t *TokenHasher) Hash(token []byte) [32]byte {
	h, _ := blake2b.New256(t.key) // key length validated in NewTokenHasher
	h.Write(token)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// TokenStore maps hashed session tokens to user ids. Gateways look up
// incoming Auth credentials here instead of comparing raw bytes, so a
// leaked registry snapshot or log line never discloses a usable token.
type TokenStore struct {
	hasher *TokenHasher

	mu     sync.RWMutex
	tokens map[[32]byte]uint64
}

func NewTokenStore(hasher *TokenHasher) *TokenStore {
	return &TokenStore{hasher: hasher, tokens: make(map[[32]byte]uint64)}
}

// Issue registers token as a valid credential for userID, replacing any
// prior holder of the same token.
func (s *TokenStore) Issue(token []byte, userID uint64) {
	sum := s.hasher.Hash(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sum] = userID
}

// Revoke removes token, if present.
func (s *TokenStore) Revoke(token []byte) {
	sum := s.hasher.Hash(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sum)
}

// Lookup resolves token to the user id it was issued to.
func (s *TokenStore) Lookup(token []byte) (uint64, bool) {
	sum := s.hasher.Hash(token)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[sum]
	return id, ok
}

// Len reports the number of tokens currently issued, for metrics/tests.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
