package provider

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheTokenStore remembers provider-issued context-cache tokens so follow-up
// calls with the same conversation prefix can skip prompt re-processing.
// Backed by an expirable LRU; entries age out after the TTL and the oldest
// are evicted past capacity. All state is in-memory.
type CacheTokenStore struct {
	lru *expirable.LRU[string, string]
}

// NewCacheTokenStore creates a store with the given capacity and TTL.
func NewCacheTokenStore(capacity int, ttl time.Duration) *CacheTokenStore {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	return &CacheTokenStore{
		lru: expirable.NewLRU[string, string](capacity, nil, ttl),
	}
}

// Put stores a token under (sessionID, toolName, prefixHash).
func (s *CacheTokenStore) Put(sessionID, toolName, prefixHash, token string) {
	if token == "" {
		return
	}
	s.lru.Add(key(sessionID, toolName, prefixHash), token)
}

// Get returns the token for (sessionID, toolName, prefixHash) if present and
// unexpired.
func (s *CacheTokenStore) Get(sessionID, toolName, prefixHash string) (string, bool) {
	return s.lru.Get(key(sessionID, toolName, prefixHash))
}

// Len returns the number of live entries.
func (s *CacheTokenStore) Len() int {
	return s.lru.Len()
}

func key(sessionID, toolName, prefixHash string) string {
	return sessionID + "|" + toolName + "|" + prefixHash
}

// PrefixHash fingerprints a conversation prefix for cache-token keying.
func PrefixHash(messages []ChatMessage) string {
	h := xxhash.New()
	for _, m := range messages {
		h.WriteString(m.Role)
		h.WriteString("\x00")
		h.WriteString(m.Content)
		h.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
