package provider

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeaderBuilderFullSet(t *testing.T) {
	b := NewHeaderBuilder(0)

	h := b.Build(HeaderOptions{
		IdempotencyKey: "call-1",
		TraceMode:      true,
		CacheID:        "cache-abc",
		ResetCacheTTL:  true,
		CacheToken:     "tok-xyz",
	})

	assert.Equal(t, "call-1", h.Get(HeaderIdempotencyKey))
	assert.Equal(t, "on", h.Get(HeaderTraceMode))
	assert.Equal(t, "cache-abc", h.Get(HeaderContextCache))
	assert.Equal(t, "3600", h.Get(HeaderContextCacheTTL))
	assert.Equal(t, "tok-xyz", h.Get(HeaderCacheToken))
}

func TestHeaderBuilderOmitsEmptyValues(t *testing.T) {
	b := NewHeaderBuilder(0)

	h := b.Build(HeaderOptions{})
	assert.Empty(t, h)
}

func TestHeaderBuilderDropsOversizedValues(t *testing.T) {
	b := NewHeaderBuilder(16)

	h := b.Build(HeaderOptions{
		IdempotencyKey: strings.Repeat("x", 17),
		CacheToken:     "short",
	})

	assert.Empty(t, h.Get(HeaderIdempotencyKey), "oversized value must be dropped, not truncated")
	assert.Equal(t, "short", h.Get(HeaderCacheToken))
}

func TestHeaderBuilderSkipsTTLWithoutCacheID(t *testing.T) {
	b := NewHeaderBuilder(0)

	h := b.Build(HeaderOptions{ResetCacheTTL: true})
	assert.Empty(t, h.Get(HeaderContextCacheTTL))
}

func TestExtractCacheTokenCaseInsensitive(t *testing.T) {
	h := make(http.Header)
	h.Set("msh-context-cache-token-saved", "tok-1")

	assert.Equal(t, "tok-1", ExtractCacheToken(h))
}

func TestCacheTokenStoreRoundTrip(t *testing.T) {
	s := NewCacheTokenStore(4, time.Minute)

	s.Put("sess1", "chat", "hash1", "tok-1")
	got, ok := s.Get("sess1", "chat", "hash1")
	assert.True(t, ok)
	assert.Equal(t, "tok-1", got)

	_, ok = s.Get("sess2", "chat", "hash1")
	assert.False(t, ok, "keys must be scoped by session")
	_, ok = s.Get("sess1", "analyze", "hash1")
	assert.False(t, ok, "keys must be scoped by tool")
}

func TestCacheTokenStoreIgnoresEmptyToken(t *testing.T) {
	s := NewCacheTokenStore(4, time.Minute)
	s.Put("sess1", "chat", "hash1", "")
	assert.Equal(t, 0, s.Len())
}

func TestCacheTokenStoreEvictsPastCapacity(t *testing.T) {
	s := NewCacheTokenStore(2, time.Minute)

	s.Put("s1", "t", "h", "tok-1")
	s.Put("s2", "t", "h", "tok-2")
	s.Put("s3", "t", "h", "tok-3")

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("s1", "t", "h")
	assert.False(t, ok, "oldest entry must be evicted")
}

func TestPrefixHashDistinguishesConversations(t *testing.T) {
	a := PrefixHash([]ChatMessage{{Role: "user", Content: "hello"}})
	b := PrefixHash([]ChatMessage{{Role: "user", Content: "goodbye"}})
	c := PrefixHash([]ChatMessage{{Role: "user", Content: "hello"}})

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
}
