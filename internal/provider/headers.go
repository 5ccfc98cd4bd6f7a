package provider

import "net/http"

// Provider header names. The Msh-* family belongs to context caching and
// trace control on compatible providers.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderTraceMode       = "Msh-Trace-Mode"
	HeaderContextCache    = "X-Msh-Context-Cache"
	HeaderContextCacheTTL = "X-Msh-Context-Cache-Reset-TTL"
	HeaderCacheToken      = "Msh-Context-Cache-Token"
	HeaderCacheTokenSaved = "Msh-Context-Cache-Token-Saved"
	defaultCacheResetTTL  = "3600"
	DefaultHeaderByteCap  = 4096
)

// HeaderOptions describes the optional headers for one provider call.
type HeaderOptions struct {
	IdempotencyKey string
	TraceMode      bool
	CacheID        string
	ResetCacheTTL  bool
	CacheToken     string
}

// HeaderBuilder assembles provider request headers with a byte cap on every
// value. Oversized values are dropped silently rather than truncated, since a
// partial cache token or idempotency key is worse than none.
type HeaderBuilder struct {
	byteCap int
}

// NewHeaderBuilder creates a builder; byteCap <= 0 selects the default.
func NewHeaderBuilder(byteCap int) *HeaderBuilder {
	if byteCap <= 0 {
		byteCap = DefaultHeaderByteCap
	}
	return &HeaderBuilder{byteCap: byteCap}
}

// Build returns the headers for a call.
func (b *HeaderBuilder) Build(opts HeaderOptions) http.Header {
	h := make(http.Header)
	b.set(h, HeaderIdempotencyKey, opts.IdempotencyKey)
	if opts.TraceMode {
		b.set(h, HeaderTraceMode, "on")
	}
	if opts.CacheID != "" {
		b.set(h, HeaderContextCache, opts.CacheID)
		if opts.ResetCacheTTL {
			b.set(h, HeaderContextCacheTTL, defaultCacheResetTTL)
		}
	}
	b.set(h, HeaderCacheToken, opts.CacheToken)
	return h
}

func (b *HeaderBuilder) set(h http.Header, key, value string) {
	if value == "" || len(value) > b.byteCap {
		return
	}
	h.Set(key, value)
}

// ExtractCacheToken pulls the saved context-cache token from a provider
// response. Header lookup is case-insensitive.
func ExtractCacheToken(h http.Header) string {
	return h.Get(HeaderCacheTokenSaved)
}
