package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Zazzles2908/exai-gateway/internal/config"
	"github.com/Zazzles2908/exai-gateway/internal/gateway"
	"github.com/Zazzles2908/exai-gateway/internal/provider"
)

// registerProviders wires the upstream chat backends configured via
// environment. A provider is registered when its *_API_URL is set.
func registerProviders(server *gateway.Server, cfg *config.Config, logger zerolog.Logger) {
	store := provider.NewCacheTokenStore(cfg.CacheTokenCapacity, cfg.CacheTokenTTL)
	headers := provider.NewHeaderBuilder(cfg.HeaderByteCap)

	type upstream struct {
		name    string
		urlEnv  string
		keyEnv  string
		model   string
		timeout time.Duration
		traceOn bool
	}
	upstreams := []upstream{
		{
			name:    "kimi",
			urlEnv:  "KIMI_API_URL",
			keyEnv:  "KIMI_API_KEY",
			model:   "kimi-k2",
			timeout: time.Duration(cfg.KimiSessionTimeout) * time.Second,
			traceOn: true,
		},
		{
			name:    "glm",
			urlEnv:  "GLM_API_URL",
			keyEnv:  "GLM_API_KEY",
			model:   "glm-4",
			timeout: time.Duration(cfg.GLMTimeout) * time.Second,
		},
	}

	registered := 0
	for _, u := range upstreams {
		url := os.Getenv(u.urlEnv)
		if url == "" {
			continue
		}
		client := &upstreamClient{
			name:    u.name,
			url:     url,
			apiKey:  os.Getenv(u.keyEnv),
			model:   u.model,
			traceOn: u.traceOn,
			headers: headers,
			tokens:  store,
			http:    &http.Client{Timeout: u.timeout + 5*time.Second},
			logger:  logger,
		}
		server.RegisterProvider(u.name, client.Chat, u.timeout)
		registered++
	}

	if registered == 0 {
		logger.Warn().Msg("No providers configured; set KIMI_API_URL or GLM_API_URL")
	}
}

// upstreamClient is a minimal OpenAI-compatible chat client with context-cache
// token handling.
type upstreamClient struct {
	name    string
	url     string
	apiKey  string
	model   string
	traceOn bool
	headers *provider.HeaderBuilder
	tokens  *provider.CacheTokenStore
	http    *http.Client
	logger  zerolog.Logger
}

// Chat implements provider.ProviderFunc.
func (c *upstreamClient) Chat(ctx context.Context, messages []provider.ChatMessage) (*provider.ChatResponse, error) {
	body, err := json.Marshal(map[string]any{
		"model":    c.model,
		"messages": messages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	prefixHash := provider.PrefixHash(messages)
	cacheToken, _ := c.tokens.Get(c.name, "chat", prefixHash)
	for key, values := range c.headers.Build(provider.HeaderOptions{
		IdempotencyKey: uuid.NewString(),
		TraceMode:      c.traceOn,
		CacheToken:     cacheToken,
	}) {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response read failed: %w", c.name, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", c.name, httpResp.StatusCode, truncateBody(data))
	}

	if saved := provider.ExtractCacheToken(httpResp.Header); saved != "" {
		c.tokens.Put(c.name, "chat", prefixHash, saved)
	}

	var resp provider.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s response decode failed: %w", c.name, err)
	}
	return &resp, nil
}

func truncateBody(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
