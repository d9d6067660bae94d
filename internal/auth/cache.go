package auth

import (
	"context"
	"sync"
)

// TokenFetcher produces live tokens.
type TokenFetcher interface {
	Token(ctx context.Context) (string, error)
}

// CachingTokenSource remembers the last token its fetcher produced so callers can fall back to it.
type CachingTokenSource struct {
	src TokenFetcher

	mu   sync.RWMutex
	last string
}

// NewCachingTokenSource wraps src.
func NewCachingTokenSource(src TokenFetcher) *CachingTokenSource {
	return &CachingTokenSource{src: src}
}

// Token fetches a live token and records it on success.
func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := c.src.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok != "" {
		c.mu.Lock()
		c.last = tok
		c.mu.Unlock()
	}
	return tok, nil
}

// Cached returns the last token fetched successfully.
func (c *CachingTokenSource) Cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last != ""
}
