package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/cache"
	"github.com/miradorstack/mirador-logrca/internal/engine"
)

// CachedCompleter memoises completions per model and prompt.
type CachedCompleter struct {
	inner  engine.Completer
	cache  cache.Provider
	ttl    time.Duration
	model  string
	logger *slog.Logger
}

// NewCachedCompleter wraps inner; a nil provider disables caching.
func NewCachedCompleter(logger *slog.Logger, inner engine.Completer, provider cache.Provider, model string, ttl time.Duration) *CachedCompleter {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedCompleter{inner: inner, cache: provider, ttl: ttl, model: model, logger: logger}
}

// Complete returns a cached completion or delegates and stores the reply.
func (c *CachedCompleter) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	key := c.key(prompt)
	if data, err := c.cache.Get(ctx, key); err == nil && len(data) > 0 {
		return string(data), nil
	} else if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("completion cache read failed", slog.Any("error", err))
	}

	text, err := c.inner.Complete(ctx, prompt, timeout)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, key, []byte(text), c.ttl); err != nil {
		c.logger.Warn("completion cache write failed", slog.Any("error", err))
	}
	return text, nil
}

// Ping delegates to the wrapped completer when it supports probing.
func (c *CachedCompleter) Ping(ctx context.Context) error {
	if p, ok := c.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *CachedCompleter) key(prompt string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + prompt))
	return cache.Key("completion", hex.EncodeToString(sum[:]))
}
