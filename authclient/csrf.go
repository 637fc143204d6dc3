package authclient

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CSRFCookieName is the cookie the backend mirrors the CSRF token into.
const CSRFCookieName = "csrf_token"

// FetchFunc retrieves a CSRF token from the backend.
type FetchFunc func(ctx context.Context) (string, error)

// CSRFCache holds the current CSRF token. Concurrent misses share a single
// fetch. Safe for concurrent use.
type CSRFCache struct {
	fetch   FetchFunc
	cookies CookieStore
	events  Events
	logger  *slog.Logger

	mu    sync.Mutex
	token string
	gen   uint64 // bumped by Clear; fetches started under an older gen are not cached

	group singleflight.Group
}

// NewCSRFCache returns an empty cache. cookies may be nil.
func NewCSRFCache(fetch FetchFunc, cookies CookieStore) *CSRFCache {
	return &CSRFCache{
		fetch:   fetch,
		cookies: cookies,
		events:  NopEvents{},
		logger:  slog.New(slog.DiscardHandler),
	}
}

// Token returns the cached token, falling back to the csrf_token cookie and
// then to the CSRF endpoint. Endpoint failures and caller cancellation are
// returned as *CSRFError.
func (c *CSRFCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, gen := c.token, c.gen
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	if c.cookies != nil {
		if v, ok := c.cookies.Cookie(CSRFCookieName); ok && v != "" {
			c.store(gen, v)
			c.logger.DebugContext(ctx, "csrf token read from cookie")
			c.events.CSRFTokenFetched(SourceCookie)
			return v, nil
		}
	}

	// Keyed by generation so callers arriving after Clear do not join a
	// fetch that started before it.
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		// A flight that finished between the cache check and DoChan has
		// already stored the token.
		if token, ok := c.cachedAt(gen); ok {
			return token, nil
		}
		token, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", &CSRFError{Err: errInvalidCSRFResponse}
		}
		c.store(gen, token)
		c.logger.DebugContext(ctx, "csrf token fetched from endpoint")
		c.events.CSRFTokenFetched(SourceEndpoint)
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var ce *CSRFError
			if !errors.As(res.Err, &ce) {
				return "", &CSRFError{Err: res.Err}
			}
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &CSRFError{Err: ctx.Err()}
	}
}

// Set seeds the cache with a token obtained elsewhere.
func (c *CSRFCache) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Cached reports the cached token without fetching.
func (c *CSRFCache) Cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

// Clear drops the cached token. The next Token call fetches again.
func (c *CSRFCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.gen++
}

func (c *CSRFCache) cachedAt(gen uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.gen == gen && c.token != ""
}

func (c *CSRFCache) store(gen uint64, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.token = token
	}
}
