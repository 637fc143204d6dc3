package authclient

import (
	"context"
	"net/http"
	"net/url"
	"sync"
)

// Transport executes a single HTTP request. *retry.Client from
// github.com/appleboy/go-httpretry satisfies it.
type Transport interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPClientTransport adapts a plain *http.Client to Transport.
type HTTPClientTransport struct {
	Client *http.Client // http.DefaultClient when nil
}

func (t HTTPClientTransport) DoWithContext(
	ctx context.Context,
	req *http.Request,
) (*http.Response, error) {
	c := t.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// CookieStore gives read access to the cookies the host environment holds
// for the backend.
type CookieStore interface {
	Cookie(name string) (value string, ok bool)
}

// JarCookieStore reads cookies for URL out of an http.CookieJar.
type JarCookieStore struct {
	Jar http.CookieJar
	URL *url.URL
}

func (s JarCookieStore) Cookie(name string) (string, bool) {
	if s.Jar == nil || s.URL == nil {
		return "", false
	}
	for _, c := range s.Jar.Cookies(s.URL) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// NavigationPort is the host's router. The SessionManager uses it to send
// the user to the login route when the session cannot be recovered.
type NavigationPort interface {
	CurrentPath() string
	Navigate(path string)
}

// MemoryNavigator is a NavigationPort without a real router behind it. It
// records the current path and how many navigations happened.
type MemoryNavigator struct {
	mu    sync.Mutex
	path  string
	count int
}

// NewMemoryNavigator starts at path.
func NewMemoryNavigator(path string) *MemoryNavigator {
	return &MemoryNavigator{path: path}
}

func (n *MemoryNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *MemoryNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = path
	n.count++
}

// Navigations reports how many times Navigate was called.
func (n *MemoryNavigator) Navigations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// TokenSource says where a CSRF token came from.
type TokenSource string

const (
	SourceCookie   TokenSource = "cookie"
	SourceEndpoint TokenSource = "endpoint"
)

// Events observes the session pipeline. Implementations must be safe for
// concurrent use; calls arrive from every request goroutine.
type Events interface {
	CSRFTokenFetched(source TokenSource)
	AccessRejected(method, path string)
	RefreshStarted()
	RefreshSucceeded()
	RefreshFailed(err error)
	Replaying(method, path string)
	RetryExhausted(method, path string)
}

// NopEvents ignores every event.
type NopEvents struct{}

func (NopEvents) CSRFTokenFetched(_ TokenSource) {}
func (NopEvents) AccessRejected(_, _ string)     {}
func (NopEvents) RefreshStarted()                {}
func (NopEvents) RefreshSucceeded()              {}
func (NopEvents) RefreshFailed(_ error)          {}
func (NopEvents) Replaying(_, _ string)          {}
func (NopEvents) RetryExhausted(_, _ string)     {}
