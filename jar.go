package main

import (
	"cmp"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// sessionJar is a cookie jar that also remembers the attributes of every
// cookie it is given. net/http/cookiejar only hands back name and value,
// which is not enough to write a path-scoped cookie back to disk.
type sessionJar struct {
	http.CookieJar

	mu      sync.Mutex
	cookies map[cookieKey]*http.Cookie
}

type cookieKey struct {
	name, domain, path string
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &sessionJar{CookieJar: jar, cookies: make(map[cookieKey]*http.Cookie)}, nil
}

// SetCookies stores cookies in the jar and records their attributes.
func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.CookieJar.SetCookies(u, cookies)

	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		rc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   strings.TrimPrefix(strings.ToLower(c.Domain), "."),
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		if rc.Path == "" || rc.Path[0] != '/' {
			rc.Path = defaultCookiePath(u.Path)
		}
		key := cookieKey{name: rc.Name, domain: rc.Domain, path: rc.Path}

		switch {
		case c.MaxAge < 0:
			delete(j.cookies, key)
			continue
		case c.MaxAge > 0:
			rc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !rc.Expires.IsZero() && !rc.Expires.After(now):
			delete(j.cookies, key)
			continue
		}
		j.cookies[key] = rc
	}
}

// session returns the unexpired cookies the jar still sends to base's
// host, with their recorded attributes. Cookies the jar rejected or has
// since replaced are left out.
func (j *sessionJar) session(base *url.URL) []*http.Cookie {
	j.mu.Lock()
	recorded := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		recorded = append(recorded, c)
	}
	j.mu.Unlock()

	now := time.Now()
	out := make([]*http.Cookie, 0, len(recorded))
	for _, c := range recorded {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		u := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: c.Path}
		if c.Secure {
			u.Scheme = "https"
		}
		if !jarHolds(j.CookieJar.Cookies(u), c) {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}

	slices.SortFunc(out, func(a, b *http.Cookie) int {
		return cmp.Or(strings.Compare(a.Path, b.Path), strings.Compare(a.Name, b.Name))
	})
	return out
}

func jarHolds(cookies []*http.Cookie, want *http.Cookie) bool {
	for _, c := range cookies {
		if c.Name == want.Name && c.Value == want.Value {
			return true
		}
	}
	return false
}

// defaultCookiePath is the RFC 6265 default-path of a request path.
func defaultCookiePath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
