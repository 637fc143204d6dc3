package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCSRFTimeout     = 10 * time.Second
	defaultRequestIDHeader = "X-Request-ID"

	// maxErrorBody caps how much of an unexpected response is kept for
	// error messages.
	maxErrorBody = 8192
)

// Client is the authenticated HTTP client. Every request passes through the
// Interceptor, a 401 is recovered with at most one session refresh and one
// replay, everything else is returned to the caller untouched.
// Safe for concurrent use.
type Client struct {
	baseURL   *url.URL
	transport Transport

	endpoints       Endpoints
	fragments       []string
	cookies         CookieStore
	nav             NavigationPort
	events          Events
	logger          *slog.Logger
	refreshTimeout  time.Duration
	csrfTimeout     time.Duration
	headers         http.Header
	requestIDHeader string

	csrf        *CSRFCache
	interceptor *Interceptor
	session     *SessionManager
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints overrides the backend endpoints (AdminEndpoints by default).
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) {
		if e.LoginPath == "" {
			e.LoginPath = defaultLoginPath
		}
		c.endpoints = e
	}
}

// WithExemptions replaces DefaultExemptions. The CSRF path stays exempt.
func WithExemptions(fragments ...string) Option {
	return func(c *Client) { c.fragments = append([]string(nil), fragments...) }
}

// WithCookieStore lets the CSRF cache read the csrf_token cookie.
func WithCookieStore(s CookieStore) Option {
	return func(c *Client) { c.cookies = s }
}

// WithNavigator installs the port used for the login redirect.
func WithNavigator(n NavigationPort) Option {
	return func(c *Client) { c.nav = n }
}

// WithEvents installs an observer. A nil value is ignored.
func WithEvents(e Events) Option {
	return func(c *Client) {
		if e != nil {
			c.events = e
		}
	}
}

// WithLogger sets the structured logger. A nil value is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) { c.refreshTimeout = d }
}

// WithCSRFTimeout bounds a single CSRF endpoint call.
func WithCSRFTimeout(d time.Duration) Option {
	return func(c *Client) { c.csrfTimeout = d }
}

// WithDefaultHeader sets a header on every request that does not carry it.
func WithDefaultHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithRequestIDHeader renames the request ID header. An empty name
// disables request IDs.
func WithRequestIDHeader(name string) Option {
	return func(c *Client) { c.requestIDHeader = name }
}

// NewClient builds a Client for the backend at baseURL.
func NewClient(baseURL string, transport Transport, opts ...Option) (*Client, error) {
	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	c := &Client{
		baseURL:         u,
		transport:       transport,
		endpoints:       AdminEndpoints(),
		fragments:       append([]string(nil), DefaultExemptions...),
		events:          NopEvents{},
		logger:          slog.New(slog.DiscardHandler),
		refreshTimeout:  defaultRefreshTimeout,
		csrfTimeout:     defaultCSRFTimeout,
		headers:         http.Header{"Accept": {"application/json"}},
		requestIDHeader: defaultRequestIDHeader,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.csrf = NewCSRFCache(c.fetchCSRF, c.cookies)
	c.csrf.events = c.events
	c.csrf.logger = c.logger
	c.interceptor = NewInterceptor(c.csrf, c.fragments, c.endpoints.CSRF)
	c.session = NewSessionManager(SessionConfig{
		Refresh:   c.refreshSession,
		CSRF:      c.csrf,
		Navigator: c.nav,
		LoginPath: c.endpoints.LoginPath,
		Timeout:   c.refreshTimeout,
		Events:    c.events,
		Logger:    c.logger,
	})
	return c, nil
}

// parseBaseURL validates that the base URL is absolute http(s).
func parseBaseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base URL must include a host")
	}
	return u, nil
}

// CSRF exposes the client's CSRF cache.
func (c *Client) CSRF() *CSRFCache { return c.csrf }

// Session exposes the client's refresh coordinator.
func (c *Client) Session() *SessionManager { return c.session }

// Endpoints reports the configured endpoints.
func (c *Client) Endpoints() Endpoints { return c.endpoints }

// URL resolves path against the base URL.
func (c *Client) URL(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// NewRequest builds a request for path relative to the base URL.
func (c *Client) NewRequest(
	ctx context.Context,
	method, path string,
	body io.Reader,
) (*http.Request, error) {
	u, err := c.URL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}

// requestAttempt is the per-call state of Do. The original request is
// never sent; every send works on a clone with a fresh body.
type requestAttempt struct {
	id      string
	req     *http.Request
	body    []byte
	hasBody bool
	retried bool
}

func (c *Client) newAttempt(req *http.Request) (*requestAttempt, error) {
	at := &requestAttempt{req: req}
	if c.requestIDHeader != "" {
		at.id = req.Header.Get(c.requestIDHeader)
		if at.id == "" {
			at.id = uuid.NewString()
		}
	}
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		at.body = data
		at.hasBody = true
	}
	return at, nil
}

func (at *requestAttempt) build(ctx context.Context) *http.Request {
	r := at.req.Clone(ctx)
	if at.hasBody {
		data := at.body
		r.Body = io.NopCloser(bytes.NewReader(data))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		r.ContentLength = int64(len(data))
	}
	return r
}

// Do sends req through the session pipeline.
//
// Responses are returned whatever their status. A 401 on a non-exempt
// request triggers one session refresh and one replay. If the replay is
// rejected again, the 401 response is returned together with an error
// matching ErrRetryExhausted; the caller must close its body. A failed
// refresh returns a *RefreshError and no response.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	at, err := c.newAttempt(req)
	if err != nil {
		return nil, err
	}
	method, path := req.Method, req.URL.Path

	for {
		resp, seen, err := c.send(ctx, at)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized || c.interceptor.Exempt(path) {
			return resp, nil
		}

		log := c.logger.With(
			slog.String("request_id", at.id),
			slog.String("method", method),
			slog.String("path", path),
		)
		if at.retried {
			log.WarnContext(ctx, "request still unauthorized after refresh")
			c.events.RetryExhausted(method, path)
			return resp, fmt.Errorf("%s %s: %w", method, path, ErrRetryExhausted)
		}

		drainAndClose(resp.Body)
		at.retried = true
		log.InfoContext(ctx, "access rejected, refreshing session")
		c.events.AccessRejected(method, path)

		if err := c.session.Refresh(ctx, seen); err != nil {
			return nil, err
		}

		log.InfoContext(ctx, "replaying request")
		c.events.Replaying(method, path)
	}
}

// send performs one attempt and reports the session generation observed
// right before the request left.
func (c *Client) send(ctx context.Context, at *requestAttempt) (*http.Response, uint64, error) {
	r := at.build(ctx)
	c.applyHeaders(r, at.id)

	if err := c.interceptor.Prepare(ctx, r); err != nil {
		c.logger.WarnContext(ctx, "request aborted",
			slog.String("request_id", at.id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		return nil, 0, err
	}

	seen := c.session.Generation()
	resp, err := c.transport.DoWithContext(ctx, r)
	if err != nil {
		return nil, 0, err
	}
	c.logger.DebugContext(ctx, "response received",
		slog.String("request_id", at.id),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Bool("replay", at.retried),
	)
	return resp, seen, nil
}

func (c *Client) applyHeaders(r *http.Request, id string) {
	for k, v := range c.headers {
		if _, ok := r.Header[k]; !ok {
			r.Header[k] = append([]string(nil), v...)
		}
	}
	if c.requestIDHeader != "" && id != "" {
		r.Header.Set(c.requestIDHeader, id)
	}
}

// fetchCSRF is the CSRFCache's FetchFunc.
func (c *Client) fetchCSRF(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.csrfTimeout)
	defer cancel()

	req, err := c.NewRequest(ctx, http.MethodGet, c.endpoints.CSRF, nil)
	if err != nil {
		return "", &CSRFError{Err: err}
	}
	c.applyHeaders(req, uuid.NewString())

	resp, err := c.transport.DoWithContext(ctx, req)
	if err != nil {
		return "", &CSRFError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &CSRFError{StatusCode: resp.StatusCode}
	}

	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&payload); err != nil {
		return "", &CSRFError{Err: fmt.Errorf("failed to parse csrf response: %w", err)}
	}
	if payload.CSRFToken == "" {
		return "", &CSRFError{Err: errInvalidCSRFResponse}
	}
	return payload.CSRFToken, nil
}

// refreshSession is the SessionManager's RefreshFunc. The renewed session
// cookies are a side effect handled by the Transport's cookie jar.
func (c *Client) refreshSession(ctx context.Context) error {
	req, err := c.NewRequest(ctx, http.MethodPost, c.endpoints.Refresh, strings.NewReader("{}"))
	if err != nil {
		return &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyHeaders(req, uuid.NewString())

	resp, err := c.transport.DoWithContext(ctx, req)
	if err != nil {
		return &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RefreshError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
