// Package backend is the HTTP client for the Naviya backend. It resolves
// relative paths against the configured base URL, attaches the session's
// bearer token, encodes JSON and multipart bodies, and turns responses into
// typed errors. A 401 from any protected endpoint clears the session before
// the error reaches the caller.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/naviya/webclient/internal/session"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20
)

// Sessions is the part of session.Store the client needs.
type Sessions interface {
	Get() *session.Session
	Invalidate(ctx context.Context, accessToken string) (bool, error)
}

// Observer is told about every finished request. Status is 0 for transport
// failures.
type Observer interface {
	ObserveRequest(method, path string, status int, elapsed time.Duration)
}

// Endpoints that answer 401 for bad credentials rather than a dead session.
var publicPaths = map[string]bool{
	"/api/auth/login":    true,
	"/api/auth/register": true,
}

// Client communicates with the Naviya backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	sessions   Sessions
	observer   Observer
	logger     *slog.Logger
}

// Settings configures New.
type Settings struct {
	BaseURL    string
	Production bool
	Timeout    time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. It fails with ErrMisconfiguredBaseURL when the base
// URL is missing or unusable, and with ErrLocalhostInProduction when a
// production build targets a loopback host. sessions may be nil for
// unauthenticated use.
func New(s Settings, sessions Sessions, opts ...Option) (*Client, error) {
	base, err := ValidateBaseURL(s.BaseURL, s.Production)
	if err != nil {
		return nil, err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		sessions:   sessions,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ValidateBaseURL parses raw and applies the startup checks New performs.
func ValidateBaseURL(raw string, production bool) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: backend.base_url is not set", ErrMisconfiguredBaseURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfiguredBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrMisconfiguredBaseURL, raw)
	}
	if production && isLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrLocalhostInProduction, raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// BaseURL returns the resolved base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Options describes one request. A nil Header or Body is fine.
//
// Setting Authorization in Header, even to "", overrides the automatic
// bearer token; an empty value sends no Authorization header at all.
type Options struct {
	Method string
	Header http.Header
	Body   Body
}

// Response is a successful (2xx or 3xx) response with its body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	path string
}

// JSON decodes the body into v, reporting a ParseError on failure.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ParseError{Path: r.path, Err: err}
	}
	return nil
}

// Request performs a request. path is resolved against the base URL unless
// it is already absolute. The session bearer is only sent to, and a 401 only
// signs out for, the backend's own origin. Non-2xx/3xx statuses return
// *HTTPError; transport failures return *NetworkError.
func (c *Client) Request(ctx context.Context, path string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	target, apiPath, own, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	var contentType string
	if opts.Body != nil {
		body, contentType, err = opts.Body.encode()
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, opts.Header, contentType, own)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, apiPath, 0, start)
		return nil, &NetworkError{Method: method, Path: apiPath, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.observe(method, apiPath, 0, start)
		return nil, &NetworkError{Method: method, Path: apiPath, Err: fmt.Errorf("reading body: %w", err)}
	}
	c.observe(method, apiPath, resp.StatusCode, start)
	c.logger.Debug("backend request", "method", method, "path", apiPath, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized && own && !publicPaths[apiPath] {
		c.invalidateSession(ctx, apiPath, bearerToken(req))
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: data}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data, path: apiPath}, nil
}

// resolve returns the absolute URL, the path component used for policy
// decisions and metrics, and whether the target is the backend's origin.
func (c *Client) resolve(path string) (string, string, bool, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", "", false, fmt.Errorf("parsing path %q: %w", path, err)
	}
	if u.IsAbs() {
		own := strings.EqualFold(u.Scheme, c.baseURL.Scheme) && strings.EqualFold(u.Host, c.baseURL.Host)
		return u.String(), u.Path, own, nil
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	abs := *c.baseURL
	apiPath := u.Path
	abs.Path = c.baseURL.Path + u.Path
	abs.RawQuery = u.RawQuery
	return abs.String(), apiPath, true, nil
}

func (c *Client) setHeaders(req *http.Request, extra http.Header, contentType string, bearer bool) {
	req.Header.Set("Accept", "application/json")
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if _, overridden := extra[http.CanonicalHeaderKey("Authorization")]; overridden {
		if req.Header.Get("Authorization") == "" {
			req.Header.Del("Authorization")
		}
		return
	}
	if !bearer || c.sessions == nil {
		return
	}
	if s := c.sessions.Get(); s != nil && s.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	}
}

func (c *Client) invalidateSession(ctx context.Context, path, token string) {
	if c.sessions == nil {
		return
	}
	// The session must be gone before the caller sees the error, even if
	// the caller's context is already cancelled.
	cleared, err := c.sessions.Invalidate(context.WithoutCancel(ctx), token)
	if err != nil {
		c.logger.Warn("clearing session after 401", "error", err)
		return
	}
	if cleared {
		c.logger.Info("backend rejected session, signed out", "path", path)
	}
}

func bearerToken(req *http.Request) string {
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
}

func (c *Client) observe(method, path string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, path, status, time.Since(start))
	}
}
