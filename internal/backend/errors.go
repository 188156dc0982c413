package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMisconfiguredBaseURL is fatal at startup: the client refuses to
	// construct without a usable backend base URL.
	ErrMisconfiguredBaseURL = errors.New("misconfigured backend base URL")

	// ErrLocalhostInProduction wraps ErrMisconfiguredBaseURL.
	ErrLocalhostInProduction = fmt.Errorf("%w: production build points at localhost", ErrMisconfiguredBaseURL)

	ErrInvalidOnboarding = errors.New("invalid onboarding form")
)

// NetworkError is a transport failure: the request never produced an HTTP
// response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a 4xx or 5xx response.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	msg := string(e.Body)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

// ParseError reports a response body that does not have the shape the
// client expects from that endpoint.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// IsUnauthorized reports whether err is an HTTPError with status 401.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}
