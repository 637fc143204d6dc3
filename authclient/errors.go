package authclient

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCSRFFetch indicates that no CSRF token could be obtained for a
	// mutating request. The request is not sent.
	ErrCSRFFetch = errors.New("failed to refresh CSRF token, please reload")

	// ErrRefreshFailed indicates that the session refresh endpoint rejected
	// the refresh or could not be reached.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrRetryExhausted indicates that a request was replayed after a
	// successful refresh and still received 401.
	ErrRetryExhausted = errors.New("request unauthorized after session refresh")

	errInvalidCSRFResponse = errors.New("csrf endpoint returned no token")
)

// CSRFError is returned when the CSRF endpoint call fails.
type CSRFError struct {
	StatusCode int // zero when the endpoint was not reached
	Err        error
}

func (e *CSRFError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v: csrf endpoint returned status %d", ErrCSRFFetch, e.StatusCode)
	}
	return fmt.Sprintf("%v: %v", ErrCSRFFetch, e.Err)
}

func (e *CSRFError) Unwrap() error { return e.Err }

func (e *CSRFError) Is(target error) bool { return target == ErrCSRFFetch }

// RefreshError is delivered to every caller waiting on a failed refresh.
type RefreshError struct {
	StatusCode int // zero when the endpoint was not reached
	Body       string
	Err        error
}

func (e *RefreshError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%v: status %d: %s", ErrRefreshFailed, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%v: status %d", ErrRefreshFailed, e.StatusCode)
	}
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

// StatusError is returned by the JSON helpers for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Err        error // ErrRetryExhausted for a 401 that survived a replay
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	if text := http.StatusText(e.StatusCode); text != "" {
		msg += " " + text
	}
	if len(e.Body) > 0 {
		msg += ": " + string(e.Body)
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }
