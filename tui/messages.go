package tui

import (
	"time"

	"github.com/go-authgate/console-cli/authclient"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct {
	ServerURL string
	Console   string
}

// MsgSessionLoaded signals that stored session cookies were found on disk.
type MsgSessionLoaded struct{ Cookies int }

// MsgSessionNotFound signals that no stored session exists for the server.
type MsgSessionNotFound struct{}

// MsgSending signals that requests are being sent.
type MsgSending struct {
	Count  int
	Method string
	Path   string
}

// MsgCSRFTokenFetched signals that a CSRF token was obtained.
type MsgCSRFTokenFetched struct{ Source authclient.TokenSource }

// MsgAccessRejected signals that a request was rejected with 401.
type MsgAccessRejected struct{ Method, Path string }

// MsgRefreshStarted signals that a session refresh is in progress.
type MsgRefreshStarted struct{}

// MsgRefreshSucceeded signals that the session was refreshed.
type MsgRefreshSucceeded struct{}

// MsgRefreshFailed signals that the session refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgReplaying signals that a rejected request is being replayed.
type MsgReplaying struct{ Method, Path string }

// MsgRetryExhausted signals that a replayed request was rejected again.
type MsgRetryExhausted struct{ Method, Path string }

// MsgLoginRequired signals that the user was sent to the login route.
type MsgLoginRequired struct{ Path string }

// MsgResponse signals that a request completed.
type MsgResponse struct {
	Index   int
	Status  int
	Size    int
	Elapsed time.Duration
}

// MsgRequestFailed signals that a request could not be completed.
type MsgRequestFailed struct {
	Index int
	Err   error
}

// MsgSessionSaved signals that session cookies were saved to disk.
type MsgSessionSaved struct{ Path string }

// MsgSessionSaveFailed signals that saving the session failed.
type MsgSessionSaveFailed struct{ Err error }

// MsgLoggedOut signals that the session was closed on the server.
type MsgLoggedOut struct{}

// MsgDone signals the end of the run.
type MsgDone struct{ Summary Summary }

// MsgFatal signals a fatal error that should terminate the run.
type MsgFatal struct{ Err error }

// Summary describes a finished run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Refreshes uint64
	Elapsed   time.Duration
}
