package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/dustin/go-humanize"

	"github.com/go-authgate/console-cli/authclient"
)

// Displayer abstracts all output of a console run. It observes the
// authclient pipeline through the embedded Events methods, which may be
// called from several goroutines at once.
type Displayer interface {
	authclient.Events

	Banner(serverURL, console string)
	SessionLoaded(cookies int)
	SessionNotFound()
	Sending(count int, method, path string)
	LoginRequired(path string)
	Response(index, status, size int, elapsed time.Duration)
	RequestFailed(index int, err error)
	SessionSaved(path string)
	SessionSaveFailed(err error)
	LoggedOut()
	Done(s Summary)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty) or with -verbose.
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL, console string) {
	p.printf("=== Console API client (%s console, %s) ===\n\n", console, serverURL)
}

func (p *PlainDisplayer) SessionLoaded(cookies int) {
	p.printf("Found stored session (%d cookies)\n", cookies)
}

func (p *PlainDisplayer) SessionNotFound() {
	p.printf("No stored session, requests will be sent without cookies\n")
}

func (p *PlainDisplayer) Sending(count int, method, path string) {
	if count == 1 {
		p.printf("Sending %s %s...\n", method, path)
		return
	}
	p.printf("Sending %d concurrent %s %s requests...\n", count, method, path)
}

func (p *PlainDisplayer) CSRFTokenFetched(source authclient.TokenSource) {
	p.printf("CSRF token obtained from %s\n", source)
}

func (p *PlainDisplayer) AccessRejected(method, path string) {
	p.printf("%s %s rejected (401), refreshing session...\n", method, path)
}

func (p *PlainDisplayer) RefreshStarted() {
	p.printf("Refreshing session...\n")
}

func (p *PlainDisplayer) RefreshSucceeded() {
	p.printf("Session refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Session refresh failed: %v\n", err)
}

func (p *PlainDisplayer) Replaying(method, path string) {
	p.printf("Session refreshed, retrying %s %s...\n", method, path)
}

func (p *PlainDisplayer) RetryExhausted(method, path string) {
	p.printf("%s %s rejected again after refresh\n", method, path)
}

func (p *PlainDisplayer) LoginRequired(path string) {
	p.printf("Session expired, log in again (redirected to %s)\n", path)
}

func (p *PlainDisplayer) Response(index, status, size int, elapsed time.Duration) {
	p.printf(
		"[%d] %d %s (%s, %s)\n",
		index,
		status,
		httpStatusText(status),
		humanize.Bytes(uint64(size)),
		elapsed.Round(time.Millisecond),
	)
}

func (p *PlainDisplayer) RequestFailed(index int, err error) {
	p.printf("[%d] request failed: %v\n", index, err)
}

func (p *PlainDisplayer) SessionSaved(path string) {
	p.printf("Session saved to %s\n", path)
}

func (p *PlainDisplayer) SessionSaveFailed(err error) {
	p.printf("Warning: Failed to save session: %v\n", err)
}

func (p *PlainDisplayer) LoggedOut() {
	p.printf("Logged out\n")
}

func (p *PlainDisplayer) Done(s Summary) {
	p.printf("\n========================================\n")
	p.printf("Requests:  %d (%d ok, %d failed)\n", s.Total, s.Succeeded, s.Failed)
	p.printf("Refreshes: %d\n", s.Refreshes)
	p.printf("Elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))
	p.printf("========================================\n")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_, _ string)                        {}
func (NoopDisplayer) SessionLoaded(_ int)                       {}
func (NoopDisplayer) SessionNotFound()                          {}
func (NoopDisplayer) Sending(_ int, _, _ string)                {}
func (NoopDisplayer) CSRFTokenFetched(_ authclient.TokenSource) {}
func (NoopDisplayer) AccessRejected(_, _ string)                {}
func (NoopDisplayer) RefreshStarted()                           {}
func (NoopDisplayer) RefreshSucceeded()                         {}
func (NoopDisplayer) RefreshFailed(_ error)                     {}
func (NoopDisplayer) Replaying(_, _ string)                     {}
func (NoopDisplayer) RetryExhausted(_, _ string)                {}
func (NoopDisplayer) LoginRequired(_ string)                    {}
func (NoopDisplayer) Response(_, _, _ int, _ time.Duration)     {}
func (NoopDisplayer) RequestFailed(_ int, _ error)              {}
func (NoopDisplayer) SessionSaved(_ string)                     {}
func (NoopDisplayer) SessionSaveFailed(_ error)                 {}
func (NoopDisplayer) LoggedOut()                                {}
func (NoopDisplayer) Done(_ Summary)                            {}
func (NoopDisplayer) Fatal(_ error)                             {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL, console string) {
	t.p.Send(MsgBanner{ServerURL: serverURL, Console: console})
}

func (t *ProgramDisplayer) SessionLoaded(cookies int) {
	t.p.Send(MsgSessionLoaded{Cookies: cookies})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) Sending(count int, method, path string) {
	t.p.Send(MsgSending{Count: count, Method: method, Path: path})
}

func (t *ProgramDisplayer) CSRFTokenFetched(source authclient.TokenSource) {
	t.p.Send(MsgCSRFTokenFetched{Source: source})
}

func (t *ProgramDisplayer) AccessRejected(method, path string) {
	t.p.Send(MsgAccessRejected{Method: method, Path: path})
}

func (t *ProgramDisplayer) RefreshStarted() {
	t.p.Send(MsgRefreshStarted{})
}

func (t *ProgramDisplayer) RefreshSucceeded() {
	t.p.Send(MsgRefreshSucceeded{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Replaying(method, path string) {
	t.p.Send(MsgReplaying{Method: method, Path: path})
}

func (t *ProgramDisplayer) RetryExhausted(method, path string) {
	t.p.Send(MsgRetryExhausted{Method: method, Path: path})
}

func (t *ProgramDisplayer) LoginRequired(path string) {
	t.p.Send(MsgLoginRequired{Path: path})
}

func (t *ProgramDisplayer) Response(index, status, size int, elapsed time.Duration) {
	t.p.Send(MsgResponse{Index: index, Status: status, Size: size, Elapsed: elapsed})
}

func (t *ProgramDisplayer) RequestFailed(index int, err error) {
	t.p.Send(MsgRequestFailed{Index: index, Err: err})
}

func (t *ProgramDisplayer) SessionSaved(path string) {
	t.p.Send(MsgSessionSaved{Path: path})
}

func (t *ProgramDisplayer) SessionSaveFailed(err error) {
	t.p.Send(MsgSessionSaveFailed{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(s Summary) {
	t.p.Send(MsgDone{Summary: s})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
