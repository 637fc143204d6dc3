package authclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSessionManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	m := NewSessionManager(SessionConfig{
		Refresh: func(ctx context.Context) error {
			calls.Add(1)
			<-release
			return nil
		},
	})

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			errs <- m.Refresh(context.Background(), 0)
		}()
	}

	// Give the callers time to pile up on the pending refresh.
	time.Sleep(50 * time.Millisecond)
	if m.State() != StateRefreshing {
		t.Errorf("Expected state %s while the refresh is running, got %s", StateRefreshing, m.State())
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh() unexpected error = %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 refresh call, got %d", got)
	}
	if m.State() != StateIdle {
		t.Errorf("Expected state %s after refresh, got %s", StateIdle, m.State())
	}
	if m.Generation() != 1 {
		t.Errorf("Expected generation 1, got %d", m.Generation())
	}
	if m.Refreshes() != 1 {
		t.Errorf("Expected 1 refresh recorded, got %d", m.Refreshes())
	}
}

func TestSessionManager_StaleGenerationSkipsRefresh(t *testing.T) {
	var calls atomic.Int32
	m := NewSessionManager(SessionConfig{
		Refresh: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})

	if err := m.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	// A request sent before the first refresh completed.
	if err := m.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 refresh call, got %d", calls.Load())
	}

	// A request sent after it starts a new one.
	if err := m.Refresh(context.Background(), m.Generation()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 refresh calls, got %d", calls.Load())
	}
}

func TestSessionManager_SuccessClearsCSRFBeforeRelease(t *testing.T) {
	csrf := NewCSRFCache(staticToken("new"), nil)
	csrf.Set("old")

	m := NewSessionManager(SessionConfig{
		CSRF:    csrf,
		Refresh: func(ctx context.Context) error { return nil },
	})

	if err := m.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if token, ok := csrf.Cached(); ok {
		t.Errorf("CSRF cache should be empty after a refresh, got %q", token)
	}
}

func TestSessionManager_FailureRejectsAllAndRedirectsOnce(t *testing.T) {
	release := make(chan struct{})
	nav := NewMemoryNavigator("/tasks")
	csrf := NewCSRFCache(staticToken("unused"), nil)
	csrf.Set("kept")

	var events recordingEvents
	m := NewSessionManager(SessionConfig{
		CSRF:      csrf,
		Navigator: nav,
		Events:    &events,
		Refresh: func(ctx context.Context) error {
			<-release
			return &RefreshError{StatusCode: 401}
		},
	})

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			errs <- m.Refresh(context.Background(), 0)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		var re *RefreshError
		if !errors.As(err, &re) || re.StatusCode != 401 {
			t.Errorf("Expected *RefreshError with status 401, got %v", err)
		}
		if !errors.Is(err, ErrRefreshFailed) {
			t.Errorf("Expected ErrRefreshFailed, got %v", err)
		}
	}
	if nav.CurrentPath() != "/login" {
		t.Errorf("Expected location /login, got %s", nav.CurrentPath())
	}
	if nav.Navigations() != 1 {
		t.Errorf("Expected 1 navigation, got %d", nav.Navigations())
	}
	if m.Generation() != 0 {
		t.Errorf("Failed refresh must not advance the generation")
	}
	if token, ok := csrf.Cached(); !ok || token != "kept" {
		t.Errorf("Failed refresh must not clear the CSRF cache")
	}
	if events.failed.Load() != 1 {
		t.Errorf("Expected 1 RefreshFailed event, got %d", events.failed.Load())
	}
}

func TestSessionManager_NoRedirectWhenAlreadyOnLogin(t *testing.T) {
	nav := NewMemoryNavigator("/login")
	m := NewSessionManager(SessionConfig{
		Navigator: nav,
		Refresh:   func(ctx context.Context) error { return errors.New("boom") },
	})

	err := m.Refresh(context.Background(), 0)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Expected ErrRefreshFailed, got %v", err)
	}
	if nav.Navigations() != 0 {
		t.Errorf("Expected no navigation from /login, got %d", nav.Navigations())
	}
}

func TestSessionManager_CancelledWaiterDoesNotAbortRefresh(t *testing.T) {
	release := make(chan struct{})
	refreshCtxErr := make(chan error, 1)
	nav := NewMemoryNavigator("/tasks")

	m := NewSessionManager(SessionConfig{
		Navigator: nav,
		Refresh: func(ctx context.Context) error {
			<-release
			refreshCtxErr <- ctx.Err()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Refresh(ctx, 0) }()

	// Wait for the refresh to be in flight, then attach a second caller.
	deadline := time.Now().Add(time.Second)
	for m.State() != StateRefreshing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	secondErr := make(chan error, 1)
	go func() { secondErr <- m.Refresh(context.Background(), 0) }()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Cancelled caller: expected context.Canceled, got %v", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Errorf("Remaining caller: unexpected error %v", err)
	}
	if err := <-refreshCtxErr; err != nil {
		t.Errorf("Refresh context was cancelled with its trigger: %v", err)
	}
	if nav.Navigations() != 0 {
		t.Errorf("A cancelled wait must not redirect")
	}
}

func TestSessionManager_Timeout(t *testing.T) {
	m := NewSessionManager(SessionConfig{
		Timeout: 20 * time.Millisecond,
		Refresh: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	err := m.Refresh(context.Background(), 0)
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected refresh failure caused by the deadline, got %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("Expected idle state after timeout, got %s", m.State())
	}
}

func TestState_String(t *testing.T) {
	if StateIdle.String() != "idle" || StateRefreshing.String() != "refreshing" {
		t.Errorf("Unexpected state names %q, %q", StateIdle, StateRefreshing)
	}
	if State(42).String() != "unknown" {
		t.Errorf("Unexpected name for an invalid state: %q", State(42))
	}
}

// recordingEvents counts pipeline events.
type recordingEvents struct {
	csrfCookie   atomic.Int32
	csrfEndpoint atomic.Int32
	rejected     atomic.Int32
	started      atomic.Int32
	succeeded    atomic.Int32
	failed       atomic.Int32
	replayed     atomic.Int32
	exhausted    atomic.Int32
}

func (e *recordingEvents) CSRFTokenFetched(source TokenSource) {
	if source == SourceCookie {
		e.csrfCookie.Add(1)
		return
	}
	e.csrfEndpoint.Add(1)
}
func (e *recordingEvents) AccessRejected(_, _ string) { e.rejected.Add(1) }
func (e *recordingEvents) RefreshStarted()            { e.started.Add(1) }
func (e *recordingEvents) RefreshSucceeded()          { e.succeeded.Add(1) }
func (e *recordingEvents) RefreshFailed(_ error)      { e.failed.Add(1) }
func (e *recordingEvents) Replaying(_, _ string)      { e.replayed.Add(1) }
func (e *recordingEvents) RetryExhausted(_, _ string) { e.exhausted.Add(1) }
