package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mapCookies map[string]string

func (m mapCookies) Cookie(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func TestCSRFCache_ConcurrentMissesFetchOnce(t *testing.T) {
	var calls atomic.Int32
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return fmt.Sprintf("token-%d", n), nil
	}, nil)

	const goroutines = 20
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			if err != nil {
				t.Errorf("Goroutine %d: Token() error = %v", id, err)
				return
			}
			tokens[id] = token
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}
	for i, token := range tokens {
		if token != "token-1" {
			t.Errorf("Goroutine %d: got token %q, want %q", i, token, "token-1")
		}
	}
}

func TestCSRFCache_PrefersCookie(t *testing.T) {
	var calls atomic.Int32
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "from-endpoint", nil
	}, mapCookies{CSRFCookieName: "from-cookie"})

	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "from-cookie" {
		t.Errorf("Expected cookie token, got %q", token)
	}
	if calls.Load() != 0 {
		t.Errorf("Endpoint should not be called when the cookie is set")
	}
	if cached, ok := cache.Cached(); !ok || cached != "from-cookie" {
		t.Errorf("Cookie token was not cached, got %q", cached)
	}
}

func TestCSRFCache_ClearForcesRefetch(t *testing.T) {
	var calls atomic.Int32
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		return fmt.Sprintf("token-%d", calls.Add(1)), nil
	}, nil)

	first, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	again, _ := cache.Token(context.Background())
	if again != first {
		t.Errorf("Expected cached token %q, got %q", first, again)
	}

	cache.Clear()
	if _, ok := cache.Cached(); ok {
		t.Fatalf("Cache should be empty after Clear")
	}

	second, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if second == first {
		t.Errorf("Expected a new token after Clear, got %q again", second)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 fetches, got %d", calls.Load())
	}
}

func TestCSRFCache_ClearDuringFetchDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			close(started)
			<-release
		}
		return fmt.Sprintf("token-%d", n), nil
	}, nil)

	done := make(chan string, 1)
	go func() {
		token, _ := cache.Token(context.Background())
		done <- token
	}()

	<-started
	cache.Clear()
	close(release)

	if token := <-done; token != "token-1" {
		t.Errorf("In-flight caller should still get its token, got %q", token)
	}
	if _, ok := cache.Cached(); ok {
		t.Errorf("Token fetched before Clear must not be cached")
	}

	token, err := cache.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "token-2" {
		t.Errorf("Expected a fresh fetch after Clear, got %q", token)
	}
}

func TestCSRFCache_FetchErrorIsCSRFError(t *testing.T) {
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		return "", errors.New("connection refused")
	}, nil)

	_, err := cache.Token(context.Background())
	if !errors.Is(err, ErrCSRFFetch) {
		t.Fatalf("Expected ErrCSRFFetch, got %v", err)
	}
	var ce *CSRFError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected *CSRFError, got %T", err)
	}
	if !contains(err.Error(), "please reload") {
		t.Errorf("Error message should ask for a reload, got %q", err.Error())
	}
	if _, ok := cache.Cached(); ok {
		t.Errorf("Failed fetch must not populate the cache")
	}
}

func TestCSRFCache_EmptyTokenRejected(t *testing.T) {
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		return "", nil
	}, nil)

	if _, err := cache.Token(context.Background()); !errors.Is(err, ErrCSRFFetch) {
		t.Errorf("Expected ErrCSRFFetch for an empty token, got %v", err)
	}
}

func TestCSRFCache_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cache.Token(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	var ce *CSRFError
	if !errors.As(err, &ce) || !errors.Is(err, ErrCSRFFetch) {
		t.Errorf("Expected *CSRFError matching ErrCSRFFetch, got %v", err)
	}
}

func TestCSRFCache_Set(t *testing.T) {
	cache := NewCSRFCache(func(ctx context.Context) (string, error) {
		t.Fatal("fetch should not be called")
		return "", nil
	}, nil)
	cache.Set("seeded")

	token, err := cache.Token(context.Background())
	if err != nil || token != "seeded" {
		t.Errorf("Token() = %q, %v; want seeded", token, err)
	}
}

// contains checks if string s contains substr
func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
