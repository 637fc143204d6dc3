package tui

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-authgate/console-cli/authclient"
)

func update(t *testing.T, m Model, msgs ...any) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModel_RefreshFlow(t *testing.T) {
	m := update(t, NewModel(),
		MsgBanner{ServerURL: "https://console.example.com", Console: "admin"},
		MsgSending{Count: 2, Method: "POST", Path: "/api/tasks"},
	)
	if m.state != stateSending || m.total != 2 {
		t.Fatalf("Expected sending state for 2 requests, got %v/%d", m.state, m.total)
	}

	m = update(t, m, MsgAccessRejected{Method: "POST", Path: "/api/tasks"}, MsgRefreshStarted{})
	if m.state != stateRefreshing {
		t.Errorf("Expected refreshing state, got %v", m.state)
	}
	if !strings.Contains(m.viewMain(), "Refreshing session") {
		t.Errorf("Main view should show the refresh")
	}

	m = update(t, m,
		MsgRefreshSucceeded{},
		MsgResponse{Index: 1, Status: 201, Size: 2048, Elapsed: 120 * time.Millisecond},
		MsgRequestFailed{Index: 2, Err: errors.New("boom")},
	)
	if m.state != stateSending || m.completed != 2 {
		t.Errorf("Expected 2 completed requests, got %d", m.completed)
	}
	log := m.viewStatusLog()
	if !strings.Contains(log, "[1] 201 Created (2.0 kB, 120ms)") {
		t.Errorf("Status log missing response line:\n%s", log)
	}
	if !strings.Contains(log, "[2] request failed: boom") {
		t.Errorf("Status log missing failure line:\n%s", log)
	}

	m = update(t, m, MsgDone{Summary: Summary{Total: 2, Succeeded: 1, Failed: 1, Refreshes: 1}})
	if m.state != stateSuccess {
		t.Errorf("Expected success state, got %v", m.state)
	}
	if !strings.Contains(m.viewSuccess(), "1 requests failed") {
		t.Errorf("Summary should report the failure:\n%s", m.viewSuccess())
	}
}

func TestModel_Fatal(t *testing.T) {
	m := update(t, NewModel(), MsgFatal{Err: errors.New("session expired, log in again")})
	if m.state != stateError {
		t.Fatalf("Expected error state, got %v", m.state)
	}
	if !strings.Contains(m.viewError(), "session expired") {
		t.Errorf("Error view should show the message")
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0ms"},
		{350 * time.Millisecond, "350ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.in); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlainDisplayer_ConcurrentEvents(t *testing.T) {
	var buf bytes.Buffer
	d := NewPlainDisplayer(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.AccessRejected("POST", "/api/tasks")
			d.CSRFTokenFetched(authclient.SourceEndpoint)
		}()
	}
	wg.Wait()

	out := buf.String()
	if got := strings.Count(out, "POST /api/tasks rejected (401)"); got != 10 {
		t.Errorf("Expected 10 rejection lines, got %d", got)
	}
	if got := strings.Count(out, "CSRF token obtained from endpoint\n"); got != 10 {
		t.Errorf("Expected 10 CSRF lines, got %d", got)
	}
}

func TestPlainDisplayer_Response(t *testing.T) {
	var buf bytes.Buffer
	NewPlainDisplayer(&buf).Response(3, 404, 12, 5*time.Millisecond)

	if got := buf.String(); got != "[3] 404 Not Found (12 B, 5ms)\n" {
		t.Errorf("Unexpected output %q", got)
	}
}
