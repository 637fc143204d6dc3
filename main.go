package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/console-cli/authclient"
	"github.com/go-authgate/console-cli/tui"
)

var (
	serverURL   string
	consoleName string
	sessionFile string
	httpRetries int
	httpTimeout time.Duration

	requestMethod string
	requestBody   string
	requestPath   string
	formFields    []string
	seedCookies   []string
	concurrency   int
	logoutOnly    bool
	verbose       bool

	flagServerURL     *string
	flagConsole       *string
	flagSessionFile   *string
	flagRetries       *int
	flagTimeout       *time.Duration
	flagMethod        *string
	flagBody          *string
	flagConcurrency   *int
	flagLogout        *bool
	flagVerbose       *bool
	configInitialized bool
)

const (
	defaultHTTPRetries = 3
	defaultHTTPTimeout = 15 * time.Second
	logoutTimeout      = 10 * time.Second

	// maxOutputBody caps how much of a response body is copied to stdout.
	maxOutputBody = 10 << 20
)

// errSessionExpired is reported when the session could not be refreshed.
var errSessionExpired = errors.New("session expired, log in again")

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"Console API URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagConsole = flag.String(
		"console",
		"",
		"Console to act as: admin or cs (default: admin or CONSOLE env)",
	)
	flagSessionFile = flag.String(
		"session-file",
		"",
		"Session cookie storage file (default: .console-session.json or SESSION_FILE env)",
	)
	flagRetries = flag.Int(
		"retries",
		-1,
		"Transport retries for network errors and 5xx (default: 3 or HTTP_RETRIES env)",
	)
	flagTimeout = flag.Duration("timeout", 0, "Per-request timeout (default: 15s or HTTP_TIMEOUT env)")
	flagMethod = flag.String("X", "", "HTTP method (default: GET, or POST with -d/-F)")
	flagBody = flag.String("d", "", "JSON request body")
	flag.Func("F", "Multipart field `name=value` or name=@file (repeatable)", func(v string) error {
		if !strings.Contains(v, "=") {
			return fmt.Errorf("expected name=value, got %q", v)
		}
		formFields = append(formFields, v)
		return nil
	})
	flag.Func(
		"cookie",
		"Session cookie `name=value` to seed the jar with (repeatable)",
		func(v string) error {
			if _, err := parseCookie(v); err != nil {
				return err
			}
			seedCookies = append(seedCookies, v)
			return nil
		},
	)
	flagConcurrency = flag.Int("n", 1, "Number of concurrent requests")
	flagLogout = flag.Bool("logout", false, "Log out and drop the stored session")
	flagVerbose = flag.Bool("verbose", false, "Plain output with debug logs on stderr")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	serverURL = getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080")
	consoleName = getConfig(*flagConsole, "CONSOLE", "admin")
	sessionFile = getConfig(*flagSessionFile, "SESSION_FILE", ".console-session.json")
	httpRetries = getIntConfig(*flagRetries, "HTTP_RETRIES", defaultHTTPRetries)
	httpTimeout = getDurationConfig(*flagTimeout, "HTTP_TIMEOUT", defaultHTTPTimeout)

	requestBody = *flagBody
	requestMethod = strings.ToUpper(*flagMethod)
	if requestMethod == "" {
		requestMethod = defaultMethod(requestBody, formFields)
	}
	requestPath = flag.Arg(0)
	concurrency = max(*flagConcurrency, 1)
	logoutOnly = *flagLogout
	verbose = *flagVerbose

	if err := validateServerURL(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid SERVER_URL: %v\n", err)
		os.Exit(1)
	}

	if _, err := endpointsFor(consoleName); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if requestPath == "" && !logoutOnly {
		fmt.Println("Error: request path not set. Usage:")
		fmt.Println("  console-cli [flags] <path>")
		fmt.Println("\nExample: console-cli -X POST -d '{\"title\":\"x\"}' /api/tasks")
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Cookies will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

// getIntConfig treats a negative flag value as unset.
func getIntConfig(flagValue int, envKey string, defaultValue int) int {
	if flagValue >= 0 {
		return flagValue
	}
	if n, err := strconv.Atoi(os.Getenv(envKey)); err == nil && n >= 0 {
		return n
	}
	return defaultValue
}

// getDurationConfig treats a zero flag value as unset.
func getDurationConfig(
	flagValue time.Duration,
	envKey string,
	defaultValue time.Duration,
) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if d, err := time.ParseDuration(os.Getenv(envKey)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// endpointsFor maps a console name to its backend endpoints.
func endpointsFor(console string) (authclient.Endpoints, error) {
	switch strings.ToLower(console) {
	case "admin":
		return authclient.AdminEndpoints(), nil
	case "cs", "customer-service":
		return authclient.CustomerServiceEndpoints(), nil
	default:
		return authclient.Endpoints{}, fmt.Errorf("unknown console %q (expected admin or cs)", console)
	}
}

func defaultMethod(body string, fields []string) string {
	if body != "" || len(fields) > 0 {
		return http.MethodPost
	}
	return http.MethodGet
}

func parseCookie(v string) (*http.Cookie, error) {
	name, value, ok := strings.Cut(v, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("expected cookie name=value, got %q", v)
	}
	return &http.Cookie{Name: name, Value: strings.TrimSpace(value), Path: "/"}, nil
}

// parseForm splits -F arguments into fields and files. "name=@path"
// uploads the file at path.
func parseForm(args []string) (map[string]string, map[string]authclient.FormFile, error) {
	fields := make(map[string]string)
	files := make(map[string]authclient.FormFile)
	for _, arg := range args {
		name, value, _ := strings.Cut(arg, "=")
		if path, ok := strings.CutPrefix(value, "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read form file: %w", err)
			}
			files[name] = authclient.FormFile{Name: filepath.Base(path), Data: data}
			continue
		}
		fields[name] = value
	}
	return fields, files, nil
}

// newTransport builds the retrying transport shared by every request.
func newTransport(jar http.CookieJar) (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Jar:     jar,
		Timeout: httpTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}

	return retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(httpRetries),
	)
}

func newLogger() *slog.Logger {
	if !verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// loginNavigator is the CLI's stand-in for a router. A redirect to the
// login route is reported once and remembered for the exit status.
type loginNavigator struct {
	*authclient.MemoryNavigator
	d tui.Displayer
}

func newLoginNavigator(d tui.Displayer) *loginNavigator {
	return &loginNavigator{MemoryNavigator: authclient.NewMemoryNavigator("/"), d: d}
}

func (n *loginNavigator) Navigate(path string) {
	n.MemoryNavigator.Navigate(path)
	n.d.LoginRequired(path)
}

func (n *loginNavigator) redirected() bool {
	return n.Navigations() > 0
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	if isTTY() && !verbose {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner(serverURL, consoleName)
		runErr := run(d, os.Stdout)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner(serverURL, consoleName)
		if err := run(d, os.Stdout); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(serverURL)
	if err != nil {
		d.Fatal(err)
		return err
	}

	jar, err := newSessionJar()
	if err != nil {
		d.Fatal(err)
		return err
	}

	if stored, err := loadSession(sessionFile, base.Host); err == nil {
		jar.SetCookies(base, stored.httpCookies())
		d.SessionLoaded(len(stored.Cookies))
	} else {
		d.SessionNotFound()
	}
	for _, v := range seedCookies {
		c, err := parseCookie(v)
		if err != nil {
			d.Fatal(err)
			return err
		}
		jar.SetCookies(base, []*http.Cookie{c})
	}

	transport, err := newTransport(jar)
	if err != nil {
		d.Fatal(err)
		return fmt.Errorf("failed to create retry client: %w", err)
	}

	endpoints, err := endpointsFor(consoleName)
	if err != nil {
		d.Fatal(err)
		return err
	}

	nav := newLoginNavigator(d)
	client, err := authclient.NewClient(
		serverURL,
		transport,
		authclient.WithEndpoints(endpoints),
		authclient.WithCookieStore(authclient.JarCookieStore{Jar: jar, URL: base}),
		authclient.WithNavigator(nav),
		authclient.WithEvents(d),
		authclient.WithLogger(newLogger()),
	)
	if err != nil {
		d.Fatal(err)
		return err
	}

	start := time.Now()
	var summary tui.Summary
	if logoutOnly {
		err = logout(ctx, client, d)
	} else {
		summary, err = sendRequests(ctx, client, d, out)
	}

	persistSession(d, base, jar)

	if err != nil {
		d.Fatal(err)
		return err
	}
	if nav.redirected() {
		d.Fatal(errSessionExpired)
		return errSessionExpired
	}

	summary.Refreshes = client.Session().Refreshes()
	summary.Elapsed = time.Since(start)
	d.Done(summary)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed", summary.Failed, summary.Total)
	}
	return nil
}

func logout(ctx context.Context, client *authclient.Client, d tui.Displayer) error {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	d.LoggedOut()
	return nil
}

// persistSession writes every cookie the jar holds for base's host back to
// the session file, path-scoped ones included.
func persistSession(d tui.Displayer, base *url.URL, jar *sessionJar) {
	var cookies []*http.Cookie
	if !logoutOnly {
		cookies = jar.session(base)
	}
	if err := saveSession(sessionFile, newSessionStorage(base.Host, cookies)); err != nil {
		d.SessionSaveFailed(err)
		return
	}
	d.SessionSaved(sessionFile)
}

// sendRequests fires concurrency copies of the configured request at once
// and copies every response body to out.
func sendRequests(
	ctx context.Context,
	client *authclient.Client,
	d tui.Displayer,
	out io.Writer,
) (tui.Summary, error) {
	newRequest, err := requestFactory(client)
	if err != nil {
		return tui.Summary{}, err
	}

	d.Sending(concurrency, requestMethod, requestPath)

	var (
		mu       sync.Mutex
		summary  = tui.Summary{Total: concurrency}
		writeErr error
		wg       sync.WaitGroup
	)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(index int) {
			defer wg.Done()

			ok := sendOne(ctx, client, d, index, newRequest, func(body []byte) error {
				mu.Lock()
				defer mu.Unlock()
				// Once the output is broken every later body fails the same way.
				if writeErr != nil {
					return writeErr
				}
				writeErr = writeBody(out, body)
				return writeErr
			})

			mu.Lock()
			defer mu.Unlock()
			if ok {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
		}(i + 1)
	}
	wg.Wait()

	return summary, nil
}

// writeBody copies a response body to out, ending it with a newline.
func writeBody(out io.Writer, body []byte) error {
	if _, err := out.Write(body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		if _, err := io.WriteString(out, "\n"); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return nil
}

func sendOne(
	ctx context.Context,
	client *authclient.Client,
	d tui.Displayer,
	index int,
	newRequest func(context.Context) (*http.Request, error),
	write func([]byte) error,
) bool {
	start := time.Now()

	req, err := newRequest(ctx)
	if err != nil {
		d.RequestFailed(index, err)
		return false
	}

	resp, err := client.Do(ctx, req)
	if resp != nil {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxOutputBody))
		d.Response(index, resp.StatusCode, len(body), time.Since(start))
		writeErr := write(body)
		if err == nil && readErr != nil {
			err = fmt.Errorf("failed to read response: %w", readErr)
		}
		if err == nil && writeErr != nil {
			err = writeErr
		}
		if err == nil && resp.StatusCode >= http.StatusBadRequest {
			return false
		}
	}
	if err != nil {
		d.RequestFailed(index, err)
		return false
	}
	return true
}

// requestFactory returns a constructor for the configured request. Every
// concurrent request gets its own body.
func requestFactory(
	client *authclient.Client,
) (func(context.Context) (*http.Request, error), error) {
	if len(formFields) > 0 {
		fields, files, err := parseForm(formFields)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*http.Request, error) {
			return client.NewMultipartRequest(ctx, requestMethod, requestPath, fields, files)
		}, nil
	}

	return func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if requestBody != "" {
			body = strings.NewReader(requestBody)
		}
		req, err := client.NewRequest(ctx, requestMethod, requestPath, body)
		if err != nil {
			return nil, err
		}
		if requestBody != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, nil
}
