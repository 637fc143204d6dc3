package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/dustin/go-humanize"
)

// state represents the current phase of a console run.
type state int

const (
	stateInit       state = iota
	stateSending          // requests in flight
	stateRefreshing       // session refresh in flight
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the console client TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	serverURL string
	console   string

	// Request progress
	method    string
	path      string
	total     int
	completed int

	summary Summary
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Console run messages ────────────────────────────────────────────────

	case MsgBanner:
		m.serverURL = msg.ServerURL
		m.console = msg.Console
		return m, nil

	case MsgSessionLoaded:
		m.addStatus(statusOK, fmt.Sprintf("Found stored session (%d cookies)", msg.Cookies))
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No stored session")
		return m, nil

	case MsgSending:
		m.state = stateSending
		m.method = msg.Method
		m.path = msg.Path
		m.total = msg.Count
		return m, nil

	case MsgCSRFTokenFetched:
		m.addStatus(statusInfo, fmt.Sprintf("CSRF token obtained from %s", msg.Source))
		return m, nil

	case MsgAccessRejected:
		m.addStatus(statusWarn, fmt.Sprintf("%s %s rejected (401)", msg.Method, msg.Path))
		return m, nil

	case MsgRefreshStarted:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing session...")
		return m, nil

	case MsgRefreshSucceeded:
		m.state = stateSending
		m.addStatus(statusOK, "Session refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.state = stateSending
		m.addStatus(statusWarn, fmt.Sprintf("Session refresh failed: %v", msg.Err))
		return m, nil

	case MsgReplaying:
		m.addStatus(statusInfo, fmt.Sprintf("Retrying %s %s", msg.Method, msg.Path))
		return m, nil

	case MsgRetryExhausted:
		m.addStatus(statusWarn, fmt.Sprintf("%s %s rejected again after refresh", msg.Method, msg.Path))
		return m, nil

	case MsgLoginRequired:
		m.addStatus(statusWarn, "Session expired, log in again")
		return m, nil

	case MsgResponse:
		m.completed++
		kind := statusOK
		if msg.Status >= http.StatusBadRequest {
			kind = statusWarn
		}
		m.addStatus(kind, fmt.Sprintf(
			"[%d] %d %s (%s, %s)",
			msg.Index,
			msg.Status,
			httpStatusText(msg.Status),
			humanize.Bytes(uint64(msg.Size)),
			formatElapsed(msg.Elapsed),
		))
		return m, nil

	case MsgRequestFailed:
		m.completed++
		m.addStatus(statusWarn, fmt.Sprintf("[%d] request failed: %v", msg.Index, msg.Err))
		return m, nil

	case MsgSessionSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Path)
		return m, nil

	case MsgSessionSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save session: %v", msg.Err))
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while requests and refreshes are in flight.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  AuthGate Console Client  "))
	b.WriteString("\n")
	if m.serverURL != "" {
		b.WriteString(styleDim.Render(fmt.Sprintf("%s console · %s", m.console, m.serverURL)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateSending:
		b.WriteString(m.spinner.View())
		b.WriteString(fmt.Sprintf(" Sending %s %s  ", m.method, m.path))
		b.WriteString(styleDim.Render(fmt.Sprintf("%d/%d done", m.completed, m.total)))
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing session...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the run completed.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.summary.Failed == 0 {
		b.WriteString(styleOK.Render("  ✓ All requests completed"))
	} else {
		b.WriteString(styleWarn.Render(fmt.Sprintf("  ⚠ %d requests failed", m.summary.Failed)))
	}
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Requests:  "))
	b.WriteString(fmt.Sprintf("%d (%d ok)\n", m.summary.Total, m.summary.Succeeded))

	b.WriteString(styleBold.Render("Refreshes: "))
	b.WriteString(fmt.Sprintf("%d\n", m.summary.Refreshes))

	b.WriteString(styleBold.Render("Elapsed:   "))
	b.WriteString(formatElapsed(m.summary.Elapsed) + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatElapsed formats a duration as "Xms", "X.Ys" or "Xm Ys".
func formatElapsed(d time.Duration) string {
	switch {
	case d <= 0:
		return "0ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func httpStatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
