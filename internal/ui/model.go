// ABOUTME: Bubbletea model for the synchronisation status screen
// ABOUTME: Shows discovery, wallclock and timeline state of one session
package ui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Quality summarises how trustworthy the wallclock estimate is
type Quality int

const (
	QualityLost Quality = iota
	QualityDegraded
	QualityGood
)

// degradedRTT is the round trip above which the estimate is flagged
const degradedRTT = 50 * time.Millisecond

// ClassifySync maps a wallclock estimate onto a Quality
func ClassifySync(valid, down bool, rtt time.Duration) Quality {
	switch {
	case down || !valid:
		return QualityLost
	case rtt > degradedRTT:
		return QualityDegraded
	default:
		return QualityGood
	}
}

// Model represents the TUI state
type Model struct {
	// Session
	ciiURL    string
	sessionID string
	state     string

	// Content
	contentID          string
	presentationStatus string
	timeline           string

	// Wallclock
	offset  time.Duration
	rtt     time.Duration
	quality Quality
	updates uint64

	// Timeline
	available bool
	speed     float32
	pts       *time.Duration

	lastError string

	showDebug bool
	control   *Control

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := m.renderHeader()
	s += m.renderContent()
	s += m.renderTimeline()
	if m.showDebug {
		s += m.renderDebug()
	}
	s += m.renderHelp()
	return s
}

func (m Model) renderHeader() string {
	syncIcon := "✗"
	syncText := "Not synchronised"
	switch m.quality {
	case QualityGood:
		syncIcon = "✓"
		syncText = fmt.Sprintf("offset %+.3fms, rtt %.3fms", ms(m.offset), ms(m.rtt))
	case QualityDegraded:
		syncIcon = "⚠"
		syncText = fmt.Sprintf("degraded, rtt %.3fms", ms(m.rtt))
	}

	return fmt.Sprintf(`┌─ CSS Sync ───────────────────────────────────────────┐
│ Device: %-44s │
│ State:  %-44s │
│ Clock:  %s %-42s │
├──────────────────────────────────────────────────────┤
`, truncate(m.ciiURL, 44), m.state, syncIcon, truncate(syncText, 42))
}

func (m Model) renderContent() string {
	if m.contentID == "" {
		return "│ No content identified                                │\n"
	}
	return fmt.Sprintf("│ Content:  %-42s │\n│ Status:   %-42s │\n│ Timeline: %-42s │\n",
		truncate(m.contentID, 42), m.presentationStatus, truncate(m.timeline, 42))
}

func (m Model) renderTimeline() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	if !m.available || m.pts == nil {
		s += "│ Presentation: --                                     │\n"
	} else {
		s += fmt.Sprintf("│ Presentation: %-38s │\n", formatPTS(*m.pts))
		s += fmt.Sprintf("│ Speed:        %-38s │\n", fmt.Sprintf("%.2fx", m.speed))
	}
	if m.lastError != "" {
		s += fmt.Sprintf("│ Error: %-45s │\n", truncate(m.lastError, 45))
	}
	return s
}

func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Session: %-41s │
│   Wallclock updates: %-31d │
│   Offset: %+dns%-28s │
`, truncate(m.sessionID, 41), m.updates, m.offset.Nanoseconds(), "")
}

func (m Model) renderHelp() string {
	return `│ d:Debug  q:Quit                                      │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.control.requestQuit()
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

// applyStatus updates the model from a status snapshot. An empty Err keeps
// the last error on screen.
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.CIIURL != "" {
		m.ciiURL = msg.CIIURL
	}
	if msg.SessionID != "" {
		m.sessionID = msg.SessionID
	}
	if msg.State != "" {
		m.state = msg.State
	}
	if msg.ContentID != "" {
		m.contentID = msg.ContentID
	}
	if msg.PresentationStatus != "" {
		m.presentationStatus = msg.PresentationStatus
	}
	if msg.Timeline != "" {
		m.timeline = msg.Timeline
	}

	m.offset = msg.Offset
	m.rtt = msg.RTT
	m.updates = msg.Updates
	m.quality = ClassifySync(msg.WallclockValid, msg.WallclockDown, msg.RTT)

	m.available = msg.Available
	m.speed = msg.Speed
	m.pts = msg.PTS

	if msg.Err != "" {
		m.lastError = msg.Err
	}
}

// StatusMsg carries a snapshot of the session into the TUI
type StatusMsg struct {
	CIIURL             string
	SessionID          string
	State              string
	ContentID          string
	PresentationStatus string
	Timeline           string

	Offset         time.Duration
	RTT            time.Duration
	Updates        uint64
	WallclockValid bool
	WallclockDown  bool

	Available bool
	Speed     float32
	PTS       *time.Duration

	Err string
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatPTS renders a presentation time as h:mm:ss.mmm
func formatPTS(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	mnt := d / time.Minute
	d -= mnt * time.Minute
	sec := d / time.Second
	d -= sec * time.Second
	return fmt.Sprintf("%s%d:%02d:%02d.%03d", sign, h, mnt, sec, d/time.Millisecond)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
