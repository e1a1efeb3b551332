// Package eventlog provides the scrollable list of recent events shown
// under the status bar.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/walkerholic/fallwatch/internal/theme"
)

const maxEntries = 200

// Entry kinds.
const (
	KindState = "state"
	KindFall  = "fall"
	KindAlarm = "alarm"
	KindConn  = "conn"
	KindWarn  = "warn"
	KindInfo  = "info"
)

// Entry is a single log line.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
}

// Model holds the log state.
type Model struct {
	Entries []Entry
	Offset  int // scroll offset (from bottom)
}

// New creates an empty log.
func New() Model {
	return Model{}
}

// Add appends an entry stamped now.
func (m *Model) Add(kind, message string) {
	m.AddAt(time.Now(), kind, message)
}

// AddAt appends an entry and caps the buffer.
func (m *Model) AddAt(at time.Time, kind, message string) {
	m.Entries = append(m.Entries, Entry{Time: at, Kind: kind, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	// New entries snap back to the bottom.
	m.Offset = 0
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

// View renders at most height lines of the log.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	if height < 3 {
		height = 3
	}

	if len(m.Entries) == 0 {
		return theme.StyleDimmed.Render("  Waiting for events...")
	}

	end := len(m.Entries) - m.Offset
	start := end - height
	if start < 0 {
		start = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		e := m.Entries[i]
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
		kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(6).Render(e.Kind)
		msg := e.Message
		if len(msg) > innerW-16 && innerW > 19 {
			msg = msg[:innerW-19] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, kind, msg))
	}
	if m.Offset > 0 {
		lines = append(lines, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset)))
	}
	return strings.Join(lines, "\n")
}

func kindColor(kind string) lipgloss.Color {
	switch kind {
	case KindState:
		return theme.ColorInfo
	case KindFall:
		return theme.ColorFall
	case KindAlarm:
		return theme.ColorEmergency
	case KindConn:
		return theme.ColorHealthy
	case KindWarn:
		return theme.ColorWarning
	default:
		return theme.ColorDimmed
	}
}
