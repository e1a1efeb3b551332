package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/state"
	"github.com/walkerholic/fallwatch/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	UserID      string
	Conn        client.ConnState
	Attempt     int
	User        state.UserState
	Outstanding bool // backend reports an open emergency
	Width       int
}

// New creates a status bar model.
func New(userID string) Model {
	return Model{UserID: userID}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch m.Conn {
	case client.StateOpen:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	case client.StateReconnecting:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(
			fmt.Sprintf("◌ Reconnecting (%d)", m.Attempt))
	case client.StateConnecting:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ Connecting...")
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Disconnected")
	}

	cur := m.User.CurrentState
	stateStr := lipgloss.NewStyle().Foreground(theme.StateColor(cur)).Render(
		theme.StateGlyph(cur) + " " + cur.Label())
	if m.User.Confidence != nil {
		stateStr += theme.StyleDimmed.Render(fmt.Sprintf(" %.0f%%", *m.User.Confidence*100))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + theme.StyleHeader.Render(m.UserID) + sep + stateStr
	if m.Outstanding {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("open emergency")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
