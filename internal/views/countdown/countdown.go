// Package countdown renders the fall confirmation prompt: the alert detail
// as markdown and a spring-animated bar draining toward the deadline.
package countdown

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/theme"
)

const (
	fps           = 60
	settleEpsilon = 0.001
)

// FrameMsg advances the bar animation by one frame.
type FrameMsg struct{}

// Frame schedules the next animation frame.
func Frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return FrameMsg{} })
}

// Model holds the prompt state.
type Model struct {
	Session confirm.Session
	Active  bool
	Width   int
	// Style is the glamour standard style name.
	Style string

	spring harmonica.Spring
	pos    float64
	vel    float64
	body   string
}

// New creates an inactive prompt.
func New() Model {
	return Model{
		Style:  "dark",
		spring: harmonica.NewSpring(harmonica.FPS(fps), 6.0, 1.0),
		pos:    1,
	}
}

// Open shows the prompt for s with a full bar.
func (m *Model) Open(s confirm.Session) {
	m.Session = s
	m.Active = true
	m.pos, m.vel = 1, 0
	m.body = m.renderBody()
}

// Tick records a countdown update for the open session.
func (m *Model) Tick(s confirm.Session) {
	if !m.Active || s.ID != m.Session.ID {
		return
	}
	m.Session = s
}

// Close hides the prompt.
func (m *Model) Close() {
	m.Active = false
}

// Target is the fraction of the countdown still left.
func (m Model) Target() float64 {
	if m.Session.Countdown <= 0 {
		return 0
	}
	return float64(m.Session.Remaining) / float64(m.Session.Countdown)
}

// Position is the animated bar fraction.
func (m Model) Position() float64 { return m.pos }

// Animate steps the spring toward Target and reports whether another frame
// is needed.
func (m *Model) Animate() bool {
	target := m.Target()
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, target)
	if math.Abs(m.pos-target) < settleEpsilon && math.Abs(m.vel) < settleEpsilon {
		m.pos, m.vel = target, 0
		return false
	}
	return true
}

// View renders the prompt, or nothing while inactive.
func (m Model) View() string {
	if !m.Active {
		return ""
	}
	width := m.Width
	if width < 40 {
		width = 40
	}

	barW := width - 12
	frac := math.Max(0, math.Min(1, m.pos))
	filled := int(math.Round(frac * float64(barW)))
	bar := lipgloss.NewStyle().Foreground(theme.RemainingColor(frac)).Render(strings.Repeat("█", filled)) +
		theme.StyleDimmed.Render(strings.Repeat("░", barW-filled))
	secs := theme.StyleHeader.Render(fmt.Sprintf("%3ds", m.Session.Remaining))

	help := theme.StyleDimmed.Render("o: I'm OK   h: I need help")
	content := lipgloss.JoinVertical(lipgloss.Left, m.body, bar+" "+secs, "", help)

	return lipgloss.NewStyle().
		Width(width-2).
		Padding(0, 1).
		BorderStyle(lipgloss.ThickBorder()).
		BorderForeground(theme.ColorEmergency).
		Render(content)
}

// Markdown is the alert detail shown above the bar.
func Markdown(s confirm.Session) string {
	var b strings.Builder
	b.WriteString("# Fall detected\n\n")
	msg := s.Alert.Message
	if msg == "" {
		msg = "A fall was detected."
	}
	fmt.Fprintf(&b, "**%s**\n\n", msg)
	if s.Alert.Confidence != nil {
		fmt.Fprintf(&b, "- Confidence: %.0f%%\n", *s.Alert.Confidence*100)
	}
	fmt.Fprintf(&b, "- User: `%s`\n\n", s.UserID)
	fmt.Fprintf(&b, "Are you OK? Without an answer within %d seconds your caregivers are alerted.\n", s.Countdown)
	return b.String()
}

func (m Model) renderBody() string {
	md := Markdown(m.Session)
	width := m.Width
	if width < 40 {
		width = 40
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.Style),
		glamour.WithWordWrap(width-6),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
