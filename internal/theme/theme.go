// Package theme provides the Lip Gloss palette and shared styles for the
// fallwatch console. It imports only the state package so every view can
// depend on it without cycles.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/walkerholic/fallwatch/internal/state"
)

// State colors.
var (
	ColorWalking   = lipgloss.Color("#3b82f6")
	ColorDaily     = lipgloss.Color("#22c55e")
	ColorFall      = lipgloss.Color("#f59e0b")
	ColorEmergency = lipgloss.Color("#dc2626")
	ColorUnknown   = lipgloss.Color("#9ca3af")
)

// Countdown bar thresholds.
var (
	ColorTimeLow  = lipgloss.Color("#dc2626") // <33% remaining
	ColorTimeMid  = lipgloss.Color("#d97706")
	ColorTimeHigh = lipgloss.Color("#22c55e")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#2563eb")
)

// StateColor returns the color for a behavioural state.
func StateColor(s state.State) lipgloss.Color {
	switch s {
	case state.Walking:
		return ColorWalking
	case state.Daily:
		return ColorDaily
	case state.Fall:
		return ColorFall
	case state.Emergency:
		return ColorEmergency
	default:
		return ColorUnknown
	}
}

// StateGlyph returns a one-cell glyph for a state.
func StateGlyph(s state.State) string {
	switch s {
	case state.Walking:
		return "»"
	case state.Daily:
		return "○"
	case state.Fall:
		return "!"
	case state.Emergency:
		return "✗"
	default:
		return "·"
	}
}

// RemainingColor picks the countdown bar color from the fraction of time
// left.
func RemainingColor(frac float64) lipgloss.Color {
	switch {
	case frac < 0.33:
		return ColorTimeLow
	case frac < 0.66:
		return ColorTimeMid
	default:
		return ColorTimeHigh
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleAlarm = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright).
			Background(ColorEmergency).
			Padding(0, 1)
)
