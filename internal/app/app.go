// Package app is the terminal console: a Bubble Tea program that shows the
// connection and behavioural state, the fall confirmation prompt and a log
// of recent events, and forwards the user's answer to the workflow.
package app

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/walkerholic/fallwatch/internal/classify"
	"github.com/walkerholic/fallwatch/internal/client"
	"github.com/walkerholic/fallwatch/internal/confirm"
	"github.com/walkerholic/fallwatch/internal/events"
	"github.com/walkerholic/fallwatch/internal/state"
	"github.com/walkerholic/fallwatch/internal/theme"
	"github.com/walkerholic/fallwatch/internal/views/countdown"
	"github.com/walkerholic/fallwatch/internal/views/eventlog"
	"github.com/walkerholic/fallwatch/internal/views/status"
)

// Responder answers the pending fall confirmation.
type Responder interface {
	ConfirmOK() error
	RequestHelp() error
}

// Model is the root Bubble Tea model.
type Model struct {
	bridge    *Bridge
	responder Responder

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	prompt    countdown.Model
	log       eventlog.Model

	banner    string // active critical emergency
	notice    string
	animating bool
}

// New creates the root model.
func New(bridge *Bridge, responder Responder, userID string) Model {
	return Model{
		bridge:    bridge,
		responder: responder,
		keys:      DefaultKeyMap(),
		statusBar: status.New(userID),
		prompt:    countdown.New(),
		log:       eventlog.New(),
	}
}

// Init starts listening for bus events.
func (m Model) Init() tea.Cmd {
	return m.bridge.Listen()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.prompt.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		cmd := m.apply(msg.Event)
		return m, tea.Batch(m.bridge.Listen(), cmd)

	case countdown.FrameMsg:
		if m.prompt.Animate() {
			return m, countdown.Frame()
		}
		m.animating = false
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.OK):
		if m.prompt.Active && m.responder != nil {
			m.notice = ""
			if err := m.responder.ConfirmOK(); err != nil {
				m.notice = err.Error()
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Help):
		if m.prompt.Active && m.responder != nil {
			m.notice = ""
			if err := m.responder.RequestHelp(); err != nil {
				m.notice = err.Error()
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.log.ScrollUp(1)
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.log.ScrollDown(1)
		return m, nil

	case key.Matches(msg, m.keys.Dismiss):
		m.banner = ""
		m.notice = ""
		return m, nil
	}

	return m, nil
}

// apply folds one bus event into the model.
func (m *Model) apply(ev events.Event) tea.Cmd {
	at := ev.Timestamp
	switch ev.Name {
	case events.StateUpdate:
		ch, ok := ev.Data.(state.Change)
		if !ok {
			return nil
		}
		m.statusBar.User = ch.Current
		switch {
		case ch.Initial:
			m.log.AddAt(at, eventlog.KindState, "state: "+ch.Current.CurrentState.Label())
		case ch.Changed():
			m.log.AddAt(at, eventlog.KindState, fmt.Sprintf("%s → %s",
				ch.Previous.CurrentState.Label(), ch.Current.CurrentState.Label()))
		}

	case events.FallDetected:
		a, _ := ev.Data.(classify.Alert)
		m.log.AddAt(at, eventlog.KindFall, "fall detected: "+alertText(a, "no details"))

	case events.EmergencyDeclared, events.EmergencyConfirmed:
		a, _ := ev.Data.(classify.Alert)
		text := alertText(a, "emergency")
		if a.ConfirmedBy != "" {
			text += " (confirmed by " + a.ConfirmedBy + ")"
		}
		m.banner = text
		m.log.AddAt(at, eventlog.KindAlarm, text)

	case events.EmergencyResolved:
		a, _ := ev.Data.(classify.Alert)
		m.banner = ""
		m.statusBar.Outstanding = false
		m.log.AddAt(at, eventlog.KindInfo, "emergency resolved: "+alertText(a, a.ResolutionType))

	case events.ConfirmationOpened:
		s, ok := ev.Data.(confirm.Session)
		if !ok {
			return nil
		}
		m.prompt.Open(s)
		return m.animate()

	case events.ConfirmationTick:
		s, ok := ev.Data.(confirm.Session)
		if !ok {
			return nil
		}
		m.prompt.Tick(s)
		return m.animate()

	case events.ConfirmationClosed:
		s, ok := ev.Data.(confirm.Session)
		if !ok {
			return nil
		}
		m.prompt.Close()
		m.log.AddAt(at, eventlog.KindInfo, fmt.Sprintf("confirmation %s by %s", s.Status, s.ClosedBy))

	case events.ConnectionOpened:
		m.statusBar.Conn = client.StateOpen
		m.statusBar.Attempt = 0
		m.log.AddAt(at, eventlog.KindConn, "connected")

	case events.ConnectionClosed:
		st, _ := ev.Data.(client.ConnectionStatus)
		if st.WillReconnect {
			m.statusBar.Conn = client.StateReconnecting
			m.statusBar.Attempt = st.ReconnectAttempt
			m.log.AddAt(at, eventlog.KindWarn, fmt.Sprintf("connection closed (%d), retry %d in %s",
				st.CloseCode, st.ReconnectAttempt, st.RetryIn))
		} else {
			m.statusBar.Conn = client.StateClosed
			m.log.AddAt(at, eventlog.KindWarn, fmt.Sprintf("connection closed (%d)", st.CloseCode))
		}

	case events.ConnectionError:
		d, _ := ev.Data.(client.ConnectionDiagnostic)
		m.log.AddAt(at, eventlog.KindWarn, d.Message+" "+d.Suggestion)

	case events.WorkflowWarning:
		if w, ok := ev.Data.(*confirm.Warning); ok {
			m.log.AddAt(at, eventlog.KindWarn, w.Error())
		}

	case events.EmergencyStatus:
		st, _ := ev.Data.(client.EmergencyStatus)
		m.statusBar.Outstanding = st.HasEmergency
		if st.HasEmergency {
			m.log.AddAt(at, eventlog.KindAlarm, "backend reports an open emergency: "+st.EmergencyLevel)
		}

	case events.HealthCheckResponse:
		m.log.AddAt(at, eventlog.KindInfo, "health check ok")

	case events.Message:
		if f := ev.Fields(); f != nil {
			if s, ok := f["message"].(string); ok {
				m.log.AddAt(at, eventlog.KindInfo, s)
			}
		}
	}
	return nil
}

func (m *Model) animate() tea.Cmd {
	if m.animating {
		return nil
	}
	m.animating = true
	return countdown.Frame()
}

func alertText(a classify.Alert, fallback string) string {
	if a.Message != "" {
		return a.Message
	}
	return fallback
}

// View renders the full console.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if m.banner != "" {
		sections = append(sections, theme.StyleAlarm.Width(m.width).Render("EMERGENCY: "+m.banner))
	}
	used := lipgloss.Height(m.statusBar.View()) + 2
	if m.prompt.Active {
		p := m.prompt.View()
		used += lipgloss.Height(p)
		sections = append(sections, p)
	}
	if m.notice != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("  "+m.notice))
		used++
	}
	if m.banner != "" {
		used++
	}
	sections = append(sections,
		m.log.View(m.width, m.height-used),
		theme.StyleDimmed.Render("  o:I'm OK  h:help  j/k:scroll  esc:dismiss  q:quit"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
