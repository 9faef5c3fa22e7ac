// Package tui is the terminal teleoperation client.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"teleop-gateway/internal/client"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

const (
	speedStep = 0.1
	maxSpeed  = 1.0
)

// Controller is the part of client.Client the UI drives.
type Controller interface {
	Command(ctx context.Context, action string, params map[string]any) (protocol.Ack, error)
	EmergencyStop(ctx context.Context) (protocol.Ack, error)
	Events() <-chan client.Event
}

// Messages
type eventMsg client.Event
type eventsClosedMsg struct{}
type ackMsg struct {
	action string
	ack    protocol.Ack
	err    error
}

// Model is the UI state.
type Model struct {
	ctl     Controller
	keys    KeyMap
	help    help.Model
	timeout time.Duration

	width int
	role  session.Role
	speed float64

	state      session.State
	subject    string
	source     string
	sourceUp   bool
	tier       client.Tier
	frames     uint64
	lastFrame  *protocol.Frame
	reconnect  string
	lastAck    string
	lastErr    string
	stopBanner string
	stats      *protocol.Stats
	closed     bool
}

func NewModel(ctl Controller, role session.Role) Model {
	return Model{
		ctl:      ctl,
		keys:     DefaultKeyMap,
		help:     help.New(),
		timeout:  5 * time.Second,
		role:     role,
		speed:    0.2,
		state:    session.StateConnecting,
		sourceUp: true,
	}
}

func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.ctl.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.apply(client.Event(msg))
		return m, m.waitForEvent()

	case eventsClosedMsg:
		m.closed = true
		m.state = session.StateDisconnected
		return m, nil

	case ackMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.action, msg.err)
			return m, nil
		}
		m.lastAck = fmt.Sprintf("%s → %s", msg.ack.Action, msg.ack.Status)
		if msg.ack.Message != "" {
			m.lastAck += " (" + msg.ack.Message + ")"
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.EmergencyStop):
		return m, m.emergencyStop()
	}

	if m.role != session.RoleController {
		return m, nil
	}

	motion := map[string]any{"speed": m.speed}
	switch {
	case key.Matches(msg, m.keys.Forward):
		return m, m.command("forward", motion)
	case key.Matches(msg, m.keys.Backward):
		return m, m.command("backward", motion)
	case key.Matches(msg, m.keys.Left):
		return m, m.command("left", motion)
	case key.Matches(msg, m.keys.Right):
		return m, m.command("right", motion)
	case key.Matches(msg, m.keys.Stop):
		return m, m.command("stop", nil)
	case key.Matches(msg, m.keys.Circle):
		return m, m.command("circle", nil)
	case key.Matches(msg, m.keys.Triangle):
		return m, m.command("triangle", nil)
	case key.Matches(msg, m.keys.Love):
		return m, m.command("love", nil)
	case key.Matches(msg, m.keys.Diamond):
		return m, m.command("diamond", nil)
	case key.Matches(msg, m.keys.StopPattern):
		return m, m.command("stop_pattern", nil)
	case key.Matches(msg, m.keys.Faster):
		m.speed = min(maxSpeed, m.speed+speedStep)
	case key.Matches(msg, m.keys.Slower):
		m.speed = max(0, m.speed-speedStep)
	}
	return m, nil
}

func (m Model) command(action string, params map[string]any) tea.Cmd {
	ctl, timeout := m.ctl, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ack, err := ctl.Command(ctx, action, params)
		return ackMsg{action: action, ack: ack, err: err}
	}
}

func (m Model) emergencyStop() tea.Cmd {
	ctl, timeout := m.ctl, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ack, err := ctl.EmergencyStop(ctx)
		return ackMsg{action: "emergency_stop", ack: ack, err: err}
	}
}

func (m *Model) apply(ev client.Event) {
	switch ev.Type {
	case client.EventState:
		m.state = ev.State
		if ev.State == session.StateConnected {
			m.reconnect = ""
		}
	case client.EventRegistered:
		m.subject = ev.Registered.Subject
		m.source = ev.Registered.Source
		m.role = session.Role(ev.Registered.Role)
		m.lastErr = ""
	case client.EventReconnecting:
		m.reconnect = fmt.Sprintf("reconnecting in %s (attempt %d)", ev.Delay.Round(time.Millisecond), ev.Attempt)
		if ev.Err != nil {
			m.lastErr = ev.Err.Error()
		}
	case client.EventFrame:
		m.frames++
		m.lastFrame = ev.Frame
		m.tier = ev.Tier
		m.sourceUp = true
	case client.EventTier:
		m.tier = ev.Tier
	case client.EventAck:
		m.lastAck = fmt.Sprintf("%s → %s", ev.Ack.Action, ev.Ack.Status)
	case client.EventError:
		m.lastErr = ev.Err.Error()
	case client.EventSource:
		m.sourceUp = ev.Notice == protocol.TypeSourceAvailable
		if ev.Notice == protocol.TypeEvicted {
			m.lastErr = "evicted: " + ev.Source.Reason
		}
	case client.EventEmergencyStop:
		m.stopBanner = fmt.Sprintf("EMERGENCY STOP at %s", time.UnixMilli(ev.EmergencyStop.At).Format("15:04:05"))
	case client.EventStats:
		m.stats = ev.Stats
	}
}
