package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the teleoperation shortcuts.
type KeyMap struct {
	Forward       key.Binding
	Backward      key.Binding
	Left          key.Binding
	Right         key.Binding
	Stop          key.Binding
	EmergencyStop key.Binding
	Circle        key.Binding
	Triangle      key.Binding
	Love          key.Binding
	Diamond       key.Binding
	StopPattern   key.Binding
	Faster        key.Binding
	Slower        key.Binding
	Help          key.Binding
	Quit          key.Binding
}

var DefaultKeyMap = KeyMap{
	Forward: key.NewBinding(
		key.WithKeys("up", "w"),
		key.WithHelp("↑/w", "forward"),
	),
	Backward: key.NewBinding(
		key.WithKeys("down", "s"),
		key.WithHelp("↓/s", "backward"),
	),
	Left: key.NewBinding(
		key.WithKeys("left", "a"),
		key.WithHelp("←/a", "left"),
	),
	Right: key.NewBinding(
		key.WithKeys("right", "d"),
		key.WithHelp("→/d", "right"),
	),
	Stop: key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "stop"),
	),
	EmergencyStop: key.NewBinding(
		key.WithKeys(" ", "e"),
		key.WithHelp("space", "EMERGENCY STOP"),
	),
	Circle: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "circle"),
	),
	Triangle: key.NewBinding(
		key.WithKeys("t"),
		key.WithHelp("t", "triangle"),
	),
	Love: key.NewBinding(
		key.WithKeys("v"),
		key.WithHelp("v", "love"),
	),
	Diamond: key.NewBinding(
		key.WithKeys("m"),
		key.WithHelp("m", "diamond"),
	),
	StopPattern: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "stop pattern"),
	),
	Faster: key.NewBinding(
		key.WithKeys("+", "="),
		key.WithHelp("+", "faster"),
	),
	Slower: key.NewBinding(
		key.WithKeys("-"),
		key.WithHelp("-", "slower"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "q"),
		key.WithHelp("q", "quit"),
	),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Forward, k.Backward, k.Left, k.Right, k.Stop, k.EmergencyStop, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Forward, k.Backward, k.Left, k.Right, k.Stop},
		{k.Circle, k.Triangle, k.Love, k.Diamond, k.StopPattern},
		{k.Faster, k.Slower, k.EmergencyStop},
		{k.Help, k.Quit},
	}
}
