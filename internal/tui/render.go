package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"teleop-gateway/internal/session"
)

var (
	primaryColor = lipgloss.Color("#3b82f6")
	successColor = lipgloss.Color("#10b981")
	warningColor = lipgloss.Color("#f59e0b")
	errorColor   = lipgloss.Color("#ef4444")
	mutedColor   = lipgloss.Color("#94a3b8")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	okStyle = lipgloss.NewStyle().
		Foreground(successColor).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Background(errorColor).
			Bold(true).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)
)

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("teleop"))
	b.WriteString("\n")

	if m.stopBanner != "" {
		b.WriteString(bannerStyle.Render(m.stopBanner))
		b.WriteString("\n\n")
	}

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("state", m.renderState())
	if m.reconnect != "" {
		row("", warnStyle.Render(m.reconnect))
	}
	if m.subject != "" {
		row("user", fmt.Sprintf("%s (%s)", m.subject, m.role))
	}
	if m.role == session.RoleController {
		row("speed", fmt.Sprintf("%.1f m/s", m.speed))
	}

	video := fmt.Sprintf("%s, %d frames", m.tier, m.frames)
	if m.lastFrame != nil {
		video += fmt.Sprintf(", #%d %s %d bytes", m.lastFrame.Sequence, m.lastFrame.ContentType, len(m.lastFrame.Payload))
	}
	if !m.sourceUp {
		video = warnStyle.Render("source unavailable")
	}
	row("video", video)

	if m.stats != nil {
		row("gateway", fmt.Sprintf("%d clients (%d controllers, %d viewers), %.1f fps",
			m.stats.TotalClients, m.stats.Controllers, m.stats.Viewers, m.stats.FPS))
	}
	if m.lastAck != "" {
		row("ack", m.lastAck)
	}
	if m.lastErr != "" {
		row("error", errorStyle.Render(m.lastErr))
	}

	body := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	return body + "\n" + m.help.View(m.keys) + "\n"
}

func (m Model) renderState() string {
	s := m.state.String()
	switch {
	case m.closed:
		return errorStyle.Render("gave up")
	case m.state.Authenticated():
		return okStyle.Render(s)
	case m.state == session.StateErrored:
		return errorStyle.Render(s)
	default:
		return warnStyle.Render(s)
	}
}
