package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mpataki/autodev/internal/feed"
	"github.com/mpataki/autodev/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	liveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))

	userBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	botBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedBubble = botBubble.BorderForeground(lipgloss.Color("229"))

	streamStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			PaddingLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

const (
	sentinelLoading   = "loading older executions..."
	sentinelMore      = "↑ scroll up for older executions"
	sentinelBeginning = "beginning of history"
)

func (a *App) viewProjects() string {
	s := titleStyle.Render("AutoDev") + "  " + dimStyle.Render(a.deps.BaseURL) + "\n\n"

	if a.unauthorized {
		s += statusFailed.Render("Session expired or invalid. Run `autodev login`.") + "\n\n"
	}
	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	s += "Open project: " + a.projectIn.View() + "\n\n"

	if len(a.projects) == 0 {
		s += "No recent projects. Type a project id and press enter.\n"
	} else {
		s += "Recent Projects\n"
		s += "───────────────\n"

		for i, p := range a.projects {
			line := formatProjectLine(p)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] open  [↑/↓] select  [esc] quit")
	return s
}

func formatProjectLine(p *models.RecentProject) string {
	status := ""
	if p.LastStatus != "" {
		status = formatStatus(p.LastStatus)
	}
	return fmt.Sprintf("#%-6s %4d executions  %-8s  %s  %s",
		p.ProjectID, p.TotalElements, humanize.Time(p.LastOpenedAt), status, truncate(p.LastPrompt, 35))
}

func (a *App) viewFeed() string {
	s := a.header() + "\n"
	s += a.chat.View() + "\n\n"
	s += a.prompt.View() + "\n"

	help := "[enter] send  [tab] browse  [pgup/pgdn] scroll  [ctrl+r] retry  [esc] projects"
	if a.listFocus {
		help = "[↑/↓] select  [enter] details  [r] retry  [g/G] top/bottom  [tab] type  [esc] projects"
	}
	s += helpStyle.Render(help)
	return s
}

func (a *App) header() string {
	st := a.state
	title := titleStyle.Render("Project #" + st.ProjectID)
	if !st.Loading && !st.InitialErr {
		title += "  " + dimStyle.Render(fmt.Sprintf("%d executions", st.TotalElements))
	}
	if st.Streaming {
		title += "  " + liveStyle.Render("● Live")
	}

	line := ""
	switch {
	case a.unauthorized:
		line = statusFailed.Render("Session expired or invalid. Run `autodev login`.")
	case st.Err != "":
		line = statusFailed.Render(st.Err) + "  " + helpStyle.Render("[ctrl+r] retry")
	case a.notice != "":
		line = statusFailed.Render(a.notice)
	case st.Creating:
		line = a.spinner.View() + " Starting execution..."
	}
	return title + "\n" + line
}

// renderChat lays the feed out as a conversation, oldest first. The first
// line is always the older-history sentinel.
func renderChat(st *feed.State, width int, showSelection bool, spin string) string {
	if width <= 0 {
		width = 80
	}
	if st.Loading {
		return sentinelLine(st) + "\n\n" + spin + " Loading execution history..."
	}
	if st.InitialErr {
		return sentinelLine(st) + "\n\n" + statusFailed.Render("Could not load execution history.") + "\n" +
			helpStyle.Render("Press ctrl+r to try again.")
	}

	var b strings.Builder
	b.WriteString(sentinelLine(st))
	b.WriteString("\n")

	display := st.Display()
	if len(display) == 0 {
		b.WriteString("\n" + dimStyle.Render("No executions yet. Describe a change below to start one.") + "\n")
		return b.String()
	}

	bubbleWidth := min(max(width*2/3, 20), 100)
	selected, hasSelection := st.Selected()

	for _, e := range display {
		b.WriteString("\n")
		b.WriteString(renderUserBubble(e, width, bubbleWidth))
		b.WriteString("\n")

		isSelected := showSelection && hasSelection && selected.ID == e.ID
		b.WriteString(renderBotBubble(e, bubbleWidth, isSelected))
		b.WriteString("\n")

		if st.Streaming && st.StreamingExecutionID == e.ID {
			for _, m := range st.StreamMessages {
				b.WriteString(streamStyle.Render(dimStyle.Render(m.Timestamp.Format("15:04:05")) + " " + m.Message))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func sentinelLine(st *feed.State) string {
	switch {
	case st.Loading:
		return ""
	case st.LoadingMore:
		return dimStyle.Render(sentinelLoading)
	case st.HasMore():
		return dimStyle.Render(sentinelMore)
	}
	return dimStyle.Render(sentinelBeginning)
}

func renderUserBubble(e models.Execution, width, bubbleWidth int) string {
	body := e.Prompt + "\n" + dimStyle.Render(humanize.Time(e.CreatedAt))
	bubble := userBubble.Width(bubbleWidth).Render(body)
	return lipgloss.PlaceHorizontal(width, lipgloss.Right, bubble)
}

func renderBotBubble(e models.Execution, bubbleWidth int, selected bool) string {
	style := botBubble
	if selected {
		style = selectedBubble
	}

	body := formatStatus(e.Status)
	switch {
	case e.Status == models.StatusFailed && e.ErrorText() != "":
		body += "\n" + e.ErrorText()
	case e.Summary() != "":
		body += "\n" + e.Summary()
	case !e.Status.IsTerminal():
		body += "\n" + dimStyle.Render("working on it...")
	}
	if e.ExecutionBranch != "" {
		body += "\n" + labelStyle.Render("branch ") + dimStyle.Render(e.ExecutionBranch)
	}
	return style.Width(bubbleWidth).Render(body)
}

func formatStatus(status models.ExecutionStatus) string {
	switch {
	case status == models.StatusCompleted:
		return statusComplete.Render("✓ " + status.Label())
	case status == models.StatusFailed:
		return statusFailed.Render("✗ " + status.Label())
	case status == models.StatusCreated:
		return statusPending.Render("○ " + status.Label())
	case !status.IsTerminal():
		return statusRunning.Render("● " + status.Label())
	default:
		return string(status)
	}
}

func (a *App) viewDetail() string {
	e, ok := a.state.Selected()
	if !ok {
		return "No execution selected\n\n" + helpStyle.Render("[esc] back")
	}

	s := titleStyle.Render(fmt.Sprintf("Execution #%d", e.ID)) + "  " + formatStatus(e.Status) + "\n\n"
	s += e.Prompt + "\n\n"

	field := func(label, value string) {
		if value == "" {
			return
		}
		s += labelStyle.Render(fmt.Sprintf("%-11s", label)) + value + "\n"
	}
	field("Project", fmt.Sprintf("%d", e.ProjectID))
	if e.GitRepoURL != nil {
		field("Repository", *e.GitRepoURL)
	}
	field("Base", e.BaseBranch)
	field("Branch", e.ExecutionBranch)
	field("Created", fmt.Sprintf("%s (%s)", e.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(e.CreatedAt)))
	if !e.UpdatedAt.IsZero() {
		field("Updated", humanize.Time(e.UpdatedAt))
	}

	if e.Summary() != "" {
		s += "\n" + labelStyle.Render("Summary") + "\n" + e.Summary() + "\n"
	}
	if e.ErrorText() != "" {
		s += "\n" + labelStyle.Render("Error") + "\n" + statusFailed.Render(e.ErrorText()) + "\n"
	}
	if a.state.Streaming && a.state.StreamingExecutionID == e.ID {
		s += "\n" + liveStyle.Render("● Live") + "\n"
		for _, m := range a.state.StreamMessages {
			s += streamStyle.Render(m.Message) + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[esc] back")
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
