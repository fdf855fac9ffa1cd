package ui

import (
	"fmt"
	"strings"

	"agentchat/internal/chat"
	"agentchat/internal/models"
	"agentchat/internal/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetWelcomeScreen(width, height int, hint string) string {
	art := `
 ╭────────────────────────────────────────────╮
 │                                            │
 │    ▄▀█ █▀▀ █▀▀ █▄ █ ▀█▀   █▀▀ █ █ ▄▀█ ▀█▀   │
 │    █▀█ █▄█ ██▄ █ ▀█  █    █▄▄ █▀█ █▀█  █    │
 │                                            │
 ╰────────────────────────────────────────────╯
`
	styledArt := styles.WelcomeArtStyle.Render(art)
	styledHint := styles.WelcomeSubtitleStyle.Render(hint)

	content := lipgloss.JoinVertical(lipgloss.Center, styledArt, "", styledHint)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

// UpdateViewport redraws the conversation from the synchronizer's snapshot.
func (m *Model) UpdateViewport() {
	snap := m.Chat.Snapshot()

	switch {
	case snap.SessionID == 0:
		hint := NoticeSelectChat
		if len(m.Agents.Agents()) == 0 {
			hint = "Create an agent with /agent new <name> | <prompt>"
		}
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height, hint))
		return
	case snap.State == chat.StateLoading:
		m.Viewport.SetContent(fmt.Sprintf("%s %s", m.Spinner.View(), styles.PendingStyle.Render("Loading messages...")))
		return
	case len(snap.Entries) == 0:
		m.Viewport.SetContent(GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height, "No messages yet. Say hello."))
		return
	}

	parts := make([]string, 0, len(snap.Entries))
	for i, entry := range snap.Entries {
		parts = append(parts, m.renderEntry(entry, i == 0))
	}
	m.Viewport.SetContent(strings.Join(parts, "\n\n"))
	m.Viewport.GotoBottom()
}

func (m *Model) renderEntry(entry chat.Entry, first bool) string {
	if entry.IsUser {
		content := entry.Content
		switch entry.Status {
		case chat.StatusPending:
			content = fmt.Sprintf("%s %s", m.Spinner.View(), styles.PendingStyle.Render(content))
		case chat.StatusFailed:
			content = styles.ErrorStyle.Render(content)
		}
		marker := ""
		if entry.Status == chat.StatusUnsent {
			marker = "unsent"
		}
		return FormatUserMessage(content, m.Viewport.Width, first, marker)
	}

	var body string
	switch entry.Status {
	case chat.StatusPending:
		body = fmt.Sprintf("%s %s", m.Spinner.View(), styles.PendingStyle.Render(entry.Content))
	case chat.StatusFailed:
		body = styles.ErrorStyle.Render(entry.Content)
	default:
		body = m.renderMarkdown(entry)
	}
	if entry.AudioURL != "" {
		body += "\n" + styles.AudioStyle.Render("♪ "+m.Client.ResolveURL(entry.AudioURL))
	}
	return FormatAgentMessage(m.agentLabel(entry), body)
}

func (m *Model) agentLabel(entry chat.Entry) string {
	if entry.AgentName != "" {
		return entry.AgentName
	}
	if agent, ok := m.Agents.Selected(); ok {
		return agent.Name
	}
	return "Agent"
}

// renderMarkdown renders a confirmed agent reply, caching by message id.
func (m *Model) renderMarkdown(entry chat.Entry) string {
	if m.Renderer == nil {
		return entry.Content
	}
	if entry.ID > 0 {
		if out, ok := m.rendered[entry.ID]; ok {
			return out
		}
	}
	out, err := m.Renderer.Render(entry.Content)
	if err != nil {
		m.Logger.Debug("markdown render failed", "message_id", entry.ID, "error", err)
		return entry.Content
	}
	out = strings.TrimSpace(out)
	if entry.ID > 0 {
		m.rendered[entry.ID] = out
	}
	return out
}

func (m *Model) View() string {
	if m.WindowWidth == 0 {
		return "Loading..."
	}
	if m.Screen == ScreenLogin {
		return m.RenderLogin()
	}

	sidebar := m.RenderSidebar()

	chatWidth := m.WindowWidth - m.sidebarWidth() - 1
	inputStyle := styles.InputBoxBlurredStyle
	if m.Focus == FocusInput {
		inputStyle = styles.InputBoxStyle
	}
	inputBox := inputStyle.Width(chatWidth - 2).Render(m.TextInput.View())

	chatContent := lipgloss.JoinVertical(lipgloss.Left,
		m.RenderChatTitle(chatWidth),
		"",
		m.Viewport.View(),
		m.RenderNotice(chatWidth),
		inputBox,
	)

	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", chatContent)
	content := lipgloss.JoinVertical(lipgloss.Left, main, m.RenderBottomBar())

	if m.ShortcutsOpen || m.AgentInfo != nil {
		modal := m.RenderShortcutsModal()
		if m.AgentInfo != nil {
			modal = m.RenderAgentInfoModal(*m.AgentInfo)
		}
		modal = styles.ModalStyle.Width(ModalWidth).Render(modal)

		return lipgloss.Place(
			m.WindowWidth,
			m.WindowHeight,
			lipgloss.Center,
			lipgloss.Center,
			modal,
		)
	}

	return content
}

func (m *Model) RenderLogin() string {
	mode := "Log in"
	toggle := "Ctrl+R: create an account"
	if m.RegisterMode {
		mode = "Create account"
		toggle = "Ctrl+R: log in instead"
	}

	title := styles.ModalTitleStyle.Render("AGENT CHAT · " + mode)

	status := ""
	switch {
	case m.LoginBusy:
		status = fmt.Sprintf("%s %s", m.Spinner.View(), styles.PendingStyle.Render("Contacting server..."))
	case m.Notice != "" && m.NoticeError:
		status = styles.ErrorStyle.Render(m.Notice)
	case m.Notice != "":
		status = styles.NoticeStyle.Render(m.Notice)
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		PaddingTop(1).
		Render("Enter: submit • Tab: switch field • " + toggle + " • Esc: quit")

	box := styles.LoginBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.Username.View(),
		m.Password.View(),
		"",
		status,
		hint,
	))

	return lipgloss.Place(m.WindowWidth, m.WindowHeight, lipgloss.Center, lipgloss.Center, box)
}

func (m *Model) RenderSidebar() string {
	width := m.sidebarWidth()
	height := m.WindowHeight - 2
	agentHeight := height / 2
	sessionHeight := height - agentHeight

	agentItems := make([]string, 0, len(m.Agents.Agents()))
	activeAgent := -1
	for i, agent := range m.Agents.Agents() {
		agentItems = append(agentItems, agent.Name)
		if agent.ID == m.Agents.SelectedID() {
			activeAgent = i
		}
	}
	agentEmpty := "No agents yet"
	if m.Working == "Loading agents" {
		agentEmpty = m.Spinner.View() + " loading"
	}

	sessionItems := make([]string, 0, len(m.Sessions.Sessions()))
	activeSession := -1
	for i, session := range m.Sessions.Sessions() {
		label := SessionLabel(session.ID, session.CreatedAt.Time)
		if ago := RelativeTime(session.CreatedAt.Time); ago != "" && width >= SidebarWidth {
			label = fmt.Sprintf("%s · %s", label, ago)
		}
		sessionItems = append(sessionItems, label)
		if session.ID == m.Sessions.Selected() {
			activeSession = i
		}
	}
	sessionEmpty := "No sessions yet (Ctrl+N)"
	if m.Agents.SelectedID() == 0 {
		sessionEmpty = "Select an agent"
	} else if m.Working == "Loading sessions" {
		sessionEmpty = m.Spinner.View() + " loading"
	}

	agentPane := renderPane("Agents", agentItems, agentEmpty, m.AgentCursor, activeAgent,
		m.Focus == FocusAgents, width, agentHeight)
	sessionPane := renderPane("Sessions", sessionItems, sessionEmpty, m.SessionCursor, activeSession,
		m.Focus == FocusSessions, width, sessionHeight)

	return lipgloss.JoinVertical(lipgloss.Left, agentPane, sessionPane)
}

// renderPane draws a bordered list, scrolled so the cursor stays visible.
func renderPane(title string, items []string, empty string, cursor, active int, focused bool, width, height int) string {
	style := styles.PaneStyle
	if focused {
		style = styles.PaneFocusedStyle
	}
	innerWidth := width - 4
	rows := height - 4 // border, title and its margin
	if rows < 1 {
		rows = 1
	}

	lines := []string{styles.PaneTitleStyle.Render(title)}
	if len(items) == 0 {
		lines = append(lines, lipgloss.NewStyle().Foreground(styles.HintColor).Render(empty))
	}

	start := 0
	if cursor >= rows {
		start = cursor - rows + 1
	}
	for i := start; i < len(items) && i < start+rows; i++ {
		prefix := "  "
		if i == active {
			prefix = "● "
		}
		text := prefix + TruncateRunes(items[i], innerWidth-2)
		switch {
		case focused && i == cursor:
			lines = append(lines, styles.ItemCursorStyle.Width(innerWidth).Render(text))
		case i == active:
			lines = append(lines, styles.ItemActiveStyle.Render(text))
		default:
			lines = append(lines, styles.ItemStyle.Render(text))
		}
	}

	return style.Width(width - 2).Height(height - 2).Render(strings.Join(lines, "\n"))
}

func (m *Model) RenderChatTitle(width int) string {
	agent, ok := m.Agents.Selected()
	if !ok {
		return styles.TitleStyle.Render("AGENT CHAT")
	}
	title := styles.TitleStyle.Render(strings.ToUpper(agent.Name))
	remaining := width - lipgloss.Width(title) - 2
	if remaining <= 10 {
		return title
	}
	prompt := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Italic(true).
		Render(TruncateRunes(PromptPreview(agent.Prompt), remaining))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, " ", prompt)
}

func (m *Model) RenderNotice(width int) string {
	line := ""
	switch {
	case m.Notice != "" && m.NoticeError:
		line = styles.ErrorStyle.Render(TruncateRunes(m.Notice, width-2))
	case m.Notice != "":
		line = styles.NoticeStyle.Render(TruncateRunes(m.Notice, width-2))
	case m.Working != "":
		line = fmt.Sprintf("%s %s", m.Spinner.View(), styles.PendingStyle.Render(m.Working+"..."))
	}
	return lipgloss.NewStyle().Width(width).Render(line)
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts & Commands")

	var items []string
	keyStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFCC80")).
		Bold(true).
		Width(24)

	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#E0E0E0"))

	for _, s := range helpLines {
		line := fmt.Sprintf("%s %s", keyStyle.Render(s.key), descStyle.Render(s.desc))
		items = append(items, styles.ModalItemStyle.Render(line))
	}

	listContent := lipgloss.JoinVertical(lipgloss.Left, items...)
	content := lipgloss.JoinVertical(lipgloss.Left, title, listContent)

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Esc/Enter: close")

	return lipgloss.JoinVertical(lipgloss.Left, content, hint)
}

func (m *Model) RenderBottomBar() string {
	snap := m.Chat.Snapshot()
	stateName := snap.State.String()
	badge := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(styles.StateColor(stateName)).
		Padding(0, 1).
		Render(strings.ToUpper(stateName))

	user := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Render(TruncateRunes(m.Client.Credentials().Username(), 20))

	agentName := "no agent"
	if agent, ok := m.Agents.Selected(); ok {
		agentName = agent.Name
	}
	agent := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#B39DDB")).
		Render(TruncateRunes(agentName, 25))

	count := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#666666")).
		Render(fmt.Sprintf("%d msgs", len(snap.Entries)))

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#555555")).
		Render("Help: ^S")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Center, badge, "  ", user, "  ", agent)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Center, count, "  ", help)

	availableWidth := m.WindowWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide) - 2
	if availableWidth < 0 {
		availableWidth = 0
	}
	spacer := strings.Repeat(" ", availableWidth)

	bar := lipgloss.JoinHorizontal(lipgloss.Center, leftSide, spacer, rightSide)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#333333")).
		Padding(0, 1).
		Render(bar)
}

func (m *Model) RenderAgentInfoModal(agent models.Agent) string {
	title := styles.ModalTitleStyle.Render(TruncateRunes(agent.Name, styles.ContentWidth))

	meta := fmt.Sprintf("Agent #%d", agent.ID)
	if !agent.CreatedAt.IsZero() {
		meta += " · created " + agent.CreatedAt.Format("2006-01-02 15:04")
	}
	metaLine := lipgloss.NewStyle().Foreground(styles.HintColor).Render(meta)

	prompt := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#E0E0E0")).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render(agent.Prompt)

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Esc/Enter: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, metaLine, prompt, hint)
}
